package twophase

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ymgch-db/pxdb/common"
	"github.com/ymgch-db/pxdb/transaction/txid"
)

// outcome record kinds. the outcome record is the commit-prepared /
// abort-prepared wal record: a small record naming the transaction and
// its subtransactions, written when the prepared transaction is
// finished.
// see xl_xact_commit_prepared / xl_xact_abort_prepared
const (
	outcomeCommit uint8 = 1
	outcomeAbort  uint8 = 2
)

// encodeOutcomeRecord serializes the outcome record:
// kind(1) pad(3) xid(4) nsubxacts(4) subxids(4 each)
func encodeOutcomeRecord(kind uint8, xid txid.TxID, subXIDs []txid.TxID) []byte {
	buf := make([]byte, 12+4*len(subXIDs))
	buf[0] = kind
	binary.LittleEndian.PutUint32(buf[4:8], uint32(xid))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(subXIDs)))
	for i, id := range subXIDs {
		binary.LittleEndian.PutUint32(buf[12+4*i:], uint32(id))
	}
	return buf
}

// decodeOutcomeRecord deserializes the outcome record
func decodeOutcomeRecord(buf []byte) (kind uint8, xid txid.TxID, subXIDs []txid.TxID, err error) {
	if len(buf) < 12 {
		return 0, txid.InvalidTxID, nil, errors.Wrapf(ErrStateRecordCorrupted, "outcome record too short: %d", len(buf))
	}
	kind = buf[0]
	xid = txid.TxID(binary.LittleEndian.Uint32(buf[4:8]))
	n := int(binary.LittleEndian.Uint32(buf[8:12]))
	if len(buf) < 12+4*n {
		return 0, txid.InvalidTxID, nil, errors.Wrapf(ErrStateRecordCorrupted, "outcome record too short for %d subxids", n)
	}
	if n > 0 {
		subXIDs = make([]txid.TxID, n)
		for i := 0; i < n; i++ {
			subXIDs[i] = txid.TxID(binary.LittleEndian.Uint32(buf[12+4*i:]))
		}
	}
	return kind, xid, subXIDs, nil
}

// FinishPreparedTransaction commits or rolls back the prepared
// transaction identified by gid. The returned bool reports whether a
// transaction was actually finished; with raiseErrorIfNotFound=false a
// missing gid is not an error, which makes retried rollback requests
// harmless.
//
// The order of operations here matters:
//  1. the outcome record is made durable before the clog is updated,
//     so a crash in between replays the outcome
//  2. the clog is updated before the dummy procarray entry is removed,
//     so the transaction never looks aborted-by-crash
//  3. the entry is invalidated before any non-critical cleanup, so a
//     failure in cleanup cannot resurrect the transaction
//
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L1273
func (s *Session) FinishPreparedTransaction(gid string, user common.Role, isCommit bool, raiseErrorIfNotFound bool) (bool, error) {
	m := s.m

	gxact, err := s.lockGXact(gid, user, raiseErrorIfNotFound)
	if err != nil {
		return false, errors.Wrap(err, "lockGXact failed")
	}
	if gxact == nil {
		// the gid does not exist (anymore). a commit request may be a
		// retry whose first attempt succeeded but whose success was
		// lost; wait for replication before reporting it done, so a
		// caller never sees a commit the replica does not have.
		if isCommit {
			m.syncRep.WaitForLocation(m.wal.InsertLocation())
		}
		return false, nil
	}

	xid := gxact.proc.XID

	// read the state record back; everything needed to finish the
	// transaction is in there
	buf, err := m.wal.ReadAt(gxact.prepareBeginLoc)
	if err != nil {
		s.AtAbort()
		return false, errors.Wrap(err, "wal.ReadAt the prepare record failed")
	}
	rec, err := parseStateRecord(buf)
	if err != nil {
		s.AtAbort()
		return false, errors.Wrap(err, "parseStateRecord failed")
	}
	if !rec.hdr.xid.IsEqual(xid) {
		s.AtAbort()
		return false, errors.Wrapf(ErrStateRecordCorrupted, "record xid %d does not match entry xid %d", rec.hdr.xid, xid)
	}

	// critical section: write the outcome record, flush it and mark
	// the transaction tree in the clog
	kind := outcomeAbort
	if isCommit {
		kind = outcomeCommit
	}
	_, end, err := m.wal.Append(encodeOutcomeRecord(kind, xid, rec.subXIDs))
	if err != nil {
		s.AtAbort()
		return false, errors.Wrap(err, "wal.Append the outcome record failed")
	}
	if err := m.wal.Flush(end); err != nil {
		s.AtAbort()
		return false, errors.Wrap(err, "wal.Flush failed")
	}

	if isCommit {
		err = m.clog.SetTreeStateCommitted(xid, rec.subXIDs)
	} else {
		err = m.clog.SetTreeStateAborted(xid, rec.subXIDs)
	}
	if err != nil {
		s.AtAbort()
		return false, errors.Wrap(err, "update the clog failed")
	}

	// the transaction is resolved: stop reporting it as running and
	// make the entry invisible to further lookups
	latestXid := txid.Latest(xid, rec.subXIDs)
	m.procArray.Remove(gxact.proc, latestXid)

	m.mu.Lock()
	gxact.valid = false
	m.mu.Unlock()

	// non-critical cleanup from here. the transaction outcome is
	// durable; a failure below loses only auxiliary work.
	var rels []common.Relation
	if isCommit {
		rels = rec.commitRels
	} else {
		rels = rec.abortRels
	}
	if err := m.smgr.DropRelationFiles(rels); err != nil {
		m.logger.Warn("dropping relation files of a finished prepared transaction failed",
			zap.String("gid", gid), zap.Error(err))
	}

	if isCommit {
		if rec.hdr.initFileInval {
			m.inval.PreInvalidateInitFile()
		}
		m.inval.SendMessages(rec.invalMsgs)
		if rec.hdr.initFileInval {
			m.inval.PostInvalidateInitFile()
		}
	}

	cbs := &m.postAbortCallbacks
	if isCommit {
		cbs = &m.postCommitCallbacks
	}
	if err := processRecords(rec.rmgrData, xid, cbs); err != nil {
		m.logger.Warn("processing resource manager records of a finished prepared transaction failed",
			zap.String("gid", gid), zap.Error(err))
	}

	// the prepare record needs no attention from the checkpointer
	// anymore
	m.ForgetPreparedRecord(xid)

	m.removeGXact(gxact)
	s.lockedGXact = nil

	m.logger.Info("finished prepared transaction",
		zap.String("gid", gid),
		zap.Uint32("xid", uint32(xid)),
		zap.Bool("commit", isCommit),
	)

	m.syncRep.WaitForLocation(end)
	return true, nil
}

// replayOutcomeRecord applies a commit-prepared/abort-prepared record
// during log replay: resolve the transaction tree in the clog and drop
// the prepare record from the index so the transaction is not
// recovered as prepared.
func (m *Manager) replayOutcomeRecord(buf []byte) error {
	kind, xid, subXIDs, err := decodeOutcomeRecord(buf)
	if err != nil {
		return errors.Wrap(err, "decodeOutcomeRecord failed")
	}
	m.tm.AdvancePast(txid.Latest(xid, subXIDs))
	switch kind {
	case outcomeCommit:
		err = m.clog.SetTreeStateCommitted(xid, subXIDs)
	case outcomeAbort:
		err = m.clog.SetTreeStateAborted(xid, subXIDs)
	default:
		return errors.Wrapf(ErrStateRecordCorrupted, "unknown outcome record kind %d", kind)
	}
	if err != nil {
		return errors.Wrap(err, "update the clog failed")
	}
	m.ForgetPreparedRecord(xid)
	return nil
}
