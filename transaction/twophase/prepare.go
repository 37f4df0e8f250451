package twophase

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ymgch-db/pxdb/transaction/txid"
)

// StartPrepare begins assembling the state record for the entry
// reserved by MarkAsPreparing: header block, subtransaction ids,
// relation delete lists and invalidation messages. Resource manager
// records can be added with RegisterTwoPhaseRecord until EndPrepare.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L1001
func (s *Session) StartPrepare(gxact *GlobalTransaction, subXIDs []txid.TxID, invalMsgs []InvalidationMessage, initFileInval bool) {
	// only this backend's pending work belongs in the record
	commitRels := s.m.smgr.GetPendingDeletes(s.backendID, true)
	abortRels := s.m.smgr.GetPendingDeletes(s.backendID, false)

	hdr := &stateFileHeader{
		magic:         twoPhaseMagic,
		totalLen:      0, // backfilled by finish()
		xid:           gxact.proc.XID,
		database:      gxact.proc.DatabaseID,
		preparedAt:    gxact.preparedAt.UnixMicro(),
		owner:         gxact.owner,
		nSubXacts:     int32(len(subXIDs)),
		nCommitRels:   int32(len(commitRels)),
		nAbortRels:    int32(len(abortRels)),
		nInvalMsgs:    int32(len(invalMsgs)),
		initFileInval: initFileInval,
		gid:           gxact.gid,
	}

	b := startStateRecord(hdr)
	b.appendTxIDList(subXIDs)
	b.appendRelationList(commitRels)
	b.appendRelationList(abortRels)
	b.appendInvalMsgList(invalMsgs)
	s.records = b

	// the subxids have to be stored in the dummy entry before it is
	// published by markAsPrepared
	gxact.loadSubxactData(subXIDs)
}

// RegisterTwoPhaseRecord adds one resource manager record to the state
// record being assembled. must be called between StartPrepare and
// EndPrepare.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L1232
func (s *Session) RegisterTwoPhaseRecord(rmid RmgrID, info uint16, data []byte) {
	if s.records == nil {
		panic("RegisterTwoPhaseRecord called outside of prepare")
	}
	if rmid == rmgrEndID || rmid > maxRmgrID {
		panic("invalid resource manager id")
	}
	s.records.appendSubRecord(rmid, info, data)
}

// EndPrepare finishes the state record, makes it durable in the wal
// and marks the entry fully prepared. Once the flush completes the
// transaction is bound to be either committed or rolled back by an
// explicit later request, never resolved implicitly.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L1068
func (s *Session) EndPrepare(gxact *GlobalTransaction) error {
	if s.records == nil {
		panic("EndPrepare called without StartPrepare")
	}
	record, err := s.records.finish()
	if err != nil {
		return errors.Wrap(err, "finish the state record failed")
	}

	begin, end, err := s.m.wal.Append(record)
	if err != nil {
		return errors.Wrap(err, "wal.Append failed")
	}
	gxact.prepareBeginLoc = begin
	gxact.prepareLoc = end

	// the record location is tracked until the transaction is
	// finished, for the checkpointer
	s.m.RegisterPreparedRecord(gxact.proc.XID, begin)

	// the prepare must be on disk before anyone may see the
	// transaction as prepared
	if err := s.m.wal.Flush(end); err != nil {
		return errors.Wrap(err, "wal.Flush failed")
	}

	s.m.markAsPrepared(gxact)
	s.records = nil

	s.m.logger.Info("prepared transaction",
		zap.String("gid", gxact.gid),
		zap.Uint32("xid", uint32(gxact.proc.XID)),
	)

	// when synchronous replication is configured, do not report
	// success before a replica has the prepare record
	s.m.syncRep.WaitForLocation(end)
	return nil
}
