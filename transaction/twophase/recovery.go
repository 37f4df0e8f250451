/*
Recovery of prepared transactions

After a restart, the prepare records found in the wal are the source of
truth. Log replay registers the begin location of every prepare record
into the record index and drops it again when the matching outcome
record is replayed; what is left in the index at the end of replay are
the transactions which are still prepared.

Then two passes run over the index:

PrescanPreparedTransactions runs before the clog tail can be computed:
it reads every surviving prepare record and folds the oldest
transaction id, and bumps the next-transaction counter past every
subtransaction id seen (subtransaction ids are assigned but may not be
reflected in the counter the checkpoint saved).

RecoverPreparedTransactions runs at the end of recovery: it rebuilds
the registry entry, republishes the dummy procarray entry, restores the
subtransaction parent links and lets each resource manager reload its
state from its records.

Both passes skip records whose transaction the clog already resolved,
so replaying an outcome record and re-running recovery are idempotent.

see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L1743
*/
package twophase

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ymgch-db/pxdb/common"
	"github.com/ymgch-db/pxdb/transaction/txid"
	"github.com/ymgch-db/pxdb/wal"
)

// RegisterPreparedRecord remembers the begin location of a prepare
// record. called when a transaction is prepared and when its prepare
// record is replayed.
// see PrepareRedoAdd
func (m *Manager) RegisterPreparedRecord(xid txid.TxID, beginLoc wal.Location) {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	m.preparedRecords[xid] = beginLoc
}

// ForgetPreparedRecord drops the record of the transaction from the
// index. unknown xids are ignored, which keeps replay idempotent.
// see PrepareRedoRemove
func (m *Manager) ForgetPreparedRecord(xid txid.TxID) {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	delete(m.preparedRecords, xid)
}

// ReplayRecord feeds one wal record into the two-phase replay during
// startup. A prepare record registers the transaction in the prepared
// record index; an outcome record resolves the transaction in the clog
// and drops the index entry again. Records of other origins are
// ignored.
// the prepare record starts with the state record magic; the outcome
// record starts with its kind byte, whose little-endian reading can
// never collide with the magic.
func (m *Manager) ReplayRecord(begin wal.Location, payload []byte) error {
	if len(payload) >= 4 && binary.LittleEndian.Uint32(payload[0:4]) == twoPhaseMagic {
		hdr, err := decodeStateFileHeader(payload)
		if err != nil {
			return errors.Wrap(err, "decodeStateFileHeader failed")
		}
		m.RegisterPreparedRecord(hdr.xid, begin)
		// the next-transaction counter must end up past every id seen
		// in the log, or ids would be reused after restart
		m.tm.AdvancePast(hdr.xid)
		return nil
	}
	if len(payload) >= 12 && (payload[0] == outcomeCommit || payload[0] == outcomeAbort) {
		return m.replayOutcomeRecord(payload)
	}
	return nil
}

// snapshotPreparedRecords copies the index sorted by xid, so the
// recovery passes run in a deterministic order
func (m *Manager) snapshotPreparedRecords() []PreparedRecord {
	m.recMu.Lock()
	defer m.recMu.Unlock()

	recs := make([]PreparedRecord, 0, len(m.preparedRecords))
	for xid, loc := range m.preparedRecords {
		recs = append(recs, PreparedRecord{XID: xid, BeginLoc: loc})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].XID < recs[j].XID })
	return recs
}

// resolvedInClog reports whether the clog already knows the outcome of
// the transaction. recovery skips such records: their outcome record
// was replayed and the transaction is not prepared anymore.
func (m *Manager) resolvedInClog(xid txid.TxID) (bool, error) {
	committed, err := m.clog.IsTxCommitted(xid)
	if err != nil {
		return false, errors.Wrap(err, "clog.IsTxCommitted failed")
	}
	if committed {
		return true, nil
	}
	aborted, err := m.clog.IsTxAborted(xid)
	if err != nil {
		return false, errors.Wrap(err, "clog.IsTxAborted failed")
	}
	return aborted, nil
}

// PrescanPreparedTransactions reads every surviving prepare record and
// returns the oldest transaction id among them (or the next
// transaction id when there are none) together with the list of their
// transaction ids. it also advances the next-transaction counter past
// every subtransaction id found in the records.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L1743
func (m *Manager) PrescanPreparedTransactions() (txid.TxID, []txid.TxID, error) {
	oldest := m.tm.ReadNextTxID()
	var xids []txid.TxID

	for _, pr := range m.snapshotPreparedRecords() {
		resolved, err := m.resolvedInClog(pr.XID)
		if err != nil {
			return txid.InvalidTxID, nil, err
		}
		if resolved {
			continue
		}

		rec, err := m.readStateRecord(pr)
		if err != nil {
			return txid.InvalidTxID, nil, err
		}

		if oldest.IsFollows(pr.XID) {
			oldest = pr.XID
		}
		xids = append(xids, pr.XID)

		// subtransaction ids were assigned by the prepared transaction
		// but may be past the counter the last checkpoint saved
		for _, sub := range rec.subXIDs {
			m.tm.AdvancePast(sub)
		}
	}
	return oldest, xids, nil
}

// RecoverPreparedTransactions rebuilds the registry from the surviving
// prepare records. recovered entries are valid and unlocked, ready to
// be finished by any backend.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L1899
func (m *Manager) RecoverPreparedTransactions() error {
	for _, pr := range m.snapshotPreparedRecords() {
		resolved, err := m.resolvedInClog(pr.XID)
		if err != nil {
			return err
		}
		if resolved {
			continue
		}
		// already in the registry, e.g. recovery ran twice
		if m.hasGXactForXID(pr.XID) {
			continue
		}

		rec, err := m.readStateRecord(pr)
		if err != nil {
			return err
		}
		hdr := rec.hdr

		m.logger.Info("recovering prepared transaction",
			zap.String("gid", hdr.gid),
			zap.Uint32("xid", uint32(pr.XID)),
		)

		// restore the subtransaction parent links; subtransactions of
		// a prepared transaction always have the main transaction as
		// their parent in the record
		for _, sub := range rec.subXIDs {
			m.subtrans.SetParent(sub, pr.XID)
		}

		gxact, err := m.markAsPreparing(pr.XID, hdr.gid, hdr.owner, hdr.database,
			hdr.preparedAtTime(), pr.BeginLoc, common.InvalidBackendID)
		if err != nil {
			return errors.Wrap(err, "markAsPreparing failed")
		}
		gxact.loadSubxactData(rec.subXIDs)
		m.markAsPrepared(gxact)

		// let each resource manager reload its state
		if err := processRecords(rec.rmgrData, pr.XID, &m.recoverCallbacks); err != nil {
			return errors.Wrap(err, "processRecords failed")
		}
	}
	return nil
}

// readStateRecord reads the prepare record back from the wal and
// validates it against the index entry
func (m *Manager) readStateRecord(pr PreparedRecord) (*stateRecord, error) {
	buf, err := m.wal.ReadAt(pr.BeginLoc)
	if err != nil {
		return nil, errors.Wrapf(err, "wal.ReadAt the prepare record of xid %d failed", pr.XID)
	}
	rec, err := parseStateRecord(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "parseStateRecord of xid %d failed", pr.XID)
	}
	if !rec.hdr.xid.IsEqual(pr.XID) {
		return nil, errors.Wrapf(ErrStateRecordCorrupted, "record xid %d does not match index xid %d", rec.hdr.xid, pr.XID)
	}
	return rec, nil
}
