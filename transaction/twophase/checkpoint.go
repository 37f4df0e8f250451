package twophase

import (
	"github.com/ymgch-db/pxdb/transaction/txid"
	"github.com/ymgch-db/pxdb/wal"
)

// PreparedRecord is the begin location of the prepare record of one
// unresolved prepared transaction
type PreparedRecord struct {
	XID      txid.TxID
	BeginLoc wal.Location
}

// CheckpointPrepared returns the prepare record of every valid
// prepared transaction. The checkpointer must not recycle wal segments
// these locations live in: the records are the only durable state of
// the transactions.
//
// Postgres used to copy the records into per-transaction state files
// at every checkpoint; since 9.6 it keeps them in the wal and only
// fsyncs the files of very old transactions. pxdb keeps the whole wal,
// so the list alone is enough.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L1646
func (m *Manager) CheckpointPrepared() []PreparedRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []PreparedRecord
	for _, idx := range m.active {
		gxact := m.entries[idx]
		if !gxact.valid {
			// still being prepared; its record is not flushed yet and
			// the preparing backend still owns it
			continue
		}
		recs = append(recs, PreparedRecord{XID: gxact.proc.XID, BeginLoc: gxact.prepareBeginLoc})
	}
	return recs
}

// OldestPreparedLocation returns the smallest begin location among the
// records, the point the wal must be kept from. ok is false when there
// is no prepared transaction.
func OldestPreparedLocation(recs []PreparedRecord) (wal.Location, bool) {
	if len(recs) == 0 {
		return wal.InvalidLocation, false
	}
	oldest := recs[0].BeginLoc
	for _, rec := range recs[1:] {
		if rec.BeginLoc < oldest {
			oldest = rec.BeginLoc
		}
	}
	return oldest, true
}
