/*
Resource manager records

Besides the fixed arrays, the prepare record carries records written by
resource managers: lock manager state, predicate lock state and so on.
Each record is tagged with a small id and re-dispatched to the matching
callback when the transaction is recovered, committed or aborted.

The callback tables are indexed identically for the three phases:
recover, post-commit and post-abort. A missing callback for a kind is an
explicit no-op; an id out of range is a programming fault.

see twophase_rmgr.h
https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/access/twophase_rmgr.h#L20
*/
package twophase

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/ymgch-db/pxdb/transaction/txid"
)

// RmgrID identifies a two-phase resource manager
type RmgrID uint16

const (
	// rmgrEndID is the reserved id of the end record which terminates
	// the record stream. no callback can be registered for it.
	rmgrEndID RmgrID = 0
	// RmgrLockID is the lock manager
	RmgrLockID RmgrID = 1
	// RmgrPredicateLockID is the predicate lock manager
	RmgrPredicateLockID RmgrID = 2
	// RmgrPgStatID is the statistics collector
	RmgrPgStatID RmgrID = 3

	maxRmgrID = RmgrPgStatID
)

// RmgrCallback is invoked for one resource manager record
type RmgrCallback func(xid txid.TxID, info uint16, payload []byte)

// rmgrCallbacks is one phase's callback table
type rmgrCallbacks [maxRmgrID + 1]RmgrCallback

// RegisterRmgr registers the callbacks of one resource manager for the
// three phases. any of the callbacks may be nil, which makes that phase
// a no-op for this resource manager.
// this is expected to be called once per resource manager at startup,
// before any prepare/finish/recovery runs.
func (m *Manager) RegisterRmgr(rmid RmgrID, recover, postCommit, postAbort RmgrCallback) {
	if rmid == rmgrEndID || rmid > maxRmgrID {
		panic(fmt.Sprintf("invalid two-phase resource manager id %d", rmid))
	}
	m.recoverCallbacks[rmid] = recover
	m.postCommitCallbacks[rmid] = postCommit
	m.postAbortCallbacks[rmid] = postAbort
}

// processRecords walks the resource manager record stream of a parsed
// state record and calls the indicated callbacks for each record.
// see ProcessRecords
// https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L1480
func processRecords(buf []byte, xid txid.TxID, callbacks *rmgrCallbacks) error {
	for {
		if len(buf) < subRecordHeaderSize {
			return errors.Wrapf(ErrStateRecordCorrupted, "record stream truncated for transaction %d", xid)
		}
		payloadLen := binary.LittleEndian.Uint32(buf[0:4])
		rmid := RmgrID(binary.LittleEndian.Uint16(buf[4:6]))
		info := binary.LittleEndian.Uint16(buf[6:8])

		if rmid == rmgrEndID {
			return nil
		}
		if rmid > maxRmgrID {
			// the stream was validated against the crc already, so an
			// out-of-range id here is a programming fault, not a
			// runtime condition
			panic(fmt.Sprintf("two-phase resource manager id %d out of range", rmid))
		}

		buf = buf[subRecordHeaderSize:]
		if int(payloadLen) > len(buf) {
			return errors.Wrapf(ErrStateRecordCorrupted, "record payload truncated for transaction %d", xid)
		}
		if cb := callbacks[rmid]; cb != nil {
			cb(xid, info, buf[:payloadLen])
		}
		adv := maxAligned(int(payloadLen))
		if adv > len(buf) {
			adv = len(buf)
		}
		buf = buf[adv:]
	}
}
