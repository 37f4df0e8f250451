/*
Procarray manager maintains the process-visible transaction table: the
set of transactions which are currently in progress somewhere in the
system.

Other modules ask `is this transaction still running?` through this
manager, e.g. to decide whether a tuple's inserting transaction may
still abort, or whether it is safe to clean up after a transaction that
looks crashed.

----
About prepared transactions

A prepared transaction has no live session anymore, but it must keep
looking `in progress` until it is committed or rolled back, possibly
after a restart. For that, the two-phase commit module registers a dummy
entry (a placeholder Proc with no execution behavior) here when the
transaction becomes prepared, and removes it when the transaction is
finished.

The ordering is critical on both ends:
- at prepare, the dummy entry must be added before the preparing session
  stops reporting the transaction as running. Otherwise there is a
  window where the transaction is not running according to this table
  and onlookers would be entitled to assume it crashed. The same
  transaction id appearing twice during the handover is fine.
- at finish, the entry must be removed only after the outcome is durable
  and visible in clog. see the ordering comment in the finish path of
  the twophase package.

see https://github.com/postgres/postgres/blob/8242752f9c104030085cb167e6e1dd5bed481360/src/backend/storage/ipc/procarray.c#L5
*/
package procarray

import (
	"sync"

	"github.com/ymgch-db/pxdb/common"
	"github.com/ymgch-db/pxdb/transaction/txid"
)

// Proc is one entry of the process-visible transaction table.
// For a regular transaction this stands for the running backend; for a
// prepared transaction this is a dummy entry which exists purely so
// that visibility queries keep seeing the transaction as in progress.
// see PGPROC https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/proc.h#L59
type Proc struct {
	// XID is the transaction id this entry reports as in progress
	XID txid.TxID
	// DatabaseID is the database the transaction runs in
	DatabaseID common.Database
	// RoleID is the role running the transaction
	RoleID common.Role
	// IsPrepared indicates this is the dummy entry of a prepared
	// transaction
	IsPrepared bool
	// SubXIDs are the subtransaction ids of the transaction.
	// they are reported as in progress too.
	SubXIDs []txid.TxID
}

// Manager is procarray manager
type Manager struct {
	// single reader/writer lock over the table, like ProcArrayLock
	sync.RWMutex
	// during the prepare handover the same transaction id appears in
	// two entries (the session's and the dummy), so the table is a
	// plain array and entries are removed by identity, not by id
	procs []*Proc
	// latestCompletedTxID is the latest transaction id which has
	// committed or aborted. this is advanced when an entry is removed.
	latestCompletedTxID txid.TxID
}

// NewManager initializes procarray manager
func NewManager() *Manager {
	return &Manager{}
}

// Add puts the entry into the table
// see ProcArrayAdd https://github.com/postgres/postgres/blob/8242752f9c104030085cb167e6e1dd5bed481360/src/backend/storage/ipc/procarray.c#L270
func (m *Manager) Add(proc *Proc) {
	m.Lock()
	m.procs = append(m.procs, proc)
	m.Unlock()
}

// Remove removes the entry from the table.
// latestTxID is the latest transaction id among the transaction and its
// subtransactions; the latest-completed bookkeeping has to account for
// subtransaction ids which never get their own entry.
// see ProcArrayRemove https://github.com/postgres/postgres/blob/8242752f9c104030085cb167e6e1dd5bed481360/src/backend/storage/ipc/procarray.c#L334
func (m *Manager) Remove(proc *Proc, latestTxID txid.TxID) {
	m.Lock()
	for i, p := range m.procs {
		if p == proc {
			m.procs[i] = m.procs[len(m.procs)-1]
			m.procs = m.procs[:len(m.procs)-1]
			break
		}
	}
	if latestTxID.IsFollows(m.latestCompletedTxID) {
		m.latestCompletedTxID = latestTxID
	}
	m.Unlock()
}

// IsTxInProgress checks whether the transaction is in progress.
// subtransaction ids of in-progress transactions are in progress too.
func (m *Manager) IsTxInProgress(txID txid.TxID) bool {
	m.RLock()
	defer m.RUnlock()

	for _, proc := range m.procs {
		if proc.XID.IsEqual(txID) {
			return true
		}
		for _, sub := range proc.SubXIDs {
			if sub.IsEqual(txID) {
				return true
			}
		}
	}
	return false
}

// LatestCompletedTxID returns the latest completed transaction id
func (m *Manager) LatestCompletedTxID() txid.TxID {
	m.RLock()
	defer m.RUnlock()
	return m.latestCompletedTxID
}

// NumProcs returns the number of entries in the table
func (m *Manager) NumProcs() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.procs)
}
