/*
Transaction id manager manages transaction id.

Transaction id is a kind of shared resource. The next transaction id has
to be maintained in one place and the lock has to be held when
allocating it.

----
About the nature of transaction id

Transaction id is defined as unsigned 32 bits and this can overflow.
note: In postgres, there is another type `FullTransactionId` whose higher
32bit is epoch and lower 32bit is transaction id (epoch is incremented
when transaction id is wrapped around).
see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/access/transam.h#L60-L68

Anyway, transaction id can overflow so the space of transaction id has
to be treated as a kind of circle. When two transaction ids are
compared, the overflow has to be considered. see IsFollows() method.

----
About recovery

After restart, the next transaction id is reconstructed from the durable
logs. Subtransaction ids leave no durable trace of their own (subxact
commit writes no wal record), so the prescan of prepared transactions
has to push the next id past every subxact id found in prepare records.
That is what AdvancePast is for.
see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/varsup.c#L50
*/
package txid

import (
	"sync"
)

type Manager struct {
	// the lock for xid is called XidGenLock in postgres.
	// this lock has to be acquired before generation of new transaction id.
	sync.Mutex
	// nextTxID is the transaction id which is alloted next time
	nextTxID TxID
}

// NewManager initializes transaction id manager
func NewManager() *Manager {
	return &Manager{
		nextTxID: FirstTxID,
	}
}

// AllocateNewTxID allocates next transaction id and advances it
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/varsup.c#L50
func (tm *Manager) AllocateNewTxID() TxID {
	tm.Lock()
	txID := tm.nextTxID
	tm.nextTxID = advanceTxID(tm.nextTxID)
	// TODO: check the vacuum limit here to prevent transaction id wraparound
	// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/varsup.c#L83-L166
	tm.Unlock()
	return txID
}

// ReadNextTxID returns the transaction id which will be allocated next,
// without advancing it
func (tm *Manager) ReadNextTxID() TxID {
	tm.Lock()
	defer tm.Unlock()
	return tm.nextTxID
}

// AdvancePast pushes the next transaction id past the given id if
// necessary. this is called during the prescan of prepared transactions
// for every subtransaction id found in prepare records.
func (tm *Manager) AdvancePast(txID TxID) {
	tm.Lock()
	if txID.IsFollowsOrEquals(tm.nextTxID) {
		tm.nextTxID = advanceTxID(txID)
	}
	tm.Unlock()
}
