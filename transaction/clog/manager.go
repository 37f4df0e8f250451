/*
Clog manager manages clog.
Clog is stored under pg_xact directory. In pxdb, only one file exists
for clog under pg_xact directory.

----
About clog

Clog stores all transaction status. The visibility of tuples cannot be
determined without clog, and the two-phase commit module consults clog
during recovery: a prepare record whose transaction already shows
committed or aborted here has been finished before the crash and must
not be recovered.

----
About caching

Postgres keeps clog pages in a small LRU buffer pool (slru.c). The
access pattern of the two-phase commit module is much narrower: writes
go to the page holding the current transaction ids, reads during
recovery touch a handful of pages once. So pxdb keeps one cached page
and writes it through to disk on every update. Updating the state of a
whole transaction tree stays atomic because the manager lock is held
across all updates of the tree.

see https://github.com/postgres/postgres/blob/75f49221c22286104f032827359783aa5f4e6646/src/backend/access/transam/clog.c#L3

----
About tree update

When a prepared transaction is finished, the transaction and all of its
subtransactions have to be marked committed/aborted as one operation.
see TransactionIdCommitTree
https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/transam.c#L259
*/
package clog

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/ymgch-db/pxdb/transaction/txid"
)

// Manager is clog manager
type Manager struct {
	// the lock guards the cached page and serializes tree updates.
	// this is called XactSLRULock in postgres.
	sync.Mutex
	dm *diskManager

	// write-through cache of one page
	currPageID pageID
	currPage   pagePtr
}

// NewManager initializes clog manager
func NewManager() (*Manager, error) {
	dm, err := newDiskManager()
	if err != nil {
		return nil, errors.Wrap(err, "newDiskManager failed")
	}
	return &Manager{
		dm:         dm,
		currPageID: invalidPageID,
		currPage:   newPagePtr(),
	}, nil
}

// loadPage fetches the page which stores the transaction's state into
// the cache. the caller must hold the manager lock.
func (m *Manager) loadPage(pid pageID) error {
	if m.currPageID == pid {
		return nil
	}
	if err := m.dm.readPage(pid, m.currPage); err != nil {
		return errors.Wrap(err, "readPage failed")
	}
	m.currPageID = pid
	return nil
}

// setState updates the transaction's state and writes the page through
// to disk. the caller must hold the manager lock.
func (m *Manager) setState(txID txid.TxID, st state) error {
	pid := getPageIDFromTxID(txID)
	if err := m.loadPage(pid); err != nil {
		return errors.Wrap(err, "loadPage failed")
	}
	byteOffset := getByteOffsetFromTxID(txID)
	m.currPage[byteOffset] = getUpdatedState(m.currPage[byteOffset], txID, st)
	if err := m.dm.writePage(pid, m.currPage); err != nil {
		return errors.Wrap(err, "writePage failed")
	}
	return nil
}

// getState returns the transaction's state. the caller must hold the
// manager lock.
func (m *Manager) getState(txID txid.TxID) (state, error) {
	pid := getPageIDFromTxID(txID)
	if err := m.loadPage(pid); err != nil {
		return stateInProgress, errors.Wrap(err, "loadPage failed")
	}
	return getState(m.currPage[getByteOffsetFromTxID(txID)], txID), nil
}

// SetStateCommitted stores `committed` status for the transaction
func (m *Manager) SetStateCommitted(txID txid.TxID) error {
	m.Lock()
	defer m.Unlock()
	return m.setState(txID, stateCommitted)
}

// SetStateAborted stores `aborted` status for the transaction
func (m *Manager) SetStateAborted(txID txid.TxID) error {
	m.Lock()
	defer m.Unlock()
	return m.setState(txID, stateAborted)
}

// SetTreeStateCommitted stores `committed` status for the transaction
// and all of its subtransactions as one operation
func (m *Manager) SetTreeStateCommitted(txID txid.TxID, subTxIDs []txid.TxID) error {
	return m.setTreeState(txID, subTxIDs, stateCommitted)
}

// SetTreeStateAborted stores `aborted` status for the transaction and
// all of its subtransactions as one operation
func (m *Manager) SetTreeStateAborted(txID txid.TxID, subTxIDs []txid.TxID) error {
	return m.setTreeState(txID, subTxIDs, stateAborted)
}

func (m *Manager) setTreeState(txID txid.TxID, subTxIDs []txid.TxID, st state) error {
	m.Lock()
	defer m.Unlock()

	// subtransactions first: if the main transaction were marked first
	// and we crashed halfway, the tree would look committed while some
	// subtransactions still look in progress.
	// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/transam.c#L259
	for _, sub := range subTxIDs {
		if err := m.setState(sub, st); err != nil {
			return errors.Wrap(err, "setState failed")
		}
	}
	if err := m.setState(txID, st); err != nil {
		return errors.Wrap(err, "setState failed")
	}
	if err := m.dm.sync(); err != nil {
		return errors.Wrap(err, "sync failed")
	}
	return nil
}

// IsTxCommitted checks whether the transaction has been committed
func (m *Manager) IsTxCommitted(txID txid.TxID) (bool, error) {
	m.Lock()
	defer m.Unlock()
	st, err := m.getState(txID)
	if err != nil {
		return false, errors.Wrap(err, "getState failed")
	}
	return st == stateCommitted, nil
}

// IsTxAborted checks whether the transaction has been aborted
func (m *Manager) IsTxAborted(txID txid.TxID) (bool, error) {
	m.Lock()
	defer m.Unlock()
	st, err := m.getState(txID)
	if err != nil {
		return false, errors.Wrap(err, "getState failed")
	}
	return st == stateAborted, nil
}
