/*
Subtrans manager maintains the mapping from subtransaction id to its
parent transaction id.

When the visibility of a subtransaction id has to be determined, the id
is first resolved to its top-level transaction, whose state is stored in
clog.

The mapping is not preserved over a restart in postgres (pg_subtrans is
cleared at startup). It is reconstructed for prepared transactions only:
the recovery pass over prepare records links every subtransaction id
found in a record directly to the record's top-level transaction id.
There may originally have been a deeper hierarchy, but there is no need
to restore that exactly.

see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/subtrans.c#L3
*/
package subtrans

import (
	"sync"

	"github.com/ymgch-db/pxdb/transaction/txid"
)

// Manager is subtrans manager
type Manager struct {
	sync.RWMutex
	// parent is keyed by subtransaction id
	parent map[txid.TxID]txid.TxID
}

// NewManager initializes subtrans manager
func NewManager() *Manager {
	return &Manager{
		parent: make(map[txid.TxID]txid.TxID),
	}
}

// SetParent links the subtransaction to its parent.
// relinking an already-linked subtransaction is allowed: the recovery
// pass may run over the same prepare record twice.
func (m *Manager) SetParent(subTxID, parentTxID txid.TxID) {
	m.Lock()
	m.parent[subTxID] = parentTxID
	m.Unlock()
}

// GetParent returns the parent of the subtransaction.
// the second return value is false when the id has no parent recorded,
// which means the id is a top-level transaction (or simply unknown).
func (m *Manager) GetParent(subTxID txid.TxID) (txid.TxID, bool) {
	m.RLock()
	defer m.RUnlock()
	parent, ok := m.parent[subTxID]
	return parent, ok
}

// GetTopmostTransaction resolves the id to its top-level transaction id
func (m *Manager) GetTopmostTransaction(id txid.TxID) txid.TxID {
	m.RLock()
	defer m.RUnlock()
	for {
		parent, ok := m.parent[id]
		if !ok {
			return id
		}
		id = parent
	}
}
