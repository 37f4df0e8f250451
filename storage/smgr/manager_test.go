package smgr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ymgch-db/pxdb/common"
)

const testBackendID common.BackendID = 1

func TestGetPendingDeletes(t *testing.T) {
	m, err := TestingNewManager(t)
	assert.Nil(t, err)

	// created inside the transaction: delete at abort
	err = m.CreateRelation(testBackendID, common.Relation(100))
	assert.Nil(t, err)
	err = m.CreateRelation(testBackendID, common.Relation(101))
	assert.Nil(t, err)
	// dropped inside the transaction: delete at commit
	m.DropRelation(testBackendID, common.Relation(200))

	commitRels := m.GetPendingDeletes(testBackendID, true)
	assert.Equal(t, []common.Relation{200}, commitRels)

	abortRels := m.GetPendingDeletes(testBackendID, false)
	assert.Equal(t, []common.Relation{100, 101}, abortRels)
}

func TestPendingDeletesScopedPerBackend(t *testing.T) {
	m, err := TestingNewManager(t)
	assert.Nil(t, err)

	backendA := common.BackendID(1)
	backendB := common.BackendID(2)

	// backend A has an open transaction which created a relation
	err = m.CreateRelation(backendA, common.Relation(10))
	assert.Nil(t, err)

	// backend B's transaction must not see A's pending work
	assert.Empty(t, m.GetPendingDeletes(backendB, false))
	assert.Empty(t, m.GetPendingDeletes(backendB, true))

	// and B ending its transaction must not throw A's away
	m.DropRelation(backendB, common.Relation(20))
	m.AtEOXact(backendB)
	assert.Equal(t, []common.Relation{10}, m.GetPendingDeletes(backendA, false))
}

func TestDropRelationFiles(t *testing.T) {
	m, err := TestingNewManager(t)
	assert.Nil(t, err)

	err = m.CreateRelation(testBackendID, common.Relation(50))
	assert.Nil(t, err)
	assert.True(t, m.RelationExists(common.Relation(50)))

	err = m.DropRelationFiles([]common.Relation{50})
	assert.Nil(t, err)
	assert.False(t, m.RelationExists(common.Relation(50)))

	// dropping a missing file must not fail: the file may have been
	// removed before a crash already
	err = m.DropRelationFiles([]common.Relation{50})
	assert.Nil(t, err)
}

func TestAtEOXact(t *testing.T) {
	m, err := TestingNewManager(t)
	assert.Nil(t, err)

	err = m.CreateRelation(testBackendID, common.Relation(10))
	assert.Nil(t, err)
	m.AtEOXact(testBackendID)

	assert.Empty(t, m.GetPendingDeletes(testBackendID, false))
	assert.Empty(t, m.GetPendingDeletes(testBackendID, true))
}
