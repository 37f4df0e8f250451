package pxdb

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ymgch-db/pxdb/common"
	"github.com/ymgch-db/pxdb/logger"
)

const (
	testBackendID common.BackendID = 1
	testDatabase  common.Database  = 1
	testRole      common.Role      = 100
)

func testingConfig(maxPreparedXacts int) Config {
	return Config{
		MaxPreparedXacts: maxPreparedXacts,
		Log:              logger.Config{Level: "error", Format: "console", OutputFile: "stderr"},
	}
}

// testingChdir runs the test under a temporary working directory, so
// the relative storage paths of the managers live there. sequential
// New calls within one test share the directory, which is how the
// restart tests reopen the same files.
func testingChdir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	assert.Nil(t, err)
	assert.Nil(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() {
		assert.Nil(t, os.Chdir(wd))
	})
}

func TestStartupEmpty(t *testing.T) {
	testingChdir(t)

	db, err := New(testingConfig(2))
	assert.Nil(t, err)
	assert.Nil(t, db.Startup())
	assert.Empty(t, db.TwoPhase().GetPreparedTransactionList())

	_, err = db.Checkpoint()
	assert.Nil(t, err)
	assert.Nil(t, db.Close())
}

func TestPreparedTransactionSurvivesRestart(t *testing.T) {
	testingChdir(t)

	db, err := New(testingConfig(2))
	assert.Nil(t, err)
	assert.Nil(t, db.Startup())

	s := db.NewSession(testBackendID, testDatabase, testRole)
	committed := s.Begin()
	assert.Nil(t, s.Prepare(committed, "gid-committed", nil, false))
	assert.Nil(t, s.CommitPrepared("gid-committed"))

	surviving := s.Begin()
	sub := s.AssignSubTransaction(surviving)
	assert.Nil(t, s.Prepare(surviving, "gid-surviving", nil, false))
	assert.Nil(t, db.Close())

	// restart
	db2, err := New(testingConfig(2))
	assert.Nil(t, err)
	assert.Nil(t, db2.Startup())

	// the finished transaction stayed finished, the unfinished one
	// came back
	list := db2.TwoPhase().GetPreparedTransactionList()
	assert.Len(t, list, 1)
	assert.Equal(t, "gid-surviving", list[0].GID)
	assert.Equal(t, surviving.ID(), list[0].XID)
	assert.True(t, db2.procArray.IsTxInProgress(surviving.ID()))
	assert.True(t, db2.procArray.IsTxInProgress(sub))

	// and it can still be decided
	s2 := db2.NewSession(testBackendID, testDatabase, testRole)
	assert.Nil(t, s2.RollbackPrepared("gid-surviving"))
	assert.Empty(t, db2.TwoPhase().GetPreparedTransactionList())

	isCommitted, err := db2.txmgr.IsTxCommitted(surviving.ID())
	assert.Nil(t, err)
	assert.False(t, isCommitted)
	isCommitted, err = db2.txmgr.IsTxCommitted(committed.ID())
	assert.Nil(t, err)
	assert.True(t, isCommitted)

	assert.Nil(t, db2.Close())
}

func TestStartupIsIdempotent(t *testing.T) {
	testingChdir(t)

	db, err := New(testingConfig(2))
	assert.Nil(t, err)
	assert.Nil(t, db.Startup())

	s := db.NewSession(testBackendID, testDatabase, testRole)
	tx := s.Begin()
	assert.Nil(t, s.Prepare(tx, "gid", nil, false))
	assert.Nil(t, db.Close())

	db2, err := New(testingConfig(2))
	assert.Nil(t, err)
	assert.Nil(t, db2.Startup())
	assert.Nil(t, db2.Startup())
	assert.Len(t, db2.TwoPhase().GetPreparedTransactionList(), 1)
	assert.Equal(t, 1, db2.procArray.NumProcs())
	assert.Nil(t, db2.Close())
}

func TestCheckpointPinnedByPreparedTransaction(t *testing.T) {
	testingChdir(t)

	db, err := New(testingConfig(2))
	assert.Nil(t, err)
	assert.Nil(t, db.Startup())

	s := db.NewSession(testBackendID, testDatabase, testRole)
	tx := s.Begin()
	assert.Nil(t, s.Prepare(tx, "gid", nil, false))

	recs := db.TwoPhase().CheckpointPrepared()
	assert.Len(t, recs, 1)

	// the checkpoint cannot discard the prepare record
	keepFrom, err := db.Checkpoint()
	assert.Nil(t, err)
	assert.Equal(t, recs[0].BeginLoc, keepFrom)

	// once decided, the log is free again
	assert.Nil(t, s.CommitPrepared("gid"))
	keepFrom, err = db.Checkpoint()
	assert.Nil(t, err)
	assert.Equal(t, db.wal.InsertLocation(), keepFrom)
	assert.Nil(t, db.Close())
}
