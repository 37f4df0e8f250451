package twophase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ymgch-db/pxdb/common"
	"github.com/ymgch-db/pxdb/transaction/txid"
	"github.com/ymgch-db/pxdb/wal"
)

// recordingInvalSink records the invalidation traffic of a commit
type recordingInvalSink struct {
	pre  int
	post int
	msgs []InvalidationMessage
}

func (r *recordingInvalSink) PreInvalidateInitFile() { r.pre++ }
func (r *recordingInvalSink) SendMessages(msgs []InvalidationMessage) {
	r.msgs = append(r.msgs, msgs...)
}
func (r *recordingInvalSink) PostInvalidateInitFile() { r.post++ }

// recordingSyncRep records every replication wait
type recordingSyncRep struct {
	locs []wal.Location
}

func (r *recordingSyncRep) WaitForLocation(loc wal.Location) { r.locs = append(r.locs, loc) }

func TestFinishPreparedCommit(t *testing.T) {
	m, err := TestingNewManager(t, 2)
	assert.Nil(t, err)
	inval := &recordingInvalSink{}
	m.inval = inval

	// relation 20 exists from before; the prepared transaction drops
	// it and creates relation 10
	assert.Nil(t, m.smgr.CreateRelation(testBackendID, common.Relation(20)))
	m.smgr.AtEOXact(testBackendID)
	assert.Nil(t, m.smgr.CreateRelation(testBackendID, common.Relation(10)))
	m.smgr.DropRelation(testBackendID, common.Relation(20))

	var postCommitXID txid.TxID
	var postAbortCalled bool
	m.RegisterRmgr(RmgrLockID,
		nil,
		func(xid txid.TxID, info uint16, payload []byte) { postCommitXID = xid },
		func(xid txid.TxID, info uint16, payload []byte) { postAbortCalled = true },
	)

	s := m.NewSession(testBackendID, testDatabase)
	xid := m.tm.AllocateNewTxID()
	subXIDs := []txid.TxID{m.tm.AllocateNewTxID()}
	gxact, err := s.MarkAsPreparing(xid, "gid", testOwner, time.Now())
	assert.Nil(t, err)
	msgs := []InvalidationMessage{{Kind: 1, Database: testDatabase, Relation: 20}}
	s.StartPrepare(gxact, subXIDs, msgs, true)
	s.RegisterTwoPhaseRecord(RmgrLockID, 0, []byte("lock"))
	assert.Nil(t, s.EndPrepare(gxact))
	s.PostPrepare()
	m.smgr.AtEOXact(testBackendID)

	finisher := m.NewSession(2, testDatabase)
	done, err := finisher.FinishPreparedTransaction("gid", testOwner, true, true)
	assert.Nil(t, err)
	assert.True(t, done)

	// outcome reached the clog for the whole transaction tree
	committed, err := m.clog.IsTxCommitted(xid)
	assert.Nil(t, err)
	assert.True(t, committed)
	committed, err = m.clog.IsTxCommitted(subXIDs[0])
	assert.Nil(t, err)
	assert.True(t, committed)

	// the transaction stopped looking in progress and the entry is gone
	assert.False(t, m.procArray.IsTxInProgress(xid))
	assert.Equal(t, 0, m.NumPrepared())

	// delete-on-commit was executed, delete-on-abort was not
	assert.False(t, m.smgr.RelationExists(common.Relation(20)))
	assert.True(t, m.smgr.RelationExists(common.Relation(10)))

	// invalidation messages went out, bracketed by the init file hooks
	assert.Equal(t, msgs, inval.msgs)
	assert.Equal(t, 1, inval.pre)
	assert.Equal(t, 1, inval.post)

	// the commit callback ran, the abort one did not
	assert.Equal(t, xid, postCommitXID)
	assert.False(t, postAbortCalled)
}

func TestFinishPreparedRollback(t *testing.T) {
	m, err := TestingNewManager(t, 2)
	assert.Nil(t, err)
	inval := &recordingInvalSink{}
	m.inval = inval

	assert.Nil(t, m.smgr.CreateRelation(testBackendID, common.Relation(20)))
	m.smgr.AtEOXact(testBackendID)
	assert.Nil(t, m.smgr.CreateRelation(testBackendID, common.Relation(10)))
	m.smgr.DropRelation(testBackendID, common.Relation(20))

	var postAbortXID txid.TxID
	m.RegisterRmgr(RmgrLockID,
		nil,
		nil,
		func(xid txid.TxID, info uint16, payload []byte) { postAbortXID = xid },
	)

	s := m.NewSession(testBackendID, testDatabase)
	xid := m.tm.AllocateNewTxID()
	gxact, err := s.MarkAsPreparing(xid, "gid", testOwner, time.Now())
	assert.Nil(t, err)
	s.StartPrepare(gxact, nil, []InvalidationMessage{{Kind: 1}}, false)
	s.RegisterTwoPhaseRecord(RmgrLockID, 0, nil)
	assert.Nil(t, s.EndPrepare(gxact))
	s.PostPrepare()
	m.smgr.AtEOXact(testBackendID)

	finisher := m.NewSession(2, testDatabase)
	done, err := finisher.FinishPreparedTransaction("gid", testOwner, false, true)
	assert.Nil(t, err)
	assert.True(t, done)

	aborted, err := m.clog.IsTxAborted(xid)
	assert.Nil(t, err)
	assert.True(t, aborted)
	assert.Equal(t, 0, m.NumPrepared())

	// delete-on-abort was executed, delete-on-commit was not
	assert.True(t, m.smgr.RelationExists(common.Relation(20)))
	assert.False(t, m.smgr.RelationExists(common.Relation(10)))

	// a rolled back transaction sends no invalidation messages
	assert.Empty(t, inval.msgs)
	assert.Equal(t, 0, inval.pre)

	assert.Equal(t, xid, postAbortXID)
}

func TestFinishPreparedMissingGID(t *testing.T) {
	tests := []struct {
		name     string
		isCommit bool
		// a commit request for a missing gid waits for replication, a
		// rollback request returns immediately
		wantWait bool
	}{
		{
			name:     "commit retry waits for replication",
			isCommit: true,
			wantWait: true,
		},
		{
			name:     "rollback retry returns immediately",
			isCommit: false,
			wantWait: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := TestingNewManager(t, 2)
			assert.Nil(t, err)
			syncRep := &recordingSyncRep{}
			m.syncRep = syncRep

			s := m.NewSession(testBackendID, testDatabase)
			done, err := s.FinishPreparedTransaction("no-such-gid", testOwner, tt.isCommit, false)
			assert.Nil(t, err)
			assert.False(t, done)
			if tt.wantWait {
				assert.Len(t, syncRep.locs, 1)
			} else {
				assert.Empty(t, syncRep.locs)
			}
		})
	}
}

func TestFinishPreparedNotFoundStrict(t *testing.T) {
	m, err := TestingNewManager(t, 2)
	assert.Nil(t, err)

	s := m.NewSession(testBackendID, testDatabase)
	_, err = s.FinishPreparedTransaction("no-such-gid", testOwner, true, true)
	assert.ErrorIs(t, err, ErrPreparedXactNotFound)
}

func TestFinishPreparedWrongOwner(t *testing.T) {
	m, err := TestingNewManager(t, 2)
	assert.Nil(t, err)
	testingPrepare(t, m, "gid", nil)

	s := m.NewSession(2, testDatabase)
	_, err = s.FinishPreparedTransaction("gid", common.Role(200), true, true)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, 1, m.NumPrepared())
}

func TestFinishFreesCapacity(t *testing.T) {
	m, err := TestingNewManager(t, 1)
	assert.Nil(t, err)
	testingPrepare(t, m, "gid1", nil)

	// the registry is full until the transaction is finished
	s := m.NewSession(2, testDatabase)
	_, err = s.MarkAsPreparing(m.tm.AllocateNewTxID(), "gid2", testOwner, time.Now())
	assert.ErrorIs(t, err, ErrMaxPreparedXactsReached)
	s.AtAbort()

	done, err := s.FinishPreparedTransaction("gid1", testOwner, true, true)
	assert.Nil(t, err)
	assert.True(t, done)

	_, gxact := testingPrepare(t, m, "gid2", nil)
	assert.Equal(t, "gid2", gxact.GID())
}

func TestFinishLeavesOtherBackendsPendingWork(t *testing.T) {
	m, err := TestingNewManager(t, 2)
	assert.Nil(t, err)

	// backend 1 created a relation in a transaction which is still open
	otherBackend := common.BackendID(1)
	assert.Nil(t, m.smgr.CreateRelation(otherBackend, common.Relation(10)))

	// backend 2 prepares and rolls back an unrelated transaction
	s := m.NewSession(2, testDatabase)
	xid := m.tm.AllocateNewTxID()
	gxact, err := s.MarkAsPreparing(xid, "gid", testOwner, time.Now())
	assert.Nil(t, err)
	s.StartPrepare(gxact, nil, nil, false)
	assert.Nil(t, s.EndPrepare(gxact))
	s.PostPrepare()
	m.smgr.AtEOXact(2)

	done, err := s.FinishPreparedTransaction("gid", testOwner, false, true)
	assert.Nil(t, err)
	assert.True(t, done)

	// backend 1's file and pending list survived the rollback
	assert.True(t, m.smgr.RelationExists(common.Relation(10)))
	assert.Equal(t, []common.Relation{10}, m.smgr.GetPendingDeletes(otherBackend, false))
}
