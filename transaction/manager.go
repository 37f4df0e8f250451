/*
Transaction manager drives the lifecycle of a transaction:

	begin -> commit / abort
	begin -> prepare -> commit prepared / rollback prepared

A running transaction is visible to the rest of the system through two
places: the process-visible transaction table (procarray) while it
runs, and the clog once it completed. A prepared transaction sits in
between: its session is gone but its outcome is not decided, so the
two-phase module keeps it registered in both the procarray (as a dummy
entry) and its own registry until commit prepared / rollback prepared
arrives.

see https://github.com/postgres/postgres/blob/20432f8731404d2cef2a155144aca5ab3ae98e95/src/backend/access/transam/xact.c#L2925
*/
package transaction

import (
	"time"

	"github.com/pkg/errors"

	"github.com/ymgch-db/pxdb/common"
	"github.com/ymgch-db/pxdb/storage/smgr"
	"github.com/ymgch-db/pxdb/transaction/clog"
	"github.com/ymgch-db/pxdb/transaction/procarray"
	"github.com/ymgch-db/pxdb/transaction/subtrans"
	"github.com/ymgch-db/pxdb/transaction/twophase"
	"github.com/ymgch-db/pxdb/transaction/txid"
)

// Manager is transaction manager
type Manager struct {
	tm *txid.Manager
	cm *clog.Manager
	pa *procarray.Manager
	st *subtrans.Manager
	tp *twophase.Manager
	sm *smgr.Manager
}

// NewManager initializes transaction manager
func NewManager(tm *txid.Manager, cm *clog.Manager, pa *procarray.Manager, st *subtrans.Manager,
	tp *twophase.Manager, sm *smgr.Manager) *Manager {
	return &Manager{
		tm: tm,
		cm: cm,
		pa: pa,
		st: st,
		tp: tp,
		sm: sm,
	}
}

// Session is the per-backend handle of the transaction manager
type Session struct {
	m          *Manager
	backendID  common.BackendID
	databaseID common.Database
	roleID     common.Role
	// tps is the backend's handle of the two-phase module
	tps *twophase.Session
}

// NewSession initializes the per-backend handle
func (m *Manager) NewSession(backendID common.BackendID, databaseID common.Database, roleID common.Role) *Session {
	return &Session{
		m:          m,
		backendID:  backendID,
		databaseID: databaseID,
		roleID:     roleID,
		tps:        m.tp.NewSession(backendID, databaseID),
	}
}

// Begin begins transaction
func (s *Session) Begin() *Tx {
	txID := s.m.tm.AllocateNewTxID()
	proc := &procarray.Proc{
		XID:        txID,
		DatabaseID: s.databaseID,
		RoleID:     s.roleID,
	}
	s.m.pa.Add(proc)
	return &Tx{
		id:    txID,
		state: StateInProgress,
		proc:  proc,
	}
}

// AssignSubTransaction assigns a subtransaction id under the
// transaction and returns it
func (s *Session) AssignSubTransaction(tx *Tx) txid.TxID {
	subTxID := s.m.tm.AllocateNewTxID()
	s.m.st.SetParent(subTxID, tx.id)
	tx.subTxIDs = append(tx.subTxIDs, subTxID)
	tx.proc.SubXIDs = append(tx.proc.SubXIDs, subTxID)
	return subTxID
}

// Commit commits transaction
func (s *Session) Commit(tx *Tx) error {
	// the whole transaction tree has to reach the clog before the
	// transaction stops looking in progress
	if err := s.m.cm.SetTreeStateCommitted(tx.id, tx.subTxIDs); err != nil {
		return errors.Wrap(err, "clog.SetTreeStateCommitted failed")
	}
	s.m.pa.Remove(tx.proc, txid.Latest(tx.id, tx.subTxIDs))
	s.m.sm.AtEOXact(s.backendID)
	tx.SetState(StateCommitted)
	return nil
}

// Abort aborts transaction
func (s *Session) Abort(tx *Tx) error {
	if err := s.m.cm.SetTreeStateAborted(tx.id, tx.subTxIDs); err != nil {
		return errors.Wrap(err, "clog.SetTreeStateAborted failed")
	}
	s.m.pa.Remove(tx.proc, txid.Latest(tx.id, tx.subTxIDs))
	s.m.sm.AtEOXact(s.backendID)
	tx.SetState(StateAborted)
	return nil
}

// Prepare prepares the transaction for two-phase commit under the
// global identifier. After this returns the session is done with the
// transaction: the transaction stays in progress, owned by nobody,
// until CommitPrepared/RollbackPrepared decides it.
// see PrepareTransaction
// https://github.com/postgres/postgres/blob/20432f8731404d2cef2a155144aca5ab3ae98e95/src/backend/access/transam/xact.c#L2426
func (s *Session) Prepare(tx *Tx, gid string, invalMsgs []twophase.InvalidationMessage, initFileInval bool) error {
	gxact, err := s.tps.MarkAsPreparing(tx.id, gid, s.roleID, time.Now())
	if err != nil {
		return errors.Wrap(err, "MarkAsPreparing failed")
	}

	s.tps.StartPrepare(gxact, tx.subTxIDs, invalMsgs, initFileInval)
	if err := s.tps.EndPrepare(gxact); err != nil {
		// the reserved entry must not leak
		s.tps.AtAbort()
		return errors.Wrap(err, "EndPrepare failed")
	}

	// handover: the dummy entry published by EndPrepare keeps the
	// transaction in progress, so the session's own entry can go.
	// the invalid id keeps the latest-completed bookkeeping untouched;
	// the transaction did not complete.
	s.m.pa.Remove(tx.proc, txid.InvalidTxID)

	// the pending relation deletes travel with the prepare record now
	s.m.sm.AtEOXact(s.backendID)

	s.tps.PostPrepare()
	tx.SetState(StatePrepared)
	return nil
}

// CommitPrepared commits the prepared transaction identified by gid
func (s *Session) CommitPrepared(gid string) error {
	_, err := s.tps.FinishPreparedTransaction(gid, s.roleID, true, true)
	return err
}

// RollbackPrepared rolls back the prepared transaction identified by
// gid
func (s *Session) RollbackPrepared(gid string) error {
	_, err := s.tps.FinishPreparedTransaction(gid, s.roleID, false, true)
	return err
}

// AtAbort is the backend's abort/exit hook. it releases whatever the
// backend holds in the two-phase registry and is safe to call
// unconditionally.
func (s *Session) AtAbort() {
	s.tps.AtAbort()
}

// IsTxCommitted checks whether the transaction has been committed,
// resolving subtransactions through their parent
func (m *Manager) IsTxCommitted(txID txid.TxID) (bool, error) {
	return m.cm.IsTxCommitted(m.st.GetTopmostTransaction(txID))
}
