/*
Twophase manager manages prepared transactions (two-phase commit).

A transaction can be prepared: its whole state is made durable and the
transaction survives the session which ran it (and restarts of the
system). A later session, possibly after a crash, commits or rolls it
back by its global identifier (gid).

----
About the registry

In-flight prepared transactions live in a fixed-capacity registry. The
capacity is a small administrative limit (max_prepared_transactions in
postgres), so gid lookup is a plain scan over the active entries and
no secondary index is kept.

Postgres keeps the entries in shared memory as an intrusive free list
of GlobalTransactionData structs. pxdb keeps an arena of entries
addressed by index, with an explicit free-index stack; no raw shared
pointers. One reader/writer lock guards the arena, the free stack and
the active list. The lock is never held across an external call such as
a wal flush or a replication wait.

----
About the entry lifecycle

free -> being prepared: MarkAsPreparing reserves the gid and the entry;
the entry is locked by the preparing backend and not valid yet, so it
is invisible to commit/rollback lookups.

being prepared -> prepared: once the prepare record is flushed,
MarkAsPrepared sets valid=true and publishes the dummy procarray entry.

prepared -> being finished: LockGXact locks the entry for the finishing
backend.

being finished -> free: once the outcome is durable and cleanup is
done, RemoveGXact unlinks the entry and pushes it back on the free
stack.

If the preparing backend fails before validity is reached, AtAbort
returns the entry directly to free. If the finishing backend fails
after the outcome record is flushed, the entry is also recycled; in
between (locked, still valid, no outcome yet) AtAbort merely unlocks it
so another attempt can finish the transaction.

see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L1
*/
package twophase

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ymgch-db/pxdb/common"
	"github.com/ymgch-db/pxdb/storage/smgr"
	"github.com/ymgch-db/pxdb/transaction/clog"
	"github.com/ymgch-db/pxdb/transaction/procarray"
	"github.com/ymgch-db/pxdb/transaction/subtrans"
	"github.com/ymgch-db/pxdb/transaction/txid"
	"github.com/ymgch-db/pxdb/wal"
)

// GlobalTransaction is one registry entry of a prepared transaction
type GlobalTransaction struct {
	// idx is the stable index of this entry in the manager's arena
	idx int
	// proc is the dummy procarray entry of this prepared transaction.
	// it carries the transaction id, database, owner and subxids, and
	// is published at MarkAsPrepared so that the transaction keeps
	// looking in progress.
	proc *procarray.Proc
	// preparedAt is the time of preparation
	preparedAt time.Time
	// prepareBeginLoc is the begin location of the prepare record.
	// the record is read back from here at finish and recovery.
	prepareBeginLoc wal.Location
	// prepareLoc is the location just past the prepare record, used
	// for flushing and replication waits
	prepareLoc wal.Location
	// owner is the role which prepared the transaction
	owner common.Role
	// lockingBackend is the backend currently working on this entry,
	// or InvalidBackendID
	lockingBackend common.BackendID
	// valid becomes true once the transaction is fully prepared.
	// invalid entries are invisible to commit/rollback lookups.
	valid bool
	// gid is the global transaction identifier
	gid string
}

// XID returns the transaction id of the entry
func (gxact *GlobalTransaction) XID() txid.TxID {
	return gxact.proc.XID
}

// GID returns the global transaction identifier of the entry
func (gxact *GlobalTransaction) GID() string {
	return gxact.gid
}

// InvalSink receives the cache invalidation messages of a committed
// prepared transaction. Relcache-init-file invalidation has to be
// processed both before and after the messages are sent.
// see AtEOXact_Inval
type InvalSink interface {
	PreInvalidateInitFile()
	SendMessages(msgs []InvalidationMessage)
	PostInvalidateInitFile()
}

// nopInvalSink is used when no invalidation sink is wired
type nopInvalSink struct{}

func (nopInvalSink) PreInvalidateInitFile()               {}
func (nopInvalSink) SendMessages(_ []InvalidationMessage) {}
func (nopInvalSink) PostInvalidateInitFile()              {}

// SyncRepWaiter waits until a replica acknowledges the wal up to the
// location. the wait is cooperative and may block indefinitely; there
// is no hard timeout in this module.
// see SyncRepWaitForLSN
type SyncRepWaiter interface {
	WaitForLocation(loc wal.Location)
}

// nopSyncRepWaiter is used when no replication is configured
type nopSyncRepWaiter struct{}

func (nopSyncRepWaiter) WaitForLocation(_ wal.Location) {}

// Config wires the twophase manager with its collaborators
type Config struct {
	// MaxPreparedXacts is the registry capacity. zero disables
	// prepared transactions entirely.
	MaxPreparedXacts int

	WAL       *wal.Manager
	Clog      *clog.Manager
	ProcArray *procarray.Manager
	Subtrans  *subtrans.Manager
	Smgr      *smgr.Manager
	TxID      *txid.Manager

	// Inval may be nil when no cache invalidation is wired
	Inval InvalSink
	// SyncRep may be nil when no replication is configured
	SyncRep SyncRepWaiter
	// Logger may be nil
	Logger *zap.Logger
}

// Manager is twophase manager
type Manager struct {
	// the single reader/writer lock over the registry, called
	// TwoPhaseStateLock in postgres
	mu sync.RWMutex
	// entries is the arena; entries are addressed by stable index
	entries []*GlobalTransaction
	// free is the stack of free entry indexes
	free []int
	// active is the indexes of entries in use, order irrelevant
	active []int

	maxPreparedXacts int

	wal       *wal.Manager
	clog      *clog.Manager
	procArray *procarray.Manager
	subtrans  *subtrans.Manager
	smgr      *smgr.Manager
	tm        *txid.Manager
	inval     InvalSink
	syncRep   SyncRepWaiter
	logger    *zap.Logger

	recoverCallbacks    rmgrCallbacks
	postCommitCallbacks rmgrCallbacks
	postAbortCallbacks  rmgrCallbacks

	// recMu guards preparedRecords. this is separate from mu because
	// the record index is touched while the registry lock is not held
	// (redo, checkpoint).
	recMu sync.Mutex
	// preparedRecords maps the transaction id of every unresolved
	// prepare record to its begin location. populated when a
	// transaction is prepared and at log replay; pruned when the
	// transaction is finished or its outcome record is replayed.
	preparedRecords map[txid.TxID]wal.Location
}

// NewManager initializes twophase manager
func NewManager(conf Config) *Manager {
	m := &Manager{
		maxPreparedXacts: conf.MaxPreparedXacts,
		wal:              conf.WAL,
		clog:             conf.Clog,
		procArray:        conf.ProcArray,
		subtrans:         conf.Subtrans,
		smgr:             conf.Smgr,
		tm:               conf.TxID,
		inval:            conf.Inval,
		syncRep:          conf.SyncRep,
		logger:           conf.Logger,
		preparedRecords:  make(map[txid.TxID]wal.Location),
	}
	if m.inval == nil {
		m.inval = nopInvalSink{}
	}
	if m.syncRep == nil {
		m.syncRep = nopSyncRepWaiter{}
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}

	m.entries = make([]*GlobalTransaction, conf.MaxPreparedXacts)
	m.free = make([]int, 0, conf.MaxPreparedXacts)
	for i := conf.MaxPreparedXacts - 1; i >= 0; i-- {
		m.entries[i] = &GlobalTransaction{idx: i, lockingBackend: common.InvalidBackendID}
		m.free = append(m.free, i)
	}
	return m
}

// Session is the per-backend handle of the twophase manager. It tracks
// the entry the backend currently holds locked, so that the backend's
// abort path can clean up, like MyLockedGxact in postgres.
type Session struct {
	m          *Manager
	backendID  common.BackendID
	databaseID common.Database
	// lockedGXact is the entry this backend holds locked, if any
	lockedGXact *GlobalTransaction
	// records is the state record being assembled between StartPrepare
	// and EndPrepare
	records *stateRecordBuilder
}

// NewSession initializes the per-backend handle
func (m *Manager) NewSession(backendID common.BackendID, databaseID common.Database) *Session {
	return &Session{
		m:          m,
		backendID:  backendID,
		databaseID: databaseID,
	}
}

// MarkAsPreparing reserves the gid and a registry entry for the
// transaction. the entry is locked by this backend and not valid yet.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L412
func (s *Session) MarkAsPreparing(xid txid.TxID, gid string, owner common.Role, preparedAt time.Time) (*GlobalTransaction, error) {
	gxact, err := s.m.markAsPreparing(xid, gid, owner, s.databaseID, preparedAt, wal.InvalidLocation, s.backendID)
	if err != nil {
		return nil, err
	}
	// remember that we have this entry locked for us. if we abort
	// after this, we must release it. see AtAbort.
	s.lockedGXact = gxact
	return gxact, nil
}

func (m *Manager) markAsPreparing(xid txid.TxID, gid string, owner common.Role, database common.Database,
	preparedAt time.Time, beginLoc wal.Location, lockingBackend common.BackendID) (*GlobalTransaction, error) {
	if len(gid) >= GIDSize {
		return nil, errors.Wrapf(ErrGIDTooLong, "%d > %d max", len(gid), GIDSize-1)
	}
	// fail immediately if the feature is disabled
	if m.maxPreparedXacts == 0 {
		return nil, ErrPreparedTransactionsDisabled
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// check for conflicting gid. entries being prepared count too.
	for _, idx := range m.active {
		if m.entries[idx].gid == gid {
			return nil, errors.Wrapf(ErrGIDAlreadyInUse, "gid %q", gid)
		}
	}

	if len(m.free) == 0 {
		return nil, errors.Wrapf(ErrMaxPreparedXactsReached, "capacity %d", m.maxPreparedXacts)
	}
	idx := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]

	gxact := m.entries[idx]
	// the dummy procarray entry is created here but published only at
	// MarkAsPrepared
	gxact.proc = &procarray.Proc{
		XID:        xid,
		DatabaseID: database,
		RoleID:     owner,
		IsPrepared: true,
	}
	gxact.preparedAt = preparedAt
	gxact.prepareBeginLoc = beginLoc
	gxact.prepareLoc = wal.InvalidLocation
	gxact.owner = owner
	gxact.lockingBackend = lockingBackend
	gxact.valid = false
	gxact.gid = gid

	m.active = append(m.active, idx)
	return gxact, nil
}

// loadSubxactData stores the subtransaction ids into the dummy
// procarray entry. this must be called before MarkAsPrepared.
// see GXactLoadSubxactData
func (gxact *GlobalTransaction) loadSubxactData(subXIDs []txid.TxID) {
	if len(subXIDs) == 0 {
		return
	}
	gxact.proc.SubXIDs = make([]txid.TxID, len(subXIDs))
	copy(gxact.proc.SubXIDs, subXIDs)
}

// markAsPrepared marks the entry fully valid and publishes the dummy
// procarray entry, so that the transaction keeps looking in progress
// after the preparing session lets go of it.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L566
func (m *Manager) markAsPrepared(gxact *GlobalTransaction) {
	m.mu.Lock()
	if gxact.valid {
		m.mu.Unlock()
		panic("markAsPrepared called twice for the same entry")
	}
	gxact.valid = true
	m.mu.Unlock()

	m.logger.Debug("marked prepared transaction valid", zap.String("gid", gxact.gid))

	// the dummy entry must be published before the preparing session
	// stops reporting the transaction as running, else there is a
	// window where onlookers would conclude the transaction crashed
	m.procArray.Add(gxact.proc)
}

// lockGXact locates the prepared transaction by gid and locks it for
// this backend.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L593
func (s *Session) lockGXact(gid string, user common.Role, raiseErrorIfNotFound bool) (*GlobalTransaction, error) {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, idx := range m.active {
		gxact := m.entries[idx]
		// ignore not-yet-valid entries
		if !gxact.valid {
			continue
		}
		if gxact.gid != gid {
			continue
		}

		// found it, but has someone else got it locked?
		if gxact.lockingBackend != common.InvalidBackendID {
			return nil, errors.Wrapf(ErrPreparedXactBusy, "gid %q", gid)
		}
		if user != gxact.owner && user != common.BootstrapSuperuserRole {
			return nil, ErrPermissionDenied
		}
		if s.databaseID != gxact.proc.DatabaseID {
			return nil, ErrWrongDatabase
		}

		gxact.lockingBackend = s.backendID
		s.lockedGXact = gxact
		return gxact, nil
	}

	if raiseErrorIfNotFound {
		return nil, errors.Wrapf(ErrPreparedXactNotFound, "gid %q", gid)
	}
	return nil, nil
}

// PostPrepare releases the entry after the preparing backend has
// finished transferring state to it. the entry stays valid and can now
// be finished by any backend.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L393
func (s *Session) PostPrepare() {
	if s.lockedGXact == nil {
		return
	}
	s.m.mu.Lock()
	s.lockedGXact.lockingBackend = common.InvalidBackendID
	s.m.mu.Unlock()
	s.lockedGXact = nil
}

// AtAbort unlocks the entry this backend is working on, if any. this
// is the backend's abort/exit hook and is idempotent.
//
// If the entry is not valid, the backend failed while preparing before
// the prepare record was flushed, or while finishing after the outcome
// record was written: either way the transaction must not be
// considered prepared anymore and the entry is recycled. Otherwise the
// entry is left in place, unlocked, so the transaction can be finished
// later; the in-memory state may be stale in that case but it is never
// silently lost.
// see AtAbort_Twophase
// https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L348
func (s *Session) AtAbort() {
	if s.lockedGXact == nil {
		return
	}
	if !s.lockedGXact.valid {
		s.m.removeGXact(s.lockedGXact)
	} else {
		s.m.mu.Lock()
		s.lockedGXact.lockingBackend = common.InvalidBackendID
		s.m.mu.Unlock()
	}
	s.lockedGXact = nil
	s.records = nil
}

// removeGXact unlinks the entry from the active list and returns it to
// the free stack. the caller must have removed the dummy procarray
// entry already.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L678
func (m *Manager) removeGXact(gxact *GlobalTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, idx := range m.active {
		if m.entries[idx] == gxact {
			m.active[i] = m.active[len(m.active)-1]
			m.active = m.active[:len(m.active)-1]
			gxact.valid = false
			gxact.lockingBackend = common.InvalidBackendID
			gxact.gid = ""
			gxact.proc = nil
			m.free = append(m.free, idx)
			return
		}
	}
	// the entry handle not being in the table is a programming fault
	panic("failed to find the entry in the global transaction registry")
}

// hasGXactForXID checks whether an entry for the transaction already
// exists. this makes the recovery pass idempotent.
func (m *Manager) hasGXactForXID(xid txid.TxID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, idx := range m.active {
		if m.entries[idx].proc != nil && m.entries[idx].proc.XID.IsEqual(xid) {
			return true
		}
	}
	return false
}

// NumPrepared returns the number of live entries (valid or not)
func (m *Manager) NumPrepared() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// PreparedTransaction is one copied entry snapshot for introspection
type PreparedTransaction struct {
	XID        txid.TxID
	GID        string
	PreparedAt time.Time
	Owner      common.Role
	Database   common.Database
	// Valid is false while the transaction is still being prepared.
	// callers which only want fully prepared transactions must filter
	// on this themselves.
	Valid bool
}

// GetPreparedTransactionList copies every live entry under a shared
// lock, to minimize the time the registry lock is held.
// WARNING: entries which are not fully prepared yet are returned too.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L721
func (m *Manager) GetPreparedTransactionList() []PreparedTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.active) == 0 {
		return nil
	}
	list := make([]PreparedTransaction, 0, len(m.active))
	for _, idx := range m.active {
		gxact := m.entries[idx]
		list = append(list, PreparedTransaction{
			XID:        gxact.proc.XID,
			GID:        gxact.gid,
			PreparedAt: gxact.preparedAt,
			Owner:      gxact.owner,
			Database:   gxact.proc.DatabaseID,
			Valid:      gxact.valid,
		})
	}
	return list
}
