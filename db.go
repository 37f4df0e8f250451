/*
Package pxdb assembles the managers into one system.

The interesting part of the assembly is the startup sequence, which
mirrors the postgres startup process:

 1. replay the wal: every surviving prepare record is registered, every
    replayed outcome record resolves its transaction in the clog
 2. prescan the prepared transactions: compute the oldest prepared
    transaction id and push the next-transaction counter past every
    subtransaction id found in the records
 3. recover the prepared transactions: rebuild the registry so they can
    be committed or rolled back as if the restart never happened
*/
package pxdb

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ymgch-db/pxdb/common"
	"github.com/ymgch-db/pxdb/logger"
	"github.com/ymgch-db/pxdb/storage/smgr"
	"github.com/ymgch-db/pxdb/transaction"
	"github.com/ymgch-db/pxdb/transaction/clog"
	"github.com/ymgch-db/pxdb/transaction/procarray"
	"github.com/ymgch-db/pxdb/transaction/subtrans"
	"github.com/ymgch-db/pxdb/transaction/twophase"
	"github.com/ymgch-db/pxdb/transaction/txid"
	"github.com/ymgch-db/pxdb/wal"
)

// Config is the system configuration
type Config struct {
	// MaxPreparedXacts is the capacity of the prepared transaction
	// registry. zero disables two-phase commit.
	MaxPreparedXacts int
	// Log configures the logger
	Log logger.Config
	// Inval may be nil when no cache invalidation is wired
	Inval twophase.InvalSink
	// SyncRep may be nil when no replication is configured
	SyncRep twophase.SyncRepWaiter
}

// DB is the assembled system
type DB struct {
	logger *zap.Logger

	wal       *wal.Manager
	clog      *clog.Manager
	smgr      *smgr.Manager
	txid      *txid.Manager
	procArray *procarray.Manager
	subtrans  *subtrans.Manager
	twophase  *twophase.Manager
	txmgr     *transaction.Manager
}

// New wires the managers together. Startup must be called before the
// system is used.
func New(conf Config) (*DB, error) {
	lg, err := logger.New(conf.Log)
	if err != nil {
		return nil, errors.Wrap(err, "logger.New failed")
	}

	wm, err := wal.NewManager()
	if err != nil {
		return nil, errors.Wrap(err, "wal.NewManager failed")
	}
	cm, err := clog.NewManager()
	if err != nil {
		return nil, errors.Wrap(err, "clog.NewManager failed")
	}
	sm, err := smgr.NewManager()
	if err != nil {
		return nil, errors.Wrap(err, "smgr.NewManager failed")
	}

	tm := txid.NewManager()
	pa := procarray.NewManager()
	st := subtrans.NewManager()
	tp := twophase.NewManager(twophase.Config{
		MaxPreparedXacts: conf.MaxPreparedXacts,
		WAL:              wm,
		Clog:             cm,
		ProcArray:        pa,
		Subtrans:         st,
		Smgr:             sm,
		TxID:             tm,
		Inval:            conf.Inval,
		SyncRep:          conf.SyncRep,
		Logger:           lg,
	})

	return &DB{
		logger:    lg,
		wal:       wm,
		clog:      cm,
		smgr:      sm,
		txid:      tm,
		procArray: pa,
		subtrans:  st,
		twophase:  tp,
		txmgr:     transaction.NewManager(tm, cm, pa, st, tp, sm),
	}, nil
}

// Startup replays the wal and recovers the prepared transactions
func (db *DB) Startup() error {
	if err := db.wal.Scan(db.twophase.ReplayRecord); err != nil {
		return errors.Wrap(err, "wal replay failed")
	}

	oldest, xids, err := db.twophase.PrescanPreparedTransactions()
	if err != nil {
		return errors.Wrap(err, "PrescanPreparedTransactions failed")
	}
	db.logger.Info("prescanned prepared transactions",
		zap.Int("count", len(xids)),
		zap.Uint32("oldestXid", uint32(oldest)),
	)

	if err := db.twophase.RecoverPreparedTransactions(); err != nil {
		return errors.Wrap(err, "RecoverPreparedTransactions failed")
	}
	return nil
}

// NewSession opens a per-backend handle
func (db *DB) NewSession(backendID common.BackendID, databaseID common.Database, roleID common.Role) *transaction.Session {
	return db.txmgr.NewSession(backendID, databaseID, roleID)
}

// TwoPhase exposes the two-phase manager, e.g. for resource manager
// registration at startup and for introspection
func (db *DB) TwoPhase() *twophase.Manager {
	return db.twophase
}

// Checkpoint flushes the wal and returns the location from which the
// log must be kept: everything before it is not needed for recovery.
// with prepared transactions pending, their oldest prepare record pins
// the log.
func (db *DB) Checkpoint() (wal.Location, error) {
	flushTo := db.wal.InsertLocation()
	if err := db.wal.Flush(flushTo); err != nil {
		return wal.InvalidLocation, errors.Wrap(err, "wal.Flush failed")
	}

	recs := db.twophase.CheckpointPrepared()
	if oldest, ok := twophase.OldestPreparedLocation(recs); ok {
		db.logger.Debug("checkpoint pinned by prepared transactions",
			zap.Int("count", len(recs)),
			zap.Uint64("oldestLocation", uint64(oldest)),
		)
		return oldest, nil
	}
	return flushTo, nil
}

// Close closes the system. prepared transactions survive: they are
// recovered at the next Startup.
func (db *DB) Close() error {
	// stdout cannot always be synced, so the error is not reported
	_ = db.logger.Sync()
	return errors.Wrap(db.wal.Close(), "wal.Close failed")
}
