package twophase

import (
	"testing"

	"github.com/ymgch-db/pxdb/storage/smgr"
	"github.com/ymgch-db/pxdb/transaction/clog"
	"github.com/ymgch-db/pxdb/transaction/procarray"
	"github.com/ymgch-db/pxdb/transaction/subtrans"
	"github.com/ymgch-db/pxdb/transaction/txid"
	"github.com/ymgch-db/pxdb/wal"
)

// TestingNewManager initializes twophase manager for test, with real
// collaborators over temporary directories
func TestingNewManager(t *testing.T, maxPreparedXacts int) (*Manager, error) {
	wm, err := wal.TestingNewManager(t)
	if err != nil {
		return nil, err
	}
	cm, err := clog.TestingNewManager(t)
	if err != nil {
		return nil, err
	}
	sm, err := smgr.TestingNewManager(t)
	if err != nil {
		return nil, err
	}
	return NewManager(Config{
		MaxPreparedXacts: maxPreparedXacts,
		WAL:              wm,
		Clog:             cm,
		ProcArray:        procarray.NewManager(),
		Subtrans:         subtrans.NewManager(),
		Smgr:             sm,
		TxID:             txid.NewManager(),
	}), nil
}

// TestingReopenManager rebuilds the twophase manager over the same wal
// and clog files, like a restart after crash. the prepared record
// index starts empty; the test replays record locations itself like
// log replay does.
func TestingReopenManager(t *testing.T, m *Manager, maxPreparedXacts int) (*Manager, error) {
	if err := m.wal.Close(); err != nil {
		return nil, err
	}
	wm, err := wal.TestingReopenManager(t)
	if err != nil {
		return nil, err
	}
	cm, err := clog.NewManager()
	if err != nil {
		return nil, err
	}
	return NewManager(Config{
		MaxPreparedXacts: maxPreparedXacts,
		WAL:              wm,
		Clog:             cm,
		ProcArray:        procarray.NewManager(),
		Subtrans:         subtrans.NewManager(),
		Smgr:             m.smgr,
		TxID:             txid.NewManager(),
	}), nil
}
