package transaction

import (
	"testing"

	"github.com/ymgch-db/pxdb/storage/smgr"
	"github.com/ymgch-db/pxdb/transaction/clog"
	"github.com/ymgch-db/pxdb/transaction/procarray"
	"github.com/ymgch-db/pxdb/transaction/subtrans"
	"github.com/ymgch-db/pxdb/transaction/twophase"
	"github.com/ymgch-db/pxdb/transaction/txid"
	"github.com/ymgch-db/pxdb/wal"
)

// TestingNewManager initializes transaction manager for test, with
// real collaborators over temporary directories
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
	tm := txid.NewManager()
	pa := procarray.NewManager()
	st := subtrans.NewManager()
	tp := twophase.NewManager(twophase.Config{
		MaxPreparedXacts: maxPreparedXacts,
		WAL:              wm,
		Clog:             cm,
		ProcArray:        pa,
		Subtrans:         st,
		Smgr:             sm,
		TxID:             tm,
	})
	return NewManager(tm, cm, pa, st, tp, sm), nil
}
