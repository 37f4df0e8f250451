// this disk manager is very simple: one file under pg_xact directory.
package clog

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

var (
	// the file path of clog
	dir  = "pg_xact"
	path = "/clog"
)

// diskManager manages clog file
type diskManager struct {
	fd *os.File
}

// newDiskManager initializes the clog disk manager
func newDiskManager() (*diskManager, error) {
	// check whether the directory already exists
	if _, err := os.Stat(dir); !os.IsExist(err) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.Wrap(err, "os.MkdirAll failed")
		}
	}

	fd, err := os.OpenFile(dir+path, os.O_RDWR|os.O_CREATE, 0700)
	if err != nil {
		return nil, errors.Wrap(err, "os.OpenFile failed")
	}
	return &diskManager{
		fd: fd,
	}, nil
}

// writePage writes page out to disk
// see https://github.com/postgres/postgres/blob/5ca3645cb3fb4b8b359ea560f6a1a230ea59c8bc/src/backend/access/transam/slru.c#L757
func (dm *diskManager) writePage(pid pageID, p pagePtr) error {
	n, err := dm.fd.WriteAt(p[:], int64(pid)*pageSize)
	if err != nil {
		return errors.Wrap(err, "WriteAt failed")
	}
	if n != pageSize {
		return errors.Errorf("WriteAt failed to write the whole page: %d", n)
	}
	return nil
}

// readPage reads page from disk into p.
// when the page does not exist on disk yet, p is zero-filled: all
// transactions on a fresh page are in progress.
func (dm *diskManager) readPage(pid pageID, p pagePtr) error {
	n, err := dm.fd.ReadAt(p[:], int64(pid)*pageSize)
	if err != nil {
		if err == io.EOF {
			// zero-fill the rest of the page
			for i := n; i < pageSize; i++ {
				p[i] = 0
			}
			return nil
		}
		return errors.Wrap(err, "ReadAt failed")
	}
	if n != pageSize {
		return errors.Errorf("ReadAt failed to read the whole page: %d", n)
	}
	return nil
}

// sync flushes the clog file to disk
func (dm *diskManager) sync() error {
	if err := dm.fd.Sync(); err != nil {
		return errors.Wrap(err, "fd.Sync failed")
	}
	return nil
}
