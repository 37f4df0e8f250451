/*
Storage manager deals with the relation files under base directory.

The implementation is based on src/backend/storage/smgr and
src/backend/catalog/storage.c in postgres.

The two-phase commit module interacts with the storage manager in one
way: relation files created or dropped inside a transaction must not be
physically created/removed until the transaction's fate is decided. So
the storage manager keeps a pending-delete list per backend (postgres
keeps it in per-backend memory, so smgrGetPendingDeletes only ever sees
the calling backend's work):

- when CREATE TABLE runs inside a transaction, the new file must be
  removed if the transaction aborts (delete-at-abort)
- when DROP TABLE runs inside a transaction, the file must be removed
  only when the transaction commits (delete-at-commit)

At prepare time the two lists are serialized into the prepare record, so
that the deletes can still be executed when the transaction is finished
after a restart, by a backend that never saw the original session.

see https://github.com/postgres/postgres/blob/b0a55e43299c4ea2a9a8c757f9c26352407d0ccc/src/backend/storage/smgr/README#L1

pxdb does not support
- database and schema (so the path of the relation file is simply
  base/database/relation oid)
- the division of files into segments
- fork files (fsm/vm)
*/
package smgr

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/ymgch-db/pxdb/common"
)

// the directory path of database files
var baseDir = "base/database"

// pendingDelete is one entry of the pending-delete list
// see https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/catalog/storage.c#L53-L67
type pendingDelete struct {
	rel common.Relation
	// atCommit indicates when the file should be dropped:
	// true means drop on commit (DROP TABLE), false means drop on
	// abort (CREATE TABLE)
	atCommit bool
}

// Manager manages relation files and the pending-delete lists
type Manager struct {
	sync.Mutex
	// pending delete work is scoped per backend: a backend's
	// transaction must never pick up, or throw away, another backend's
	// pending deletes
	pending map[common.BackendID][]pendingDelete
}

// NewManager initializes storage manager
func NewManager() (*Manager, error) {
	// check whether the directory already exists
	if _, err := os.Stat(baseDir); !os.IsExist(err) {
		if err := os.MkdirAll(baseDir, 0700); err != nil {
			return nil, errors.Wrap(err, "os.MkdirAll failed")
		}
	}
	return &Manager{
		pending: make(map[common.BackendID][]pendingDelete),
	}, nil
}

// getRelationFilePath returns the file path of the relation
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/common/relpath.c#L141
func getRelationFilePath(rel common.Relation) string {
	return filepath.Join(baseDir, fmt.Sprintf("%d", rel))
}

// CreateRelation creates the relation file and registers it for
// delete-at-abort in the backend's pending list
func (m *Manager) CreateRelation(backendID common.BackendID, rel common.Relation) error {
	fd, err := os.OpenFile(getRelationFilePath(rel), os.O_RDWR|os.O_CREATE, 0700)
	if err != nil {
		return errors.Wrap(err, "os.OpenFile failed")
	}
	if err := fd.Close(); err != nil {
		return errors.Wrap(err, "fd.Close failed")
	}

	m.Lock()
	m.pending[backendID] = append(m.pending[backendID], pendingDelete{rel: rel, atCommit: false})
	m.Unlock()
	return nil
}

// DropRelation registers the relation file for delete-at-commit.
// the file itself is left in place: other transactions may still read it
// until this transaction commits.
func (m *Manager) DropRelation(backendID common.BackendID, rel common.Relation) {
	m.Lock()
	m.pending[backendID] = append(m.pending[backendID], pendingDelete{rel: rel, atCommit: true})
	m.Unlock()
}

// GetPendingDeletes returns the backend's relations which must be
// dropped when its transaction commits (forCommit=true) or aborts
// (forCommit=false). this is called at prepare time to serialize the
// lists into the prepare record.
// see smgrGetPendingDeletes
// https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/catalog/storage.c#L388
func (m *Manager) GetPendingDeletes(backendID common.BackendID, forCommit bool) []common.Relation {
	m.Lock()
	defer m.Unlock()

	var rels []common.Relation
	for _, pd := range m.pending[backendID] {
		if pd.atCommit == forCommit {
			rels = append(rels, pd.rel)
		}
	}
	return rels
}

// AtEOXact clears the backend's pending-delete list.
// for a prepared transaction this is called after the lists have been
// transferred into the prepare record: from that point the record, not
// the session, owns the deletes.
func (m *Manager) AtEOXact(backendID common.BackendID) {
	m.Lock()
	delete(m.pending, backendID)
	m.Unlock()
}

// DropRelationFiles removes the relation files physically.
// a missing file is not an error: when a prepared transaction is
// finished during recovery, the file may have been removed before the
// crash already.
// see DropRelationFiles
// https://github.com/postgres/postgres/blob/d9d873bac67047cfacc9f5ef96ee488f2cb0f1c3/src/backend/storage/smgr/md.c
func (m *Manager) DropRelationFiles(rels []common.Relation) error {
	for _, rel := range rels {
		if err := os.Remove(getRelationFilePath(rel)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrap(err, "os.Remove failed")
		}
	}
	return nil
}

// RelationExists checks whether the relation file exists on disk
func (m *Manager) RelationExists(rel common.Relation) bool {
	_, err := os.Stat(getRelationFilePath(rel))
	return err == nil
}
