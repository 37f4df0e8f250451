package wal

import (
	"testing"
)

// TestingNewManager initializes wal manager for test.
// the wal file is created under the temporary directory, so the caller
// of this function does not have to clean up the file.
func TestingNewManager(t *testing.T) (*Manager, error) {
	dir = t.TempDir()
	return NewManager()
}

// TestingReopenManager reopens the wal manager over the same wal file.
// this is used to simulate restart after crash in tests.
func TestingReopenManager(t *testing.T) (*Manager, error) {
	return NewManager()
}
