package smgr

import (
	"testing"
)

// TestingNewManager initializes storage manager for test
func TestingNewManager(t *testing.T) (*Manager, error) {
	baseDir = t.TempDir()
	return NewManager()
}
