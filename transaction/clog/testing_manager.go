package clog

import (
	"testing"
)

// TestingNewDiskManager initializes the clog disk manager for test
func TestingNewDiskManager(t *testing.T) (*diskManager, error) {
	dir = t.TempDir()
	return newDiskManager()
}

// TestingNewManager initializes clog manager for test
func TestingNewManager(t *testing.T) (*Manager, error) {
	dir = t.TempDir()
	return NewManager()
}
