package clog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteReadPage(t *testing.T) {
	dm, err := TestingNewDiskManager(t)
	assert.Nil(t, err)

	var expected pagePtr = &[pageSize]byte{'g', 'a'}

	err = dm.writePage(0, expected)
	assert.Nil(t, err)

	got := newPagePtr()
	err = dm.readPage(0, got)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got[:], expected[:]))
}

func TestReadPageNotOnDisk(t *testing.T) {
	dm, err := TestingNewDiskManager(t)
	assert.Nil(t, err)

	// the page does not exist on disk: zero-filled page is expected,
	// which means all transactions on it are in progress
	got := newPagePtr()
	err = dm.readPage(3, got)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got[:], newPagePtr()[:]))
}
