/*
Wal manager manages the write-ahead log file under pg_wal directory.

The two-phase commit module stores the whole state of a prepared
transaction in a single wal record (the prepare record), then reads the
record back when the transaction is finished or recovered after restart.
So the interface the wal manager provides is simple:
- Append: append one record and return its location
- Flush: make all records up to the location durable
- ReadAt: read back the record at the location

In postgres, wal is divided into segment files and records can cross
page boundaries. pxdb simplifies this: only one wal file exists and each
record is stored as one contiguous frame.

----
About the record frame

Each record is framed as below (all fields little-endian):

	total_len(4) | crc(4) | payload(total_len - 8)

total_len counts the whole frame including the 8 byte frame header.
crc is CRC-32(IEEE) computed over the payload and is validated on read,
so a torn or overwritten record is detected as corrupted instead of
being silently replayed.

----
About location

Location is the byte offset of the record frame in the wal file.
Offset zero holds the wal file header, so zero never points at a record
and is used as the invalid location.
*/
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Location is the byte position of a record in the wal file.
// this is called LSN (log sequence number) in postgres.
type Location uint64

// InvalidLocation indicates `no record`
const InvalidLocation Location = 0

// IsValid checks whether the location points at a record
func (loc Location) IsValid() bool {
	return loc != InvalidLocation
}

// ErrCorruptRecord is returned when the record at the location cannot be
// read back: the frame is out of bounds, the length is insane or the crc
// does not match. the caller must treat this as fatal for the record.
var ErrCorruptRecord = errors.New("wal record is invalid")

var (
	// the file path of wal
	dir  = "pg_wal"
	path = "/wal"
)

const (
	// fileHeaderSize is the size of the wal file header.
	// the header exists so that no record lives at offset zero.
	fileHeaderSize = 8
	// frameHeaderSize is total_len(4) + crc(4)
	frameHeaderSize = 8
	// maxRecordSize caps a single record. this matches MaxAllocSize in
	// postgres which bounds the readable two-phase state file.
	maxRecordSize = 0x3fffffff
)

// wal file magic stored in the file header
var fileMagic = [fileHeaderSize]byte{'p', 'x', 'w', 'a', 'l', 0, 0, 1}

// Manager manages the wal file
type Manager struct {
	// lock for appending. Append/Flush/ReadAt may be called from
	// many backends concurrently.
	sync.Mutex
	fd *os.File
	// insertLoc is where the next record is appended
	insertLoc Location
	// flushedLoc is the location up to which the file has been synced
	flushedLoc Location
}

// NewManager opens (or creates) the wal file
func NewManager() (*Manager, error) {
	if _, err := os.Stat(dir); !os.IsExist(err) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.Wrap(err, "os.MkdirAll failed")
		}
	}

	fd, err := os.OpenFile(dir+path, os.O_RDWR|os.O_CREATE, 0700)
	if err != nil {
		return nil, errors.Wrap(err, "os.OpenFile failed")
	}

	fi, err := fd.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "fd.Stat failed")
	}
	size := fi.Size()
	if size == 0 {
		// fresh file: write the file header
		if _, err := fd.WriteAt(fileMagic[:], 0); err != nil {
			return nil, errors.Wrap(err, "WriteAt failed")
		}
		size = fileHeaderSize
	}

	return &Manager{
		fd: fd,
		// records are appended after the existing content, so the
		// manager can be reopened over the same file after restart
		insertLoc:  Location(size),
		flushedLoc: Location(size),
	}, nil
}

// Append appends one record and returns its begin location and the
// location just past its end. the record is not durable until Flush
// is called with a location >= end.
func (m *Manager) Append(payload []byte) (begin, end Location, err error) {
	if len(payload) == 0 {
		return InvalidLocation, InvalidLocation, errors.New("empty wal record")
	}
	if len(payload) > maxRecordSize-frameHeaderSize {
		return InvalidLocation, InvalidLocation, errors.Errorf("wal record too large: %d", len(payload))
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(frame)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)

	m.Lock()
	defer m.Unlock()

	begin = m.insertLoc
	if _, err := m.fd.WriteAt(frame, int64(begin)); err != nil {
		return InvalidLocation, InvalidLocation, errors.Wrap(err, "WriteAt failed")
	}
	m.insertLoc += Location(len(frame))
	return begin, m.insertLoc, nil
}

// Flush makes all records before the location durable
func (m *Manager) Flush(loc Location) error {
	m.Lock()
	defer m.Unlock()

	if loc <= m.flushedLoc {
		return nil
	}
	if err := m.fd.Sync(); err != nil {
		return errors.Wrap(err, "fd.Sync failed")
	}
	m.flushedLoc = m.insertLoc
	return nil
}

// ReadAt reads back the record payload at the location.
// ErrCorruptRecord is returned when the frame cannot be validated.
func (m *Manager) ReadAt(loc Location) ([]byte, error) {
	m.Lock()
	insertLoc := m.insertLoc
	m.Unlock()

	if loc < fileHeaderSize || loc+frameHeaderSize > insertLoc {
		return nil, errors.Wrapf(ErrCorruptRecord, "location %d out of bounds", loc)
	}

	var hdr [frameHeaderSize]byte
	if _, err := m.fd.ReadAt(hdr[:], int64(loc)); err != nil {
		return nil, errors.Wrap(ErrCorruptRecord, err.Error())
	}
	totalLen := binary.LittleEndian.Uint32(hdr[0:4])
	if totalLen <= frameHeaderSize || totalLen > maxRecordSize ||
		loc+Location(totalLen) > insertLoc {
		return nil, errors.Wrapf(ErrCorruptRecord, "invalid record length %d at %d", totalLen, loc)
	}

	payload := make([]byte, totalLen-frameHeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(m.fd, int64(loc)+frameHeaderSize, int64(len(payload))), payload); err != nil {
		return nil, errors.Wrap(ErrCorruptRecord, err.Error())
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(hdr[4:8]) {
		return nil, errors.Wrapf(ErrCorruptRecord, "crc mismatch at %d", loc)
	}
	return payload, nil
}

// Scan walks every record from the beginning of the log in append
// order and calls fn with the begin location and the payload of each.
// this is the redo loop of the startup replay.
//
// A record whose frame extends past the end of the file can only be
// the last append torn by a crash before it was flushed, so it marks
// the end of the log: the tail is truncated away and new records are
// appended from there. A crc mismatch on a fully present frame means
// real corruption and stays fatal.
// https://github.com/postgres/postgres/blob/master/src/backend/access/transam/xlogrecovery.c
func (m *Manager) Scan(fn func(begin Location, payload []byte) error) error {
	loc := Location(fileHeaderSize)
	end := m.InsertLocation()
	for loc < end {
		torn, err := m.tornAt(loc, end)
		if err != nil {
			return err
		}
		if torn {
			return m.truncateTail(loc)
		}
		payload, err := m.ReadAt(loc)
		if err != nil {
			return errors.Wrapf(err, "read the record at %d failed", loc)
		}
		if err := fn(loc, payload); err != nil {
			return err
		}
		loc += Location(frameHeaderSize + len(payload))
	}
	return nil
}

// tornAt reports whether the frame at loc does not fit before end,
// which identifies an append interrupted mid-write
func (m *Manager) tornAt(loc, end Location) (bool, error) {
	if loc+frameHeaderSize > end {
		return true, nil
	}
	var hdr [4]byte
	if _, err := m.fd.ReadAt(hdr[:], int64(loc)); err != nil {
		return false, errors.Wrap(err, "ReadAt failed")
	}
	totalLen := binary.LittleEndian.Uint32(hdr[:])
	if totalLen <= frameHeaderSize || totalLen > maxRecordSize ||
		loc+Location(totalLen) > end {
		return true, nil
	}
	return false, nil
}

// truncateTail discards everything from loc to the end of the file
func (m *Manager) truncateTail(loc Location) error {
	m.Lock()
	defer m.Unlock()

	if err := m.fd.Truncate(int64(loc)); err != nil {
		return errors.Wrap(err, "fd.Truncate failed")
	}
	if err := m.fd.Sync(); err != nil {
		return errors.Wrap(err, "fd.Sync failed")
	}
	m.insertLoc = loc
	m.flushedLoc = loc
	return nil
}

// InsertLocation returns the location the next record will be appended at
func (m *Manager) InsertLocation() Location {
	m.Lock()
	defer m.Unlock()
	return m.insertLoc
}

// Close closes the wal file
func (m *Manager) Close() error {
	if err := m.fd.Close(); err != nil {
		return errors.Wrap(err, "fd.Close failed")
	}
	return nil
}
