/*
State record

The whole state of a prepared transaction is serialized into one wal
record (the prepare record) at prepare time, and read back when the
transaction is finished or recovered after restart. The layout is:

 1. state file header
 2. subtransaction id array
 3. delete-on-commit relation array
 4. delete-on-abort relation array
 5. cache invalidation message array
 6. zero or more resource manager records, each tagged (len, rmid, info)
 7. the end record (a resource manager record with the reserved end id)

Each block starts on a maxAlign boundary, which must be accounted for
when the record is read back. The total_len field of the header is
filled in when the record is finished and counts the trailing crc kept
by the wal frame, matching the on-disk state file of postgres.

see TwoPhaseFileHeader / TwoPhaseRecordOnDisk / save_state_data
https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/backend/access/transam/twophase.c#L904-L980
*/
package twophase

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/ymgch-db/pxdb/common"
	"github.com/ymgch-db/pxdb/transaction/txid"
)

const (
	// twoPhaseMagic is the format identifier of the state record,
	// validated on read
	twoPhaseMagic uint32 = 0x57F94532

	// GIDSize is the size of the gid field. the identifier itself is
	// NUL-terminated, so it can be at most GIDSize-1 bytes.
	GIDSize = 200

	// maxAlign is the alignment boundary every block is padded to
	maxAlign = 8

	// crcSize is the size of the crc the wal frame carries for the
	// record. total_len counts it, like the state file of postgres
	// counts its trailing pg_crc32.
	crcSize = 4

	// maxStateRecordSize caps total_len. this matches MaxAllocSize in
	// postgres: a bigger record could never be read back.
	maxStateRecordSize = 0x3fffffff
)

// stateFileHeaderSize is the unpadded size of the header block:
// magic(4) total_len(4) xid(4) database(4) prepared_at(8) owner(4)
// nsubxacts(4) ncommitrels(4) nabortrels(4) ninvalmsgs(4)
// initfileinval(1) gid(200)
const stateFileHeaderSize = 4 + 4 + 4 + 4 + 8 + 4 + 4 + 4 + 4 + 4 + 1 + GIDSize

// invalMsgSize is the encoded size of one invalidation message:
// kind(4) database(4) relation(4)
const invalMsgSize = 12

// subRecordHeaderSize is the encoded size of one resource manager
// record header: len(4) rmid(2) info(2)
const subRecordHeaderSize = 8

// maxAligned rounds the length up to the next maxAlign boundary
func maxAligned(n int) int {
	return (n + maxAlign - 1) &^ (maxAlign - 1)
}

// InvalidationMessage is one cache invalidation message carried in the
// prepare record. the message is opaque to this module: it is stored at
// prepare time and broadcast through the invalidation sink when the
// transaction commits.
// see SharedInvalidationMessage
// https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/storage/sinval.h#L31
type InvalidationMessage struct {
	// Kind tells the receiver which cache the message is for
	Kind uint32
	// Database the message applies to
	Database common.Database
	// Relation the message applies to
	Relation common.Relation
}

// stateFileHeader is the fixed-size header of the state record
type stateFileHeader struct {
	magic         uint32
	totalLen      uint32
	xid           txid.TxID
	database      common.Database
	preparedAt    int64 // unix microseconds
	owner         common.Role
	nSubXacts     int32
	nCommitRels   int32
	nAbortRels    int32
	nInvalMsgs    int32
	initFileInval bool
	gid           string
}

// encode serializes the header into its fixed-size block
func (hdr *stateFileHeader) encode() []byte {
	buf := make([]byte, stateFileHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], hdr.magic)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.totalLen)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(hdr.xid))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(hdr.database))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(hdr.preparedAt))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(hdr.owner))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(hdr.nSubXacts))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(hdr.nCommitRels))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(hdr.nAbortRels))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(hdr.nInvalMsgs))
	if hdr.initFileInval {
		buf[44] = 1
	}
	// NUL-terminated, the caller has validated len(gid) < GIDSize
	copy(buf[45:45+GIDSize], hdr.gid)
	return buf
}

// decodeStateFileHeader deserializes the header block
func decodeStateFileHeader(buf []byte) (*stateFileHeader, error) {
	if len(buf) < stateFileHeaderSize {
		return nil, errors.Wrapf(ErrStateRecordCorrupted, "record too short for header: %d", len(buf))
	}
	hdr := &stateFileHeader{
		magic:         binary.LittleEndian.Uint32(buf[0:4]),
		totalLen:      binary.LittleEndian.Uint32(buf[4:8]),
		xid:           txid.TxID(binary.LittleEndian.Uint32(buf[8:12])),
		database:      common.Database(binary.LittleEndian.Uint32(buf[12:16])),
		preparedAt:    int64(binary.LittleEndian.Uint64(buf[16:24])),
		owner:         common.Role(binary.LittleEndian.Uint32(buf[24:28])),
		nSubXacts:     int32(binary.LittleEndian.Uint32(buf[28:32])),
		nCommitRels:   int32(binary.LittleEndian.Uint32(buf[32:36])),
		nAbortRels:    int32(binary.LittleEndian.Uint32(buf[36:40])),
		nInvalMsgs:    int32(binary.LittleEndian.Uint32(buf[40:44])),
		initFileInval: buf[44] == 1,
	}
	if hdr.magic != twoPhaseMagic {
		return nil, errors.Wrapf(ErrStateRecordCorrupted, "bad magic %#x", hdr.magic)
	}
	if hdr.nSubXacts < 0 || hdr.nCommitRels < 0 || hdr.nAbortRels < 0 || hdr.nInvalMsgs < 0 {
		return nil, errors.Wrap(ErrStateRecordCorrupted, "negative count in header")
	}
	// trim the gid at its NUL terminator
	gidField := buf[45 : 45+GIDSize]
	end := 0
	for end < GIDSize && gidField[end] != 0 {
		end++
	}
	hdr.gid = string(gidField[:end])
	return hdr, nil
}

// stateRecordBuilder assembles the state record in memory before it is
// handed to the wal manager. postgres chains fixed-size XLogRecData
// blocks here; a growable byte slice gives the same contiguous stream
// without the chaining.
type stateRecordBuilder struct {
	buf      []byte
	totalLen uint32
}

// startStateRecord initializes the builder and writes the header block.
// total_len is backfilled by finish().
func startStateRecord(hdr *stateFileHeader) *stateRecordBuilder {
	b := &stateRecordBuilder{}
	b.appendData(hdr.encode())
	return b
}

// appendData appends one block, padded to the maxAlign boundary
// see save_state_data
func (b *stateRecordBuilder) appendData(data []byte) {
	padlen := maxAligned(len(data))
	b.buf = append(b.buf, data...)
	for i := len(data); i < padlen; i++ {
		b.buf = append(b.buf, 0)
	}
	b.totalLen += uint32(padlen)
}

// appendSubRecord appends one resource manager record: the tagged
// header block, then the payload block
func (b *stateRecordBuilder) appendSubRecord(rmid RmgrID, info uint16, data []byte) {
	hdr := make([]byte, subRecordHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(rmid))
	binary.LittleEndian.PutUint16(hdr[6:8], info)
	b.appendData(hdr)
	if len(data) > 0 {
		b.appendData(data)
	}
}

// finish appends the end record, backfills total_len in the header and
// returns the byte stream. total_len counts the crc the wal frame
// carries for the record.
func (b *stateRecordBuilder) finish() ([]byte, error) {
	b.appendSubRecord(rmgrEndID, 0, nil)

	totalLen := b.totalLen + crcSize
	if totalLen > maxStateRecordSize {
		return nil, errors.Wrapf(ErrStateRecordTooLarge, "record length %d", totalLen)
	}
	binary.LittleEndian.PutUint32(b.buf[4:8], totalLen)
	return b.buf, nil
}

// appendTxIDList appends the transaction id array as one block
func (b *stateRecordBuilder) appendTxIDList(ids []txid.TxID) {
	if len(ids) == 0 {
		return
	}
	data := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(id))
	}
	b.appendData(data)
}

// appendRelationList appends the relation array as one block
func (b *stateRecordBuilder) appendRelationList(rels []common.Relation) {
	if len(rels) == 0 {
		return
	}
	data := make([]byte, 4*len(rels))
	for i, rel := range rels {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(rel))
	}
	b.appendData(data)
}

// appendInvalMsgList appends the invalidation message array as one block
func (b *stateRecordBuilder) appendInvalMsgList(msgs []InvalidationMessage) {
	if len(msgs) == 0 {
		return
	}
	data := make([]byte, invalMsgSize*len(msgs))
	for i, msg := range msgs {
		off := invalMsgSize * i
		binary.LittleEndian.PutUint32(data[off:], msg.Kind)
		binary.LittleEndian.PutUint32(data[off+4:], uint32(msg.Database))
		binary.LittleEndian.PutUint32(data[off+8:], uint32(msg.Relation))
	}
	b.appendData(data)
}

// stateRecord is the parsed form of the prepare record
type stateRecord struct {
	hdr        *stateFileHeader
	subXIDs    []txid.TxID
	commitRels []common.Relation
	abortRels  []common.Relation
	invalMsgs  []InvalidationMessage
	// rmgrData is the remaining stream of resource manager records,
	// including the end record. it is walked by processRecords.
	rmgrData []byte
}

// parseStateRecord disassembles the record the way
// FinishPreparedTransaction does: header first, then the arrays, each
// starting on a maxAlign boundary.
func parseStateRecord(buf []byte) (*stateRecord, error) {
	hdr, err := decodeStateFileHeader(buf)
	if err != nil {
		return nil, errors.Wrap(err, "decodeStateFileHeader failed")
	}
	rec := &stateRecord{hdr: hdr}

	off := maxAligned(stateFileHeaderSize)
	need := func(n int) error {
		if off+n > len(buf) {
			return errors.Wrapf(ErrStateRecordCorrupted, "record truncated at offset %d", off)
		}
		return nil
	}

	if hdr.nSubXacts > 0 {
		n := int(hdr.nSubXacts)
		if err := need(4 * n); err != nil {
			return nil, err
		}
		rec.subXIDs = make([]txid.TxID, n)
		for i := 0; i < n; i++ {
			rec.subXIDs[i] = txid.TxID(binary.LittleEndian.Uint32(buf[off+4*i:]))
		}
		off += maxAligned(4 * n)
	}
	if hdr.nCommitRels > 0 {
		n := int(hdr.nCommitRels)
		if err := need(4 * n); err != nil {
			return nil, err
		}
		rec.commitRels = make([]common.Relation, n)
		for i := 0; i < n; i++ {
			rec.commitRels[i] = common.Relation(binary.LittleEndian.Uint32(buf[off+4*i:]))
		}
		off += maxAligned(4 * n)
	}
	if hdr.nAbortRels > 0 {
		n := int(hdr.nAbortRels)
		if err := need(4 * n); err != nil {
			return nil, err
		}
		rec.abortRels = make([]common.Relation, n)
		for i := 0; i < n; i++ {
			rec.abortRels[i] = common.Relation(binary.LittleEndian.Uint32(buf[off+4*i:]))
		}
		off += maxAligned(4 * n)
	}
	if hdr.nInvalMsgs > 0 {
		n := int(hdr.nInvalMsgs)
		if err := need(invalMsgSize * n); err != nil {
			return nil, err
		}
		rec.invalMsgs = make([]InvalidationMessage, n)
		for i := 0; i < n; i++ {
			o := off + invalMsgSize*i
			rec.invalMsgs[i] = InvalidationMessage{
				Kind:     binary.LittleEndian.Uint32(buf[o:]),
				Database: common.Database(binary.LittleEndian.Uint32(buf[o+4:])),
				Relation: common.Relation(binary.LittleEndian.Uint32(buf[o+8:])),
			}
		}
		off += maxAligned(invalMsgSize * n)
	}

	if err := need(subRecordHeaderSize); err != nil {
		// at least the end record must follow
		return nil, err
	}
	rec.rmgrData = buf[off:]
	return rec, nil
}

// preparedAtTime converts the header timestamp back to time.Time
func (hdr *stateFileHeader) preparedAtTime() time.Time {
	return time.UnixMicro(hdr.preparedAt)
}
