package twophase

import (
	"github.com/pkg/errors"
)

// the errors below are reported before any durable state is changed, so
// the caller's transaction simply fails and can be retried.
var (
	// ErrGIDTooLong is returned when the global transaction identifier
	// exceeds GIDSize-1 bytes
	ErrGIDTooLong = errors.New("transaction identifier is too long")

	// ErrGIDAlreadyInUse is returned when another live entry (valid or
	// being prepared) already carries the identifier
	ErrGIDAlreadyInUse = errors.New("transaction identifier is already in use")

	// ErrPreparedTransactionsDisabled is returned when the registry
	// capacity is configured as zero
	ErrPreparedTransactionsDisabled = errors.New("prepared transactions are disabled")

	// ErrMaxPreparedXactsReached is returned when no free entry remains
	ErrMaxPreparedXactsReached = errors.New("maximum number of prepared transactions reached")

	// ErrStateRecordTooLarge is returned when the state record exceeds
	// the maximum readable record size
	ErrStateRecordTooLarge = errors.New("two-phase state record maximum length exceeded")
)

// the errors below are reported from the finish path before the entry
// is touched.
var (
	// ErrPreparedXactBusy is returned when the entry is already locked
	// by another backend; the caller may retry later
	ErrPreparedXactBusy = errors.New("prepared transaction is busy")

	// ErrPermissionDenied is returned when the requester is neither the
	// owner of the prepared transaction nor a superuser
	ErrPermissionDenied = errors.New("permission denied to finish prepared transaction")

	// ErrWrongDatabase is returned when the prepared transaction
	// belongs to another database
	ErrWrongDatabase = errors.New("prepared transaction belongs to another database")

	// ErrPreparedXactNotFound is returned when no valid entry carries
	// the identifier and the caller did not opt into tolerant lookup
	ErrPreparedXactNotFound = errors.New("prepared transaction does not exist")
)

// ErrStateRecordCorrupted is fatal: the prepare record read back from
// the wal cannot be parsed, or its embedded transaction id does not
// match the entry. the finishing attempt must be halted entirely since
// proceeding risks inconsistent durable state.
var ErrStateRecordCorrupted = errors.New("two-phase state record is corrupted")
