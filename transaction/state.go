package transaction

// State is transaction state
// see https://github.com/postgres/postgres/blob/20432f8731404d2cef2a155144aca5ab3ae98e95/src/backend/access/transam/xact.c#L137-L148
type State uint

const (
	// during transaction
	StateInProgress State = iota
	// transaction prepared for two-phase commit. the session is done
	// with the transaction but the transaction itself is still in
	// progress, until someone commits or rolls it back by gid.
	StatePrepared
	// transaction committed
	StateCommitted
	// transaction aborted
	StateAborted
)

// IsCompleted checks whether the transaction has been completed.
// a prepared transaction is not completed: its outcome is not decided
// yet.
func IsCompleted(state State) bool {
	if state == StateCommitted || state == StateAborted {
		return true
	}
	return false
}
