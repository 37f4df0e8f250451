package transaction

import (
	"github.com/ymgch-db/pxdb/transaction/procarray"
	"github.com/ymgch-db/pxdb/transaction/txid"
)

// Tx is a transaction
type Tx struct {
	id    txid.TxID
	state State
	// proc is this transaction's entry in the process-visible
	// transaction table. it is removed when the transaction completes,
	// or replaced by a dummy entry when the transaction is prepared.
	proc *procarray.Proc
	// subTxIDs are the subtransaction ids assigned under this
	// transaction, in assignment order
	subTxIDs []txid.TxID
}

// ID returns transaction id
func (tx *Tx) ID() txid.TxID {
	return tx.id
}

// State returns transaction state
func (tx *Tx) State() State {
	return tx.state
}

// SetState sets transaction state
func (tx *Tx) SetState(state State) {
	tx.state = state
}

// SubTxIDs returns the subtransaction ids of the transaction
func (tx *Tx) SubTxIDs() []txid.TxID {
	return tx.subTxIDs
}
