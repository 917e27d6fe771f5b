// Package transaction owns sessions (backends) and their local transaction state: the
// top-level xid, the stack of open subtransactions and the committed children that a
// PREPARE must carry along.
package transaction

import (
	"errors"

	"github.com/sushant-115/gxactdb/core/transaction/txid"
)

// TransactionState is the state of the transaction a session is currently running.
type TransactionState int

const (
	TxnStateIdle     TransactionState = iota // No transaction block is open
	TxnStateRunning                          // Transaction is active, an xid is assigned
	TxnStatePrepared                         // The xid was handed over to a prepared transaction
	TxnStateAborted                          // The last transaction aborted
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateIdle:
		return "idle"
	case TxnStateRunning:
		return "running"
	case TxnStatePrepared:
		return "prepared"
	case TxnStateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Role is the part a session plays in a distributed transaction.
type Role int

const (
	// RoleUtility is a plain single-node session.
	RoleUtility Role = iota
	// RoleDispatch is the coordinator-side session that dispatches work to executors.
	RoleDispatch
	// RoleExecute is an executor session acting on behalf of a remote dispatcher. Such
	// sessions may finish prepared transactions that belong to another database.
	RoleExecute
)

var (
	ErrNoTransaction         = errors.New("no transaction is in progress")
	ErrTransactionInProgress = errors.New("a transaction is already in progress")
	ErrNoSubtransaction      = errors.New("no subtransaction is in progress")
	ErrSessionClosed         = errors.New("session is closed")
	ErrTooManySessions       = errors.New("sorry, too many clients already")
)

// subxactFrame is one open subtransaction together with the children it has committed.
type subxactFrame struct {
	xid      txid.TxID
	children []txid.TxID
}
