package transaction

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/gxactdb/core/transaction/clog"
	"github.com/sushant-115/gxactdb/core/transaction/procarray"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"go.uber.org/zap"
)

// Session is one client backend.
type Session struct {
	ID         uuid.UUID
	BackendID  procarray.BackendID
	UserID     uint32
	DatabaseID uint32
	Superuser  bool
	Role       Role
	Proc       *procarray.Proc

	mgr *Manager

	mu        sync.Mutex
	state     TransactionState
	xid       txid.TxID
	children  []txid.TxID
	stack     []subxactFrame
	exitHooks []func()
	closed    bool
}

// Begin starts a transaction and assigns its xid.
func (s *Session) Begin() (txid.TxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return txid.InvalidTxID, ErrSessionClosed
	}
	if s.state == TxnStateRunning {
		return txid.InvalidTxID, ErrTransactionInProgress
	}
	xid := s.mgr.txids.Allocate()
	s.mgr.procs.SetXid(s.Proc, xid)
	s.xid = xid
	s.children = nil
	s.stack = nil
	s.state = TxnStateRunning
	return xid, nil
}

// BeginSubtransaction opens a nested transaction with its own xid.
func (s *Session) BeginSubtransaction() (txid.TxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != TxnStateRunning {
		return txid.InvalidTxID, ErrNoTransaction
	}
	parent := s.xid
	if n := len(s.stack); n > 0 {
		parent = s.stack[n-1].xid
	}
	child := s.mgr.txids.Allocate()
	s.mgr.subtrans.SetParent(child, parent)
	s.mgr.procs.AddSubxid(s.Proc, child)
	s.stack = append(s.stack, subxactFrame{xid: child})
	return child, nil
}

// ReleaseSubtransaction commits the innermost subtransaction into its parent.
func (s *Session) ReleaseSubtransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.stack)
	if n == 0 {
		return ErrNoSubtransaction
	}
	frame := s.stack[n-1]
	s.stack = s.stack[:n-1]
	committed := append([]txid.TxID{frame.xid}, frame.children...)
	if n-1 > 0 {
		s.stack[n-2].children = append(s.stack[n-2].children, committed...)
	} else {
		s.children = append(s.children, committed...)
	}
	return nil
}

// RollbackSubtransaction aborts the innermost subtransaction and everything it committed.
func (s *Session) RollbackSubtransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.stack)
	if n == 0 {
		return ErrNoSubtransaction
	}
	frame := s.stack[n-1]
	s.stack = s.stack[:n-1]
	if err := s.mgr.clog.SetTreeStatus(frame.xid, frame.children, clog.StatusAborted); err != nil {
		return fmt.Errorf("failed to abort subtransaction %d: %w", frame.xid, err)
	}
	s.mgr.procs.RemoveSubxids(s.Proc, append([]txid.TxID{frame.xid}, frame.children...))
	return nil
}

// Xid returns the current top-level xid or InvalidTxID.
func (s *Session) Xid() txid.TxID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.xid
}

// State returns the state of the current transaction.
func (s *Session) State() TransactionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CommittedChildren returns the committed subtransaction ids of the current transaction.
// Open subtransactions are not included.
func (s *Session) CommittedChildren() []txid.TxID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]txid.TxID(nil), s.children...)
}

// OpenSubtransactions returns the number of subtransactions not yet released.
func (s *Session) OpenSubtransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

// HandOffPrepared detaches the session from its transaction after PREPARE succeeded.
// The prepared transaction's dummy proc now owns the xid.
func (s *Session) HandOffPrepared() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mgr.procs.ClearTransaction(s.Proc)
	s.xid = txid.InvalidTxID
	s.children = nil
	s.stack = nil
	s.state = TxnStatePrepared
}

// Abort runs the registered abort hooks and aborts the current transaction, if any.
// It is safe to call when no transaction is running.
func (s *Session) Abort() {
	for _, hook := range s.mgr.hooks() {
		hook(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != TxnStateRunning {
		return
	}
	children := append([]txid.TxID(nil), s.children...)
	for _, frame := range s.stack {
		children = append(children, frame.xid)
		children = append(children, frame.children...)
	}
	if err := s.mgr.clog.SetTreeStatus(s.xid, children, clog.StatusAborted); err != nil {
		s.mgr.logger.Error("failed to record abort", zap.Uint32("xid", uint32(s.xid)), zap.Error(err))
	}
	s.mgr.procs.EndTransaction(s.Proc, txid.Latest(s.xid, children))
	s.xid = txid.InvalidTxID
	s.children = nil
	s.stack = nil
	s.state = TxnStateAborted
}

// RegisterExitHook adds fn to the hooks run by Close, in registration order.
func (s *Session) RegisterExitHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitHooks = append(s.exitHooks, fn)
}

// Close aborts any open transaction, runs the exit hooks and frees the backend slot.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	hooks := s.exitHooks
	s.exitHooks = nil
	s.mu.Unlock()

	s.Abort()
	for _, hook := range hooks {
		hook()
	}
	s.mgr.disconnect(s)
}
