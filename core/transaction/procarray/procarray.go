// Package procarray tracks the transactions that are currently running, including the
// dummy entries that keep prepared transactions visible as in progress after their
// originating session has moved on.
package procarray

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"go.uber.org/zap"
)

var (
	ErrTooManyProcs  = errors.New("proc array is full")
	ErrProcNotFound  = errors.New("proc is not in the proc array")
	ErrProcDuplicate = errors.New("proc is already in the proc array")
)

// ProcArray is the set of running procs. ProcArrayLock in the classic design.
type ProcArray struct {
	mu                 sync.RWMutex
	procs              []*Proc
	maxProcs           int
	latestCompletedXid txid.TxID
	logger             *zap.Logger
}

// New returns an empty ProcArray with room for maxProcs entries.
func New(maxProcs int, logger *zap.Logger) *ProcArray {
	return &ProcArray{
		procs:    make([]*Proc, 0, maxProcs),
		maxProcs: maxProcs,
		logger:   logger,
	}
}

// Add inserts p.
func (pa *ProcArray) Add(p *Proc) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if len(pa.procs) >= pa.maxProcs {
		return fmt.Errorf("%w: %d entries", ErrTooManyProcs, pa.maxProcs)
	}
	for _, existing := range pa.procs {
		if existing == p {
			return ErrProcDuplicate
		}
	}
	pa.procs = append(pa.procs, p)
	return nil
}

// Remove deletes p. When latestXid is valid the proc was running a transaction that has
// now ended, and latestCompletedXid is advanced.
func (pa *ProcArray) Remove(p *Proc, latestXid txid.TxID) error {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	for i, existing := range pa.procs {
		if existing != p {
			continue
		}
		last := len(pa.procs) - 1
		pa.procs[i] = pa.procs[last]
		pa.procs[last] = nil
		pa.procs = pa.procs[:last]
		if latestXid.IsValid() {
			pa.advanceLatestCompletedLocked(latestXid)
			p.xid = txid.InvalidTxID
			p.xmin = txid.InvalidTxID
			p.subxids = p.subxids[:0]
			p.overflowed = false
		}
		return nil
	}
	pa.logger.Warn("failed to find proc in proc array", zap.Int32("backendID", int32(p.BackendID)))
	return ErrProcNotFound
}

// SetXid assigns a top-level xid to p.
func (pa *ProcArray) SetXid(p *Proc, xid txid.TxID) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	p.xid = xid
	if !p.xmin.IsValid() {
		p.xmin = xid
	}
}

// AddSubxid records child as a running subtransaction of p.
func (pa *ProcArray) AddSubxid(p *Proc, child txid.TxID) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if len(p.subxids) >= MaxCachedSubxids {
		p.overflowed = true
		return
	}
	p.subxids = append(p.subxids, child)
}

// EndTransaction clears p's transaction after a normal commit or abort.
func (pa *ProcArray) EndTransaction(p *Proc, latestXid txid.TxID) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	p.xid = txid.InvalidTxID
	p.xmin = txid.InvalidTxID
	p.subxids = p.subxids[:0]
	p.overflowed = false
	p.inCommit.Store(false)
	if latestXid.IsValid() {
		pa.advanceLatestCompletedLocked(latestXid)
	}
}

// ClearTransaction disowns p's xid after PREPARE. latestCompletedXid is not advanced
// because the transaction is still running under its dummy proc.
func (pa *ProcArray) ClearTransaction(p *Proc) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	p.xid = txid.InvalidTxID
	p.xmin = txid.InvalidTxID
	p.subxids = p.subxids[:0]
	p.overflowed = false
	p.inCommit.Store(false)
}

// IsInProgress reports whether xid belongs to any proc in the array, either as its
// top-level xid or as a cached child. Overflowed procs are not resolved further.
func (pa *ProcArray) IsInProgress(xid txid.TxID) bool {
	pa.mu.RLock()
	defer pa.mu.RUnlock()
	for _, p := range pa.procs {
		if p.xid == xid {
			return true
		}
		for _, child := range p.subxids {
			if child == xid {
				return true
			}
		}
	}
	return false
}

// Xid returns p's current xid under the array lock.
func (pa *ProcArray) Xid(p *Proc) txid.TxID {
	pa.mu.RLock()
	defer pa.mu.RUnlock()
	return p.xid
}

// GetTransactionsInCommit returns the xids of procs whose in-commit flag is set.
func (pa *ProcArray) GetTransactionsInCommit() []txid.TxID {
	pa.mu.RLock()
	defer pa.mu.RUnlock()
	var xids []txid.TxID
	for _, p := range pa.procs {
		if p.inCommit.Load() && p.xid.IsValid() {
			xids = append(xids, p.xid)
		}
	}
	return xids
}

// HaveTransactionsInCommit reports whether any of xids is still in commit.
func (pa *ProcArray) HaveTransactionsInCommit(xids []txid.TxID) bool {
	if len(xids) == 0 {
		return false
	}
	pa.mu.RLock()
	defer pa.mu.RUnlock()
	for _, p := range pa.procs {
		if !p.inCommit.Load() {
			continue
		}
		for _, xid := range xids {
			if p.xid == xid {
				return true
			}
		}
	}
	return false
}

// OldestXmin returns the oldest xid still running, or InvalidTxID if none.
func (pa *ProcArray) OldestXmin() txid.TxID {
	pa.mu.RLock()
	defer pa.mu.RUnlock()
	oldest := txid.InvalidTxID
	for _, p := range pa.procs {
		if p.xid.IsValid() && (!oldest.IsValid() || p.xid.Precedes(oldest)) {
			oldest = p.xid
		}
	}
	return oldest
}

// LatestCompletedXid returns the newest xid known to have finished.
func (pa *ProcArray) LatestCompletedXid() txid.TxID {
	pa.mu.RLock()
	defer pa.mu.RUnlock()
	return pa.latestCompletedXid
}

// Len returns the number of procs.
func (pa *ProcArray) Len() int {
	pa.mu.RLock()
	defer pa.mu.RUnlock()
	return len(pa.procs)
}

func (pa *ProcArray) advanceLatestCompletedLocked(xid txid.TxID) {
	if !pa.latestCompletedXid.IsValid() || xid.Follows(pa.latestCompletedXid) {
		pa.latestCompletedXid = xid
	}
}

// RemoveSubxids drops aborted children from p's cache.
func (pa *ProcArray) RemoveSubxids(p *Proc, xids []txid.TxID) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	kept := p.subxids[:0]
	for _, child := range p.subxids {
		drop := false
		for _, xid := range xids {
			if child == xid {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, child)
		}
	}
	p.subxids = kept
}
