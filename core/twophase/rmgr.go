package twophase

import (
	"fmt"
	"sync/atomic"

	"github.com/sushant-115/gxactdb/core/transaction/txid"
)

// RmgrID identifies a two-phase resource manager.
type RmgrID uint8

const (
	// MaxRmid bounds the resource manager ids.
	MaxRmid RmgrID = 8
	// EndID terminates the sub-record stream of a PREPARE record.
	EndID = MaxRmid
)

// Callback handles one sub-record of a prepared transaction.
type Callback func(xid txid.TxID, info uint16, data []byte)

// RegisterFunc adds a sub-record for the calling resource manager to the PREPARE record
// being built.
type RegisterFunc func(info uint16, data []byte)

// RmgrCallbacks is one entry of the callback table. Nil callbacks do nothing.
type RmgrCallbacks struct {
	// AtPrepare runs between StartPrepare and EndPrepare and may register sub-records.
	AtPrepare  func(xid txid.TxID, register RegisterFunc) error
	Recover    Callback
	PostCommit Callback
	PostAbort  Callback
}

// Registry is the static table of resource manager callbacks. It is filled before the
// coordinator starts and read-only afterwards.
type Registry struct {
	table  [MaxRmid]RmgrCallbacks
	set    [MaxRmid]bool
	sealed atomic.Bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register installs the callbacks for id.
func (r *Registry) Register(id RmgrID, cb RmgrCallbacks) error {
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if id >= MaxRmid {
		return fmt.Errorf("%w: %d", ErrInvalidRmid, id)
	}
	if r.set[id] {
		return fmt.Errorf("%w: %d is already registered", ErrInvalidRmid, id)
	}
	r.table[id] = cb
	r.set[id] = true
	return nil
}

func (r *Registry) seal() {
	r.sealed.Store(true)
}

// atPrepare runs every AtPrepare callback, handing each a RegisterFunc bound to its id.
func (r *Registry) atPrepare(xid txid.TxID, asm *RecordAssembler) error {
	for id := RmgrID(0); id < MaxRmid; id++ {
		cb := r.table[id].AtPrepare
		if cb == nil {
			continue
		}
		rmid := id
		if err := cb(xid, func(info uint16, data []byte) {
			asm.RegisterSubRecord(rmid, info, data)
		}); err != nil {
			return fmt.Errorf("resource manager %d failed to prepare transaction %d: %w", id, xid, err)
		}
	}
	return nil
}

// ProcessRecords dispatches each sub-record to the callback pick selects from its
// resource manager's entry.
func (r *Registry) ProcessRecords(xid txid.TxID, records []SubRecord, pick func(RmgrCallbacks) Callback) {
	for _, rec := range records {
		if rec.Rmid >= MaxRmid {
			continue
		}
		if cb := pick(r.table[rec.Rmid]); cb != nil {
			cb(xid, rec.Info, rec.Data)
		}
	}
}

func pickRecover(cb RmgrCallbacks) Callback    { return cb.Recover }
func pickPostCommit(cb RmgrCallbacks) Callback { return cb.PostCommit }
func pickPostAbort(cb RmgrCallbacks) Callback  { return cb.PostAbort }
