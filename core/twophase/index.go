package twophase

import (
	"sort"
	"sync"

	"github.com/sushant-115/gxactdb/core/checkpoint"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
)

// PreparedXactIndex maps the xid of each prepared transaction to the begin LSN of its
// PREPARE record. It is rebuilt by WAL replay and never persisted on its own.
type PreparedXactIndex struct {
	mu sync.Mutex
	m  map[txid.TxID]wal.LSN
}

// Add inserts xid. Adding an xid twice is an error.
func (x *PreparedXactIndex) Add(xid txid.TxID, lsn wal.LSN) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.m == nil {
		x.m = make(map[txid.TxID]wal.LSN)
	}
	if prev, ok := x.m[xid]; ok {
		return newError(CodeDuplicateObject, ErrDuplicateIndexEntry, "",
			"transaction %d is already in the prepared transaction map at %d", xid, prev)
	}
	x.m[xid] = lsn
	return nil
}

// Lookup returns the PREPARE record LSN of xid.
func (x *PreparedXactIndex) Lookup(xid txid.TxID) (wal.LSN, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	lsn, ok := x.m[xid]
	return lsn, ok
}

// Remove deletes xid and reports whether it was present.
func (x *PreparedXactIndex) Remove(xid txid.TxID) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.m[xid]; !ok {
		return false
	}
	delete(x.m, xid)
	return true
}

// Len returns the number of entries.
func (x *PreparedXactIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.m)
}

// Entries returns the entries ordered by xid.
func (x *PreparedXactIndex) Entries() []checkpoint.PreparedXact {
	x.mu.Lock()
	out := make([]checkpoint.PreparedXact, 0, len(x.m))
	for xid, lsn := range x.m {
		out = append(out, checkpoint.PreparedXact{Xid: xid, BeginLSN: lsn})
	}
	x.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Xid < out[j].Xid })
	return out
}

// Range calls fn for each entry, in xid order, until fn returns false. fn may modify
// the index.
func (x *PreparedXactIndex) Range(fn func(xid txid.TxID, lsn wal.LSN) bool) {
	for _, e := range x.Entries() {
		if !fn(e.Xid, e.BeginLSN) {
			return
		}
	}
}
