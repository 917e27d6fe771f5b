// Package subtrans maps subtransaction ids to their parent transaction id.
//
// The map is not preserved over a restart; recovery rebuilds the links of prepared
// transactions by attaching every child directly to its top-level id.
package subtrans

import (
	"sync"

	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/tidwall/btree"
)

// SubTrans is an ordered parent map. Ordering lets Truncate drop everything older than
// the oldest running transaction in one pass.
type SubTrans struct {
	mu      sync.RWMutex
	parents btree.Map[txid.TxID, txid.TxID]
}

// New returns an empty map.
func New() *SubTrans {
	return &SubTrans{}
}

// SetParent records parent as the immediate parent of xid.
func (s *SubTrans) SetParent(xid, parent txid.TxID) {
	if !xid.IsNormal() || xid == parent {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parents.Set(xid, parent)
}

// GetParent returns the recorded parent of xid, or InvalidTxID.
func (s *SubTrans) GetParent(xid txid.TxID) txid.TxID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parent, ok := s.parents.Get(xid)
	if !ok {
		return txid.InvalidTxID
	}
	return parent
}

// GetTopmost follows parent links up to the top-level transaction.
func (s *SubTrans) GetTopmost(xid txid.TxID) txid.TxID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for {
		parent, ok := s.parents.Get(xid)
		if !ok || !parent.IsValid() {
			return xid
		}
		xid = parent
	}
}

// Truncate forgets every entry whose id precedes oldest.
func (s *SubTrans) Truncate(oldest txid.TxID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []txid.TxID
	s.parents.Scan(func(xid, _ txid.TxID) bool {
		if xid.Precedes(oldest) {
			stale = append(stale, xid)
		}
		return true
	})
	for _, xid := range stale {
		s.parents.Delete(xid)
	}
	return len(stale)
}

// Len returns the number of recorded links.
func (s *SubTrans) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parents.Len()
}
