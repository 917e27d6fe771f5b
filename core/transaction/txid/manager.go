package txid

import "sync"

// Manager hands out transaction ids. The embedded mutex plays the role of XidGenLock:
// it must be held while the next id is read or advanced.
type Manager struct {
	sync.Mutex
	nextTxID TxID
}

// NewManager returns a Manager whose first allocation is start (FirstNormalTxID when
// start is not a normal id).
func NewManager(start TxID) *Manager {
	if !start.IsNormal() {
		start = FirstNormalTxID
	}
	return &Manager{nextTxID: start}
}

// Allocate returns the next id and advances the counter.
func (m *Manager) Allocate() TxID {
	m.Lock()
	defer m.Unlock()
	id := m.nextTxID
	m.nextTxID = Advance(m.nextTxID)
	return id
}

// Next returns the id that the next Allocate call will return.
func (m *Manager) Next() TxID {
	m.Lock()
	defer m.Unlock()
	return m.nextTxID
}

// AdvancePast moves the counter beyond xid if xid is at or after it. Recovery uses this
// so that ids seen in the log (including subtransaction ids) are never handed out again.
func (m *Manager) AdvancePast(xid TxID) {
	if !xid.IsNormal() {
		return
	}
	m.Lock()
	defer m.Unlock()
	if xid.FollowsOrEquals(m.nextTxID) {
		m.nextTxID = Advance(xid)
	}
}
