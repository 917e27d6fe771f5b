package twophase

import (
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gxactdb/core/transaction/procarray"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
)

const noFreeSlot = -1

// Pool is the fixed set of prepared transaction slots. Its StateLock (mu) guards slot
// membership, the freelist and each slot's valid and lockingBackend fields. No I/O is
// done while it is held.
type Pool struct {
	mu       sync.RWMutex
	slots    []*GlobalXact
	freeHead int
	active   []*GlobalXact

	cacheMu    sync.Mutex
	cachedXid  txid.TxID
	cachedSlot *GlobalXact
}

// ReserveRequest describes the transaction MarkAsPreparing reserves a slot for.
type ReserveRequest struct {
	Xid             txid.TxID
	Gid             string
	Owner           uint32
	DatabaseID      uint32
	PreparedAt      time.Time
	PrepareBeginLSN wal.LSN
	Distrib         DistribInfo
	Caller          procarray.BackendID
}

// Finisher identifies the backend that wants to finish a prepared transaction.
type Finisher struct {
	BackendID  procarray.BackendID
	UserID     uint32
	DatabaseID uint32
	Superuser  bool
	// AnyDatabase lets executor sessions finish transactions of other databases.
	AnyDatabase bool
}

// NewPool returns a pool of maxPrepared slots whose dummy backend ids start right after
// maxBackends.
func NewPool(maxPrepared, maxBackends int) *Pool {
	p := &Pool{
		slots:    make([]*GlobalXact, maxPrepared),
		freeHead: noFreeSlot,
		active:   make([]*GlobalXact, 0, maxPrepared),
	}
	for i := maxPrepared - 1; i >= 0; i-- {
		id := procarray.BackendID(maxBackends + 1 + i)
		g := &GlobalXact{
			pool:           p,
			index:          i,
			dummyBackendID: id,
			proc:           procarray.NewProc(id, 0, 0),
			lockingBackend: procarray.InvalidBackendID,
			onFreeList:     true,
			nextFree:       p.freeHead,
		}
		p.slots[i] = g
		p.freeHead = i
	}
	return p
}

// Capacity returns the number of slots.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// Len returns the number of slots in use, valid or not.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

// Reserve takes a free slot for req and locks it for req.Caller. The gid must not be in
// use by any active slot.
func (p *Pool) Reserve(req ReserveRequest) (*GlobalXact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, g := range p.active {
		if g.gid == req.Gid {
			return nil, newError(CodeDuplicateObject, ErrDuplicateGid, "",
				"transaction identifier %q is already in use", req.Gid)
		}
	}
	if p.freeHead == noFreeSlot {
		return nil, newError(CodeOutOfMemory, ErrMaxPreparedXacts,
			fmt.Sprintf("Increase max_prepared_transactions (currently %d).", len(p.slots)),
			"maximum number of prepared transactions reached")
	}

	g := p.slots[p.freeHead]
	p.freeHead = g.nextFree
	g.nextFree = noFreeSlot
	g.onFreeList = false
	g.used = true

	g.proc.Reset(req.Xid, req.DatabaseID, req.Owner)
	g.xid = req.Xid
	g.gid = req.Gid
	g.owner = req.Owner
	g.databaseID = req.DatabaseID
	g.preparedAt = req.PreparedAt
	g.prepareBeginLSN = req.PrepareBeginLSN
	g.prepareLSN = wal.InvalidLSN
	g.lockingBackend = req.Caller
	g.valid = false
	g.subxids = g.subxids[:0]
	g.overflowed = false
	g.distrib = req.Distrib
	g.intents = 0

	p.active = append(p.active, g)
	return g, nil
}

// LookupByGid returns the active slot holding gid, valid or not.
func (p *Pool) LookupByGid(gid string) *GlobalXact {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, g := range p.active {
		if g.gid == gid {
			return g
		}
	}
	return nil
}

// LookupByXid returns the active slot for xid. The last successful lookup is cached,
// which pays off when the same prepared transaction is probed repeatedly. A cached slot
// is rechecked under the StateLock, since a concurrent Release may have raced the cache
// update and the slot may since hold another transaction.
func (p *Pool) LookupByXid(xid txid.TxID) *GlobalXact {
	p.cacheMu.Lock()
	cached := p.cachedSlot
	if p.cachedXid != xid {
		cached = nil
	}
	p.cacheMu.Unlock()

	p.mu.RLock()
	if cached != nil && !cached.onFreeList && cached.xid == xid {
		p.mu.RUnlock()
		return cached
	}
	var found *GlobalXact
	for _, g := range p.active {
		if g.xid == xid {
			found = g
			break
		}
	}
	p.mu.RUnlock()

	if found != nil {
		p.cacheMu.Lock()
		p.cachedXid = xid
		p.cachedSlot = found
		p.cacheMu.Unlock()
	}
	return found
}

// AcquireForFinish finds the valid slot for gid and locks it for f. This is LockGXact.
func (p *Pool) AcquireForFinish(gid string, f Finisher) (*GlobalXact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, g := range p.active {
		if !g.valid || g.gid != gid {
			continue
		}
		if g.lockingBackend != procarray.InvalidBackendID {
			return nil, newError(CodeObjectNotInPrereqState, ErrGxactBusy, "",
				"prepared transaction with identifier %q is busy", gid)
		}
		if f.UserID != g.owner && !f.Superuser {
			return nil, newError(CodeInsufficientPrivilege, ErrPermissionDenied,
				"Must be superuser or the user that prepared the transaction.",
				"permission denied to finish prepared transaction")
		}
		if f.DatabaseID != g.databaseID && !f.AnyDatabase {
			return nil, newError(CodeFeatureNotSupported, ErrWrongDatabase,
				"Connect to the database where the transaction was prepared to finish it.",
				"prepared transaction belongs to another database")
		}
		g.lockingBackend = f.BackendID
		return g, nil
	}
	return nil, newError(CodeUndefinedObject, ErrGidNotFound, "",
		"prepared transaction with identifier %q does not exist", gid)
}

// MarkValid flips the slot to valid. It reports false if it already was.
func (p *Pool) MarkValid(g *GlobalXact) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g.valid {
		return false
	}
	g.valid = true
	return true
}

// MarkInvalid clears the valid flag of a slot being finished.
func (p *Pool) MarkInvalid(g *GlobalXact) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g.valid = false
}

// Unlock clears the slot's locking backend.
func (p *Pool) Unlock(g *GlobalXact) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g.lockingBackend = procarray.InvalidBackendID
}

// setPrepareLSNs records where the PREPARE record was written.
func (p *Pool) setPrepareLSNs(g *GlobalXact, begin, end wal.LSN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g.prepareBeginLSN = begin
	g.prepareLSN = end
}

// Release returns g to the freelist. It reports false if g was not active.
func (p *Pool) Release(g *GlobalXact) bool {
	p.mu.Lock()
	found := false
	for i, a := range p.active {
		if a == g {
			p.active = append(p.active[:i], p.active[i+1:]...)
			found = true
			break
		}
	}
	if found {
		g.lockingBackend = procarray.InvalidBackendID
		g.valid = false
		g.onFreeList = true
		g.nextFree = p.freeHead
		p.freeHead = g.index
	}
	p.mu.Unlock()

	p.cacheMu.Lock()
	if p.cachedSlot == g {
		p.cachedSlot = nil
		p.cachedXid = txid.InvalidTxID
	}
	p.cacheMu.Unlock()
	return found
}

// Snapshot copies every active slot, valid or not, in activation order.
func (p *Pool) Snapshot() []GxactInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]GxactInfo, 0, len(p.active))
	for _, g := range p.active {
		out = append(out, g.infoLocked())
	}
	return out
}
