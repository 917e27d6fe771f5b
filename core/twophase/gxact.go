package twophase

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sushant-115/gxactdb/core/transaction/procarray"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
)

// State is the lifecycle state of a GlobalXact slot.
type State int

const (
	StateFree      State = iota // on the freelist, never used
	StateReserved               // MarkAsPreparing done, PREPARE record not yet durable
	StatePrepared               // valid and unlocked
	StateFinishing              // valid and locked by a backend finishing it
	StateReleased               // back on the freelist after holding a transaction
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateReserved:
		return "reserved"
	case StatePrepared:
		return "prepared"
	case StateFinishing:
		return "finishing"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// DistribInfo is the distributed identity encoded in a gid of the form
// "<timestamp>-<xid>".
type DistribInfo struct {
	Timestamp uint32
	Xid       uint32
}

// String formats d as a gid.
func (d DistribInfo) String() string {
	return fmt.Sprintf("%d-%d", d.Timestamp, d.Xid)
}

// CrackGid parses a distributed gid. ok is false when gid is not in the
// "<timestamp>-<xid>" form, as for gids chosen by utility sessions.
func CrackGid(gid string) (d DistribInfo, ok bool) {
	ts, dxid, found := strings.Cut(gid, "-")
	if !found {
		return DistribInfo{}, false
	}
	t, err := strconv.ParseUint(ts, 10, 32)
	if err != nil {
		return DistribInfo{}, false
	}
	x, err := strconv.ParseUint(dxid, 10, 32)
	if err != nil {
		return DistribInfo{}, false
	}
	return DistribInfo{Timestamp: uint32(t), Xid: uint32(x)}, true
}

// GlobalXact is one prepared transaction slot. The fields after proc are guarded by the
// owning pool's StateLock.
type GlobalXact struct {
	pool           *Pool
	index          int
	dummyBackendID procarray.BackendID
	proc           *procarray.Proc

	nextFree   int
	onFreeList bool
	used       bool

	xid             txid.TxID
	gid             string
	owner           uint32
	databaseID      uint32
	preparedAt      time.Time
	prepareBeginLSN wal.LSN
	prepareLSN      wal.LSN
	lockingBackend  procarray.BackendID
	valid           bool
	subxids         []txid.TxID
	overflowed      bool
	distrib         DistribInfo
	intents         int
}

// GxactInfo is a point-in-time copy of a GlobalXact.
type GxactInfo struct {
	Xid                   txid.TxID
	Gid                   string
	Owner                 uint32
	DatabaseID            uint32
	PreparedAt            time.Time
	PrepareBeginLSN       wal.LSN
	PrepareLSN            wal.LSN
	LockingBackend        procarray.BackendID
	Valid                 bool
	Subxids               []txid.TxID
	Overflowed            bool
	DummyBackendID        procarray.BackendID
	Distrib               DistribInfo
	AppendOnlyIntentCount int
	State                 State
}

func (g *GlobalXact) stateLocked() State {
	switch {
	case g.onFreeList && g.used:
		return StateReleased
	case g.onFreeList:
		return StateFree
	case !g.valid:
		return StateReserved
	case g.lockingBackend != procarray.InvalidBackendID:
		return StateFinishing
	default:
		return StatePrepared
	}
}

func (g *GlobalXact) infoLocked() GxactInfo {
	return GxactInfo{
		Xid:                   g.xid,
		Gid:                   g.gid,
		Owner:                 g.owner,
		DatabaseID:            g.databaseID,
		PreparedAt:            g.preparedAt,
		PrepareBeginLSN:       g.prepareBeginLSN,
		PrepareLSN:            g.prepareLSN,
		LockingBackend:        g.lockingBackend,
		Valid:                 g.valid,
		Subxids:               append([]txid.TxID(nil), g.subxids...),
		Overflowed:            g.overflowed,
		DummyBackendID:        g.dummyBackendID,
		Distrib:               g.distrib,
		AppendOnlyIntentCount: g.intents,
		State:                 g.stateLocked(),
	}
}

// State returns the slot's lifecycle state.
func (g *GlobalXact) State() State {
	g.pool.mu.RLock()
	defer g.pool.mu.RUnlock()
	return g.stateLocked()
}

// Info returns a copy of the slot.
func (g *GlobalXact) Info() GxactInfo {
	g.pool.mu.RLock()
	defer g.pool.mu.RUnlock()
	return g.infoLocked()
}

func (g *GlobalXact) Xid() txid.TxID {
	g.pool.mu.RLock()
	defer g.pool.mu.RUnlock()
	return g.xid
}

func (g *GlobalXact) Gid() string {
	g.pool.mu.RLock()
	defer g.pool.mu.RUnlock()
	return g.gid
}

func (g *GlobalXact) Valid() bool {
	g.pool.mu.RLock()
	defer g.pool.mu.RUnlock()
	return g.valid
}

func (g *GlobalXact) PrepareBeginLSN() wal.LSN {
	g.pool.mu.RLock()
	defer g.pool.mu.RUnlock()
	return g.prepareBeginLSN
}

// AppendOnlyIntentCount returns the number of outstanding append-only commit intents.
func (g *GlobalXact) AppendOnlyIntentCount() int {
	g.pool.mu.RLock()
	defer g.pool.mu.RUnlock()
	return g.intents
}

// DummyBackendID is the synthetic backend id of the slot's dummy proc.
func (g *GlobalXact) DummyBackendID() procarray.BackendID {
	return g.dummyBackendID
}

// Proc returns the dummy proc that keeps the transaction visible as running.
func (g *GlobalXact) Proc() *procarray.Proc {
	return g.proc
}

// loadSubxids is GXactLoadSubxactData: it fills the subxid cache of the slot and its dummy
// proc. The proc must not yet be in the ProcArray.
func (g *GlobalXact) loadSubxids(children []txid.TxID) {
	g.proc.LoadSubxids(children)
	n := len(children)
	overflowed := false
	if n > procarray.MaxCachedSubxids {
		n = procarray.MaxCachedSubxids
		overflowed = true
	}
	g.pool.mu.Lock()
	defer g.pool.mu.Unlock()
	g.subxids = append(g.subxids[:0], children[:n]...)
	g.overflowed = overflowed
}
