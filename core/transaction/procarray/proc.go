package procarray

import (
	"sync/atomic"

	"github.com/sushant-115/gxactdb/core/transaction/txid"
)

// BackendID identifies a session slot. Prepared transactions get synthetic ids above
// MaxBackends.
type BackendID int32

const InvalidBackendID BackendID = -1

// MaxCachedSubxids is the number of child xids a proc caches before it overflows.
const MaxCachedSubxids = 64

// Proc is the per-session (or per prepared transaction) entry of the ProcArray.
// Fields other than inCommit are guarded by the owning ProcArray's lock once the proc
// has been added.
type Proc struct {
	BackendID  BackendID
	DatabaseID uint32
	RoleID     uint32

	xid        txid.TxID
	xmin       txid.TxID
	subxids    []txid.TxID
	overflowed bool

	inCommit atomic.Bool
}

// NewProc returns an idle proc.
func NewProc(backendID BackendID, databaseID, roleID uint32) *Proc {
	return &Proc{BackendID: backendID, DatabaseID: databaseID, RoleID: roleID}
}

// InCommit reports whether the proc is between writing a commit-critical WAL record and
// making it durable. Checkpoints wait for these procs.
func (p *Proc) InCommit() bool {
	return p.inCommit.Load()
}

// SetInCommit sets the in-commit flag.
func (p *Proc) SetInCommit(v bool) {
	p.inCommit.Store(v)
}

// Reset puts a proc back into the idle state. It must only be used on procs that are not
// in any ProcArray, such as the dummy proc of a prepared transaction being recreated.
func (p *Proc) Reset(xid txid.TxID, databaseID, roleID uint32) {
	p.xid = xid
	p.xmin = txid.InvalidTxID
	p.subxids = p.subxids[:0]
	p.overflowed = false
	p.DatabaseID = databaseID
	p.RoleID = roleID
	p.inCommit.Store(false)
}

// LoadSubxids installs children into the subxid cache, marking the cache overflowed
// when there are more than MaxCachedSubxids. Must be called before the proc is added.
func (p *Proc) LoadSubxids(children []txid.TxID) {
	n := len(children)
	if n > MaxCachedSubxids {
		n = MaxCachedSubxids
		p.overflowed = true
	}
	p.subxids = append(p.subxids[:0], children[:n]...)
}

// Xid returns the top-level xid. Callers outside the ProcArray must hold a snapshot of
// their own proc or call ProcArray.Xid.
func (p *Proc) Xid() txid.TxID {
	return p.xid
}

// Subxids returns a copy of the cached children and the overflow flag.
func (p *Proc) Subxids() ([]txid.TxID, bool) {
	return append([]txid.TxID(nil), p.subxids...), p.overflowed
}
