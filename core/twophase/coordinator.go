// Package twophase coordinates prepared transactions: it reserves a slot for each
// PREPARE TRANSACTION, writes the PREPARE record, keeps the transaction visible as running
// after its session moves on, finishes it with COMMIT PREPARED or ROLLBACK PREPARED, and
// rebuilds the prepared set after a restart.
package twophase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/sushant-115/gxactdb/core/checkpoint"
	"github.com/sushant-115/gxactdb/core/persistent"
	"github.com/sushant-115/gxactdb/core/transaction"
	"github.com/sushant-115/gxactdb/core/transaction/clog"
	"github.com/sushant-115/gxactdb/core/transaction/procarray"
	"github.com/sushant-115/gxactdb/core/transaction/subtrans"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gxactdb/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/sushant-115/gxactdb/core/twophase"

// startupBackendID locks the slots recreated by RecoverPrepared until they are prepared.
const startupBackendID procarray.BackendID = 0

// WAL is the part of the log service the coordinator uses.
type WAL interface {
	Insert(record *wal.LogRecord) (wal.LSN, wal.LSN, error)
	Flush(upTo wal.LSN) error
	ReadRecordAt(lsn wal.LSN) (*wal.LogRecord, error)
	WakeSenders()
	MaxRecordSize() int
}

// PersistentStore tracks the files a transaction creates or drops.
type PersistentStore interface {
	Pending(xid txid.TxID) []persistent.Object
	Forget(xid txid.TxID)
	EndXactAction(xid txid.TxID, objects []persistent.Object, commit bool, intents int) error
}

// SyncWaiter blocks until a standby has acknowledged an LSN.
type SyncWaiter interface {
	WaitForLSN(ctx context.Context, lsn wal.LSN) error
}

// FaultReporter is told when the node can no longer trust its own log.
type FaultReporter interface {
	ReportPrimaryFault(reason string, err error)
}

type noSyncRep struct{}

func (noSyncRep) WaitForLSN(context.Context, wal.LSN) error { return nil }

// Deps are the services the coordinator drives.
type Deps struct {
	WAL        WAL
	Clog       *clog.CommitLog
	Subtrans   *subtrans.SubTrans
	Procs      *procarray.ProcArray
	Txids      *txid.Manager
	Sessions   *transaction.Manager
	Lock       *checkpoint.MirroredLock
	Persistent PersistentStore
	SyncRep    SyncWaiter
	Rmgrs      *Registry
	Faults     FaultReporter
	Metrics    *internaltelemetry.TwoPhaseMetrics
}

// Coordinator is the prepared transaction manager.
type Coordinator struct {
	cfg     Config
	deps    Deps
	pool    *Pool
	index   *PreparedXactIndex
	metrics *internaltelemetry.TwoPhaseMetrics
	tracer  trace.Tracer
	logger  *zap.Logger

	mu         sync.Mutex
	locked     map[*transaction.Session]*GlobalXact
	hooked     map[*transaction.Session]struct{}
	assemblers map[*transaction.Session]*RecordAssembler
}

// NewCoordinator builds the coordinator and installs its session abort hook. The
// resource manager registry is sealed.
func NewCoordinator(cfg Config, deps Deps, logger *zap.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReadFailurePolicy == "" {
		cfg.ReadFailurePolicy = ReadFailureFailover
	}
	if deps.WAL == nil || deps.Clog == nil || deps.Subtrans == nil || deps.Procs == nil ||
		deps.Txids == nil || deps.Sessions == nil || deps.Lock == nil || deps.Persistent == nil {
		return nil, errors.New("twophase: missing required dependency")
	}
	if deps.SyncRep == nil {
		deps.SyncRep = noSyncRep{}
	}
	if deps.Rmgrs == nil {
		deps.Rmgrs = NewRegistry()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = internaltelemetry.NewNoopTwoPhaseMetrics()
	}

	c := &Coordinator{
		cfg:        cfg,
		deps:       deps,
		pool:       NewPool(cfg.MaxPreparedXacts, deps.Sessions.MaxBackends()),
		index:      &PreparedXactIndex{},
		metrics:    metrics,
		tracer:     otel.Tracer(tracerName),
		logger:     logger.Named("twophase"),
		locked:     make(map[*transaction.Session]*GlobalXact),
		hooked:     make(map[*transaction.Session]struct{}),
		assemblers: make(map[*transaction.Session]*RecordAssembler),
	}
	deps.Rmgrs.seal()
	deps.Sessions.RegisterAbortHook(c.AtAbortTwoPhase)
	return c, nil
}

// Pool returns the slot pool.
func (c *Coordinator) Pool() *Pool { return c.pool }

// Index returns the recovery map of PREPARE record locations.
func (c *Coordinator) Index() *PreparedXactIndex { return c.index }

// Snapshot copies every active slot.
func (c *Coordinator) Snapshot() []GxactInfo { return c.pool.Snapshot() }

func (c *Coordinator) registerExitHook(sess *transaction.Session) {
	c.mu.Lock()
	if _, ok := c.hooked[sess]; ok {
		c.mu.Unlock()
		return
	}
	c.hooked[sess] = struct{}{}
	c.mu.Unlock()

	sess.RegisterExitHook(func() {
		c.AtAbortTwoPhase(sess)
		c.mu.Lock()
		delete(c.hooked, sess)
		c.mu.Unlock()
	})
}

func (c *Coordinator) setLocked(sess *transaction.Session, g *GlobalXact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked[sess] = g
}

func (c *Coordinator) takeLocked(sess *transaction.Session) *GlobalXact {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.locked[sess]
	delete(c.locked, sess)
	return g
}

// LockedBy returns the slot sess holds locked, if any.
func (c *Coordinator) LockedBy(sess *transaction.Session) *GlobalXact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked[sess]
}

func (c *Coordinator) assembler(sess *transaction.Session) *RecordAssembler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assemblers[sess]
}

// MarkAsPreparing reserves a slot for xid under gid and locks it for sess.
func (c *Coordinator) MarkAsPreparing(sess *transaction.Session, xid txid.TxID, gid string, distrib DistribInfo, preparedAt time.Time, owner, databaseID uint32) (*GlobalXact, error) {
	c.registerExitHook(sess)
	g, err := c.markAsPreparing(sess.BackendID, xid, gid, distrib, preparedAt, owner, databaseID, wal.InvalidLSN)
	if err != nil {
		return nil, err
	}
	c.setLocked(sess, g)
	return g, nil
}

func (c *Coordinator) markAsPreparing(caller procarray.BackendID, xid txid.TxID, gid string, distrib DistribInfo, preparedAt time.Time, owner, databaseID uint32, beginLSN wal.LSN) (*GlobalXact, error) {
	if len(gid) >= GidSize {
		return nil, newError(CodeInvalidParameterValue, ErrGidTooLong, "",
			"transaction identifier %q is too long (%d > %d max)", gid, len(gid), GidSize-1)
	}
	if !printableGid(gid) {
		return nil, newError(CodeInvalidParameterValue, ErrGidNotPrintable, "",
			"transaction identifier %q contains non-printable characters", gid)
	}
	return c.pool.Reserve(ReserveRequest{
		Xid:             xid,
		Gid:             gid,
		Owner:           owner,
		DatabaseID:      databaseID,
		PreparedAt:      preparedAt.Truncate(time.Microsecond),
		PrepareBeginLSN: beginLSN,
		Distrib:         distrib,
		Caller:          caller,
	})
}

// printableGid reports whether gid is valid UTF-8 made of printable characters. The
// PREPARE record stores the gid NUL-terminated, so a NUL would truncate it on recovery.
func printableGid(gid string) bool {
	if !utf8.ValidString(gid) {
		return false
	}
	for _, r := range gid {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// StartPrepare begins the PREPARE record of g: header, committed children and the
// persistent objects of the transaction.
func (c *Coordinator) StartPrepare(sess *transaction.Session, g *GlobalXact) error {
	info := g.Info()
	children := sess.CommittedChildren()
	objects := c.deps.Persistent.Pending(info.Xid)
	encoded, err := persistent.Serialize(objects)
	if err != nil {
		return fmt.Errorf("failed to serialize persistent objects of transaction %d: %w", info.Xid, err)
	}

	hdr := PrepareHeader{
		Magic:                 prepareMagic,
		Xid:                   info.Xid,
		DatabaseID:            info.DatabaseID,
		PreparedAt:            info.PreparedAt,
		Owner:                 info.Owner,
		NSubxacts:             int32(len(children)),
		PersistentObjectCount: int16(len(objects)),
		Gid:                   info.Gid,
	}
	asm := &RecordAssembler{}
	asm.Begin()
	asm.Append(hdr.encode())
	if len(children) > 0 {
		asm.Append(encodeXids(children))
	}
	g.loadSubxids(children)
	if len(encoded) > 0 {
		asm.Append(encoded)
	}

	c.mu.Lock()
	c.assemblers[sess] = asm
	c.mu.Unlock()
	return nil
}

// RegisterTwoPhaseRecord adds a resource manager sub-record to the PREPARE record sess is
// building.
func (c *Coordinator) RegisterTwoPhaseRecord(sess *transaction.Session, rmid RmgrID, info uint16, data []byte) error {
	if rmid >= MaxRmid {
		return fmt.Errorf("%w: %d", ErrInvalidRmid, rmid)
	}
	asm := c.assembler(sess)
	if asm == nil {
		return ErrNotPreparing
	}
	asm.RegisterSubRecord(rmid, info, data)
	return nil
}

// EndPrepare terminates the PREPARE record, writes and flushes it and makes g valid.
// Once the record is inserted nothing may fail; failures panic.
func (c *Coordinator) EndPrepare(ctx context.Context, sess *transaction.Session, g *GlobalXact) error {
	c.mu.Lock()
	asm := c.assemblers[sess]
	delete(c.assemblers, sess)
	c.mu.Unlock()
	if asm == nil {
		return ErrNotPreparing
	}

	asm.RegisterSubRecord(EndID, 0, nil)
	chain, total := asm.End()
	if total+crcSize > c.deps.WAL.MaxRecordSize() {
		return newError(CodeProgramLimitExceeded, ErrRecordTooLarge, "",
			"two-phase state file maximum length exceeded")
	}
	data := sealPrepareRecord(Flatten(chain, crcSize))

	info := g.Info()
	ctx, span := c.tracer.Start(ctx, "twophase.EndPrepare", trace.WithAttributes(
		attribute.String("gid", info.Gid),
		attribute.Int64("xid", int64(info.Xid)),
	))
	defer span.End()

	end := c.writePrepareRecord(sess, g, info, data)

	c.metrics.PreparedCounter.Add(ctx, 1)
	c.metrics.ActiveUpDownCounter.Add(ctx, 1)
	c.waitForSyncRep(ctx, end, info.Xid)
	return nil
}

func (c *Coordinator) writePrepareRecord(sess *transaction.Session, g *GlobalXact, info GxactInfo, data []byte) wal.LSN {
	c.deps.Lock.LockShared()
	defer c.deps.Lock.UnlockShared()
	sess.Proc.SetInCommit(true)
	defer sess.Proc.SetInCommit(false)

	fields := []zap.Field{zap.String("gid", info.Gid), zap.Uint32("xid", uint32(info.Xid))}
	begin, end, err := c.deps.WAL.Insert(&wal.LogRecord{Xid: info.Xid, Type: wal.LogRecordTypeXactPrepare, Data: data})
	if err != nil {
		c.logger.Panic("failed to insert prepare record", append(fields, zap.Error(err))...)
	}
	c.pool.setPrepareLSNs(g, begin, end)
	if err := c.index.Add(info.Xid, begin); err != nil {
		c.logger.Panic("failed to record prepared transaction", append(fields, zap.Error(err))...)
	}
	if err := c.deps.WAL.Flush(end); err != nil {
		c.logger.Panic("failed to flush prepare record", append(fields, zap.Error(err))...)
	}
	c.deps.WAL.WakeSenders()

	if c.cfg.DebugPanicAfterPrepare {
		c.logger.Panic("raise an error as directed by debug_panic_after_prepare", fields...)
	}

	if err := c.MarkAsPrepared(g); err != nil {
		c.logger.Panic("failed to mark transaction prepared", append(fields, zap.Error(err))...)
	}
	c.setLocked(sess, g)
	return end
}

// MarkAsPrepared makes g valid and puts its dummy proc into the ProcArray.
func (c *Coordinator) MarkAsPrepared(g *GlobalXact) error {
	if !c.pool.MarkValid(g) {
		return fmt.Errorf("prepared transaction %d is already marked prepared", g.Xid())
	}
	return c.deps.Procs.Add(g.proc)
}

// PostPrepare drops the session's lock on the transaction it just prepared.
func (c *Coordinator) PostPrepare(sess *transaction.Session) {
	if g := c.takeLocked(sess); g != nil {
		c.pool.Unlock(g)
	}
}

// PrepareTransaction runs PREPARE TRANSACTION gid for the transaction sess is running.
// On failure the session's transaction is aborted.
func (c *Coordinator) PrepareTransaction(ctx context.Context, sess *transaction.Session, gid string) (*GlobalXact, error) {
	if sess.State() != transaction.TxnStateRunning {
		return nil, newError(CodeObjectNotInPrereqState, ErrNoTransaction, "",
			"there is no transaction in progress")
	}
	for sess.OpenSubtransactions() > 0 {
		if err := sess.ReleaseSubtransaction(); err != nil {
			c.abortPrepare(sess)
			return nil, err
		}
	}

	xid := sess.Xid()
	distrib, _ := CrackGid(gid)
	g, err := c.MarkAsPreparing(sess, xid, gid, distrib, time.Now(), sess.UserID, sess.DatabaseID)
	if err != nil {
		c.abortPrepare(sess)
		return nil, err
	}
	if err := c.StartPrepare(sess, g); err != nil {
		c.abortPrepare(sess)
		return nil, err
	}
	if asm := c.assembler(sess); asm != nil {
		if err := c.deps.Rmgrs.atPrepare(xid, asm); err != nil {
			c.abortPrepare(sess)
			return nil, err
		}
	}
	if err := c.EndPrepare(ctx, sess, g); err != nil {
		c.abortPrepare(sess)
		return nil, err
	}

	sess.HandOffPrepared()
	c.deps.Persistent.Forget(xid)
	c.PostPrepare(sess)
	c.logger.Info("prepared transaction", zap.String("gid", gid), zap.Uint32("xid", uint32(xid)))
	return g, nil
}

func (c *Coordinator) abortPrepare(sess *transaction.Session) {
	xid := sess.Xid()
	sess.Abort()
	if !xid.IsValid() {
		return
	}
	objects := c.deps.Persistent.Pending(xid)
	if err := c.deps.Persistent.EndXactAction(xid, objects, false, 0); err != nil {
		c.logger.Error("failed to drop files of aborted transaction", zap.Uint32("xid", uint32(xid)), zap.Error(err))
	}
}

// AtAbortTwoPhase runs on every session abort and on session exit. A slot the session
// reserved but never prepared is released; a prepared slot it was finishing is only
// unlocked. Calling it again is a no-op.
func (c *Coordinator) AtAbortTwoPhase(sess *transaction.Session) {
	c.mu.Lock()
	delete(c.assemblers, sess)
	g := c.locked[sess]
	delete(c.locked, sess)
	c.mu.Unlock()
	if g == nil {
		return
	}

	if !g.Valid() {
		c.pool.Release(g)
		c.logger.Debug("released unprepared transaction slot", zap.Uint32("xid", uint32(g.Xid())))
		return
	}
	c.pool.Unlock(g)
}

// TwoPhaseGetDummyProc returns the dummy proc of the prepared transaction xid.
func (c *Coordinator) TwoPhaseGetDummyProc(xid txid.TxID) (*procarray.Proc, error) {
	g := c.pool.LookupByXid(xid)
	if g == nil {
		return nil, fmt.Errorf("%w: %d", ErrXidNotPrepared, xid)
	}
	return g.proc, nil
}

// TwoPhaseGetDummyBackendID returns the synthetic backend id of the prepared transaction xid.
func (c *Coordinator) TwoPhaseGetDummyBackendID(xid txid.TxID) (procarray.BackendID, error) {
	g := c.pool.LookupByXid(xid)
	if g == nil {
		return procarray.InvalidBackendID, fmt.Errorf("%w: %d", ErrXidNotPrepared, xid)
	}
	return g.dummyBackendID, nil
}

func (c *Coordinator) waitForSyncRep(ctx context.Context, lsn wal.LSN, xid txid.TxID) {
	if err := c.deps.SyncRep.WaitForLSN(ctx, lsn); err != nil {
		c.logger.Warn("synchronous replication wait did not complete",
			zap.Uint32("xid", uint32(xid)), zap.Uint64("lsn", uint64(lsn)), zap.Error(err))
	}
}
