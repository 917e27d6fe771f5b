// Package engine assembles a gxactdb node: it opens the control file and the log, redoes
// the log from the last checkpoint, rebuilds the prepared transactions, and runs the
// checkpointer and the WAL sender until it is shut down.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sushant-115/gxactdb/core/checkpoint"
	"github.com/sushant-115/gxactdb/core/persistent"
	"github.com/sushant-115/gxactdb/core/replication/syncrep"
	"github.com/sushant-115/gxactdb/core/replication/walsender"
	"github.com/sushant-115/gxactdb/core/storage/controlfile"
	"github.com/sushant-115/gxactdb/core/transaction"
	"github.com/sushant-115/gxactdb/core/transaction/clog"
	"github.com/sushant-115/gxactdb/core/transaction/procarray"
	"github.com/sushant-115/gxactdb/core/transaction/subtrans"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/twophase"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gxactdb/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrFailoverRequested = errors.New("primary fault reported, failover requested")
	ErrEngineClosed      = errors.New("engine is closed")
	ErrBadCheckpoint     = errors.New("control file points at an invalid checkpoint record")
)

// Config holds the settings of every engine component.
type Config struct {
	DataDir    string             `yaml:"data_dir"`
	Sessions   transaction.Config `yaml:"sessions"`
	TwoPhase   twophase.Config    `yaml:"two_phase"`
	WAL        wal.Config         `yaml:"wal"`
	Checkpoint checkpoint.Config  `yaml:"checkpoint"`
	SyncRep    syncrep.Config     `yaml:"sync_replication"`
	WALSender  walsender.Config   `yaml:"wal_sender"`
}

// DefaultConfig returns the default settings rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	sender := walsender.DefaultConfig()
	sender.StandbyDir = filepath.Join(dataDir, "standby")
	return Config{
		DataDir:    dataDir,
		Sessions:   transaction.DefaultConfig(),
		TwoPhase:   twophase.DefaultConfig(),
		WAL:        wal.DefaultConfig(dataDir),
		Checkpoint: checkpoint.DefaultConfig(),
		SyncRep:    syncrep.DefaultConfig(),
		WALSender:  sender,
	}
}

// ApplyDefaults fills the directories left empty from DataDir.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig(c.DataDir)
	if c.WAL.Dir == "" {
		c.WAL.Dir = def.WAL.Dir
	}
	if c.WAL.ArchiveDir == "" {
		c.WAL.ArchiveDir = def.WAL.ArchiveDir
	}
	if c.WALSender.StandbyDir == "" {
		c.WALSender.StandbyDir = def.WALSender.StandbyDir
	}
	if c.Sessions.MaxBackends <= 0 {
		c.Sessions.MaxBackends = def.Sessions.MaxBackends
	}
}

// Validate checks the settings that the components cannot check on their own.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if err := c.TwoPhase.Validate(); err != nil {
		return err
	}
	if err := c.SyncRep.Validate(); err != nil {
		return err
	}
	if c.SyncRep.Mode == syncrep.ModeOn && !c.WALSender.Enabled {
		return errors.New("sync_replication.mode=on requires wal_sender.enabled")
	}
	return nil
}

type options struct {
	metrics *internaltelemetry.TwoPhaseMetrics
	rmgrs   map[twophase.RmgrID]twophase.RmgrCallbacks
	dropper persistent.Dropper
	aoOpts  []persistent.Option
}

// Option customises Open.
type Option func(*options)

// WithMetrics records the coordinator, WAL and checkpoint metrics in m.
func WithMetrics(m *internaltelemetry.TwoPhaseMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithResourceManager registers the two-phase callbacks of a resource manager. Resource
// managers must be known before recovery runs, so they can only be added here.
func WithResourceManager(id twophase.RmgrID, cb twophase.RmgrCallbacks) Option {
	return func(o *options) {
		if o.rmgrs == nil {
			o.rmgrs = make(map[twophase.RmgrID]twophase.RmgrCallbacks)
		}
		o.rmgrs[id] = cb
	}
}

// WithDropper replaces the file dropper used for persistent objects.
func WithDropper(d persistent.Dropper) Option {
	return func(o *options) { o.dropper = d }
}

// WithAppendOnlyResolver hands the append-only intents of finished prepared
// transactions to r.
func WithAppendOnlyResolver(r persistent.AppendOnlyResolver) Option {
	return func(o *options) { o.aoOpts = append(o.aoOpts, persistent.WithAppendOnlyResolver(r)) }
}

// RecoveryStats describes what Open found in the log.
type RecoveryStats struct {
	FromCheckpoint bool
	CheckpointLSN  wal.LSN
	Redo           wal.LSN
	Records        int
	End            wal.LSN
	OldestPrepared txid.TxID
	Prepared       int
}

// Engine is one open data directory.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	control      *controlfile.ControlFile
	wal          *wal.LogManager
	clog         *clog.CommitLog
	subtrans     *subtrans.SubTrans
	procs        *procarray.ProcArray
	txids        *txid.Manager
	sessions     *transaction.Manager
	persist      *persistent.Manager
	syncrep      *syncrep.Waiter
	lock         *checkpoint.MirroredLock
	coord        *twophase.Coordinator
	checkpointer *checkpoint.Checkpointer
	standby      *walsender.FileStandby
	sender       *walsender.Sender

	recovery RecoveryStats
	sendFrom wal.LSN
	faults   chan error

	mu     sync.Mutex
	closed bool
}

// Open opens the data directory described by cfg and recovers it.
func Open(cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = internaltelemetry.NewNoopTwoPhaseMetrics()
	}
	if o.dropper == nil {
		o.dropper = persistent.FileDropper{Dir: cfg.DataDir}
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.Named("engine"),
		lock:   &checkpoint.MirroredLock{},
		faults: make(chan error, 1),
	}
	if err := e.open(o); err != nil {
		e.release()
		return nil, err
	}
	return e, nil
}

func (e *Engine) open(o options) error {
	cfg := e.cfg
	var err error

	e.control, err = controlfile.Open(cfg.DataDir, e.logger)
	if err != nil {
		return err
	}
	cp, err := e.control.ReadCheckpoint()
	hasCheckpoint := err == nil
	if err != nil && !errors.Is(err, controlfile.ErrNoCheckpoint) {
		return err
	}

	e.wal, err = wal.NewLogManager(cfg.WAL, e.logger, wal.WithBytesWrittenCounter(o.metrics.WALBytesWrittenCounter))
	if err != nil {
		return fmt.Errorf("failed to open WAL: %w", err)
	}

	e.clog = clog.New(e.logger)
	if err := e.clog.Load(e.control); err != nil {
		return fmt.Errorf("failed to load commit log: %w", err)
	}
	e.subtrans = subtrans.New()
	e.txids = txid.NewManager(txid.TxID(cp.NextXid))
	e.procs = procarray.New(cfg.Sessions.MaxBackends+cfg.TwoPhase.MaxPreparedXacts, e.logger)
	e.sessions = transaction.NewManager(cfg.Sessions, e.txids, e.procs, e.clog, e.subtrans, e.logger)
	e.persist = persistent.NewManager(o.dropper, e.logger, o.aoOpts...)
	e.syncrep = syncrep.New(cfg.SyncRep, e.logger)

	rmgrs := twophase.NewRegistry()
	for id, cb := range o.rmgrs {
		if err := rmgrs.Register(id, cb); err != nil {
			return err
		}
	}
	e.coord, err = twophase.NewCoordinator(cfg.TwoPhase, twophase.Deps{
		WAL:        e.wal,
		Clog:       e.clog,
		Subtrans:   e.subtrans,
		Procs:      e.procs,
		Txids:      e.txids,
		Sessions:   e.sessions,
		Lock:       e.lock,
		Persistent: e.persist,
		SyncRep:    e.syncrep,
		Rmgrs:      rmgrs,
		Faults:     e,
		Metrics:    o.metrics,
	}, e.logger)
	if err != nil {
		return err
	}

	e.checkpointer = checkpoint.New(cfg.Checkpoint, checkpoint.Deps{
		Lock:     e.lock,
		WAL:      e.wal,
		Procs:    e.procs,
		Clog:     e.clog,
		Subtrans: e.subtrans,
		Txids:    e.txids,
		Control:  e.control,
		Prepared: e.coord,
	}, e.logger, checkpoint.WithDurationHistogram(o.metrics.CheckpointLatencyHistogram))

	if err := e.recover(cp, hasCheckpoint); err != nil {
		return err
	}

	if cfg.WALSender.Enabled {
		e.standby, err = walsender.OpenFileStandby(cfg.WALSender.StandbyDir)
		if err != nil {
			return err
		}
		e.sender = walsender.New(cfg.WALSender, e.wal, e.standby, e.syncrep, e.logger)
		// Everything before the end of recovery was shipped by the previous run.
		e.sendFrom = e.wal.FlushedLSN()
	}
	return nil
}

// recover redoes the log from the checkpoint's redo point (or from the oldest segment on
// a fresh directory) and then recreates the prepared transactions.
func (e *Engine) recover(cp controlfile.Checkpoint, hasCheckpoint bool) error {
	stats := RecoveryStats{FromCheckpoint: hasCheckpoint}
	redo := wal.InvalidLSN
	if hasCheckpoint {
		stats.CheckpointLSN = wal.LSN(cp.LSN)
		lr, err := e.wal.ReadRecordAt(stats.CheckpointLSN)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
		}
		if lr.Type != wal.LogRecordTypeCheckpoint {
			return fmt.Errorf("%w: record at %d is %s", ErrBadCheckpoint, cp.LSN, lr.Type)
		}
		var payload checkpoint.Payload
		if err := payload.Unmarshal(lr.Data); err != nil {
			return fmt.Errorf("%w: %v", ErrBadCheckpoint, err)
		}
		if err := e.coord.SetupCheckpointPreparedTransactionList(payload.Prepared); err != nil {
			return err
		}
		redo = payload.Redo
	}
	stats.Redo = redo

	end, err := e.wal.Replay(redo, func(lr *wal.LogRecord) error {
		stats.Records++
		e.txids.AdvancePast(lr.Xid)
		switch lr.Type {
		case wal.LogRecordTypeXactPrepare:
			return e.coord.RedoPrepare(lr)
		case wal.LogRecordTypeXactCommitPrepared, wal.LogRecordTypeXactAbortPrepared:
			return e.coord.RedoFinishPrepared(lr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redo failed: %w", err)
	}
	stats.End = end

	stats.OldestPrepared, err = e.coord.PrescanPrepared()
	if err != nil {
		return fmt.Errorf("failed to scan prepared transactions: %w", err)
	}
	if err := e.coord.RecoverPrepared(); err != nil {
		return err
	}
	stats.Prepared = len(e.coord.PreparedTransactions())
	e.recovery = stats

	e.logger.Info("recovery complete",
		zap.Bool("fromCheckpoint", stats.FromCheckpoint),
		zap.Uint64("redo", uint64(stats.Redo)),
		zap.Uint64("end", uint64(stats.End)),
		zap.Int("records", stats.Records),
		zap.Uint32("nextXid", uint32(e.txids.Next())),
		zap.Uint32("oldestPrepared", uint32(stats.OldestPrepared)),
		zap.Int("prepared", stats.Prepared))
	return nil
}

// Recovery returns what Open replayed.
func (e *Engine) Recovery() RecoveryStats { return e.recovery }

// Coordinator returns the prepared transaction coordinator.
func (e *Engine) Coordinator() *twophase.Coordinator { return e.coord }

// Sessions returns the session manager.
func (e *Engine) Sessions() *transaction.Manager { return e.sessions }

// CommitLog returns the commit log.
func (e *Engine) CommitLog() *clog.CommitLog { return e.clog }

// Procs returns the proc array.
func (e *Engine) Procs() *procarray.ProcArray { return e.procs }

// Persistent returns the persistent object tracker.
func (e *Engine) Persistent() *persistent.Manager { return e.persist }

// WAL returns the log manager.
func (e *Engine) WAL() *wal.LogManager { return e.wal }

// Connect opens a session.
func (e *Engine) Connect(userID, databaseID uint32, opts ...transaction.SessionOption) (*transaction.Session, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	return e.sessions.Connect(userID, databaseID, opts...)
}

// Checkpoint writes a checkpoint now.
func (e *Engine) Checkpoint(ctx context.Context) (checkpoint.Result, error) {
	if e.isClosed() {
		return checkpoint.Result{}, ErrEngineClosed
	}
	return e.checkpointer.Create(ctx)
}

// RequestCheckpoint asks the background checkpointer for a checkpoint.
func (e *Engine) RequestCheckpoint() {
	e.checkpointer.Request()
}

// ReportPrimaryFault records that this node can no longer trust its log. Run returns
// ErrFailoverRequested once a fault is reported.
func (e *Engine) ReportPrimaryFault(reason string, err error) {
	e.logger.Error("primary fault reported", zap.String("reason", reason), zap.Error(err))
	select {
	case e.faults <- fmt.Errorf("%w: %s: %v", ErrFailoverRequested, reason, err):
	default:
	}
}

// Run drives the checkpointer and, when enabled, the WAL sender until ctx is done or a
// primary fault is reported.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.checkpointer.Run(gctx)
	})
	if e.sender != nil {
		g.Go(func() error {
			return e.sender.Run(gctx, e.sendFrom)
		})
	}
	g.Go(func() error {
		select {
		case err := <-e.faults:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}

// Close writes a shutdown checkpoint and closes the log and the control file.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var firstErr error
	if _, err := e.checkpointer.Create(context.Background()); err != nil {
		e.logger.Error("shutdown checkpoint failed", zap.Error(err))
		firstErr = err
	}
	if err := e.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("engine closed")
	return firstErr
}

// Crash drops everything not yet flushed and closes the files without a checkpoint.
func (e *Engine) Crash() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.wal.Abandon()
	_ = e.release()
	e.logger.Warn("engine crashed")
}

func (e *Engine) release() error {
	var firstErr error
	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			firstErr = err
		}
	}
	if e.standby != nil {
		if err := e.standby.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.control != nil {
		if err := e.control.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
