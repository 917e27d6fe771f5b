// Package checkpoint writes checkpoints: it picks a redo point, persists the commit log
// and the list of prepared transactions, and recycles WAL that nothing needs anymore.
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gxactdb/core/storage/controlfile"
	"github.com/sushant-115/gxactdb/core/transaction/clog"
	"github.com/sushant-115/gxactdb/core/transaction/procarray"
	"github.com/sushant-115/gxactdb/core/transaction/subtrans"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PreparedSource reports the prepared transactions a checkpoint must carry.
type PreparedSource interface {
	// CheckpointTwoPhase returns the prepared transactions whose PREPARE record begins
	// before redo, and the oldest PREPARE begin LSN of any prepared transaction
	// (InvalidLSN if there is none).
	CheckpointTwoPhase(redo wal.LSN) ([]PreparedXact, wal.LSN)
}

// Config holds the checkpointer settings.
type Config struct {
	// Interval between automatic checkpoints. Zero disables them.
	Interval time.Duration `yaml:"interval"`
	// MinSpacing is the least time between two checkpoints, requested or automatic.
	MinSpacing time.Duration `yaml:"min_spacing"`
}

// DefaultConfig returns the default checkpointer settings.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, MinSpacing: time.Second}
}

// Deps are the services a checkpoint touches.
type Deps struct {
	Lock     *MirroredLock
	WAL      *wal.LogManager
	Procs    *procarray.ProcArray
	Clog     *clog.CommitLog
	Subtrans *subtrans.SubTrans
	Txids    *txid.Manager
	Control  *controlfile.ControlFile
	Prepared PreparedSource
}

// Result describes a completed checkpoint.
type Result struct {
	LSN             wal.LSN
	Redo            wal.LSN
	MinPreserve     wal.LSN
	Prepared        int
	RemovedSegments int
	Duration        time.Duration
}

// Option customises a Checkpointer.
type Option func(*Checkpointer)

// WithDurationHistogram records each checkpoint's latency in milliseconds.
func WithDurationHistogram(h metric.Int64Histogram) Option {
	return func(c *Checkpointer) { c.duration = h }
}

// Checkpointer creates checkpoints on demand and on a timer.
type Checkpointer struct {
	cfg      Config
	deps     Deps
	limiter  *rate.Limiter
	duration metric.Int64Histogram
	logger   *zap.Logger

	mu       sync.Mutex // serializes checkpoints
	requests chan struct{}
	last     Result
}

// New returns a Checkpointer.
func New(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) *Checkpointer {
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = DefaultConfig().MinSpacing
	}
	c := &Checkpointer{
		cfg:      cfg,
		deps:     deps,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		logger:   logger.Named("checkpointer"),
		requests: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Last returns the most recent checkpoint written by this Checkpointer.
func (c *Checkpointer) Last() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Create writes a checkpoint now.
func (c *Checkpointer) Create(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := time.Now()
	d := c.deps

	// The redo point must not fall inside a commit-critical section: sessions hold the
	// mirrored lock shared from WAL insertion until the record is flushed and visible.
	d.Lock.Lock()
	redo := d.WAL.InsertLSN()
	inCommit := d.Procs.GetTransactionsInCommit()
	d.Lock.Unlock()

	for d.Procs.HaveTransactionsInCommit(inCommit) {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := d.Clog.Flush(d.Control); err != nil {
		return Result{}, fmt.Errorf("failed to flush commit log: %w", err)
	}

	prepared, minPreserve := d.Prepared.CheckpointTwoPhase(redo)
	payload := Payload{Redo: redo, NextXid: d.Txids.Next(), Prepared: prepared}
	record := &wal.LogRecord{Type: wal.LogRecordTypeCheckpoint, Data: payload.Marshal()}
	lsn, end, err := d.WAL.Insert(record)
	if err != nil {
		return Result{}, fmt.Errorf("failed to insert checkpoint record: %w", err)
	}
	if err := d.WAL.Flush(end); err != nil {
		return Result{}, fmt.Errorf("failed to flush checkpoint record: %w", err)
	}
	if err := d.Control.WriteCheckpoint(controlfile.Checkpoint{
		LSN:     uint64(lsn),
		Redo:    uint64(redo),
		NextXid: uint32(payload.NextXid),
	}); err != nil {
		return Result{}, fmt.Errorf("failed to update control file: %w", err)
	}

	keep := redo
	if minPreserve != wal.InvalidLSN && minPreserve < keep {
		keep = minPreserve
	}
	removed, err := d.WAL.RemoveSegmentsBefore(keep)
	if err != nil {
		c.logger.Warn("failed to recycle WAL segments", zap.Uint64("keep", uint64(keep)), zap.Error(err))
	}

	if d.Subtrans != nil {
		oldest := d.Procs.OldestXmin()
		if !oldest.IsValid() {
			oldest = payload.NextXid
		}
		d.Subtrans.Truncate(oldest)
	}

	res := Result{
		LSN:             lsn,
		Redo:            redo,
		MinPreserve:     minPreserve,
		Prepared:        len(prepared),
		RemovedSegments: removed,
		Duration:        time.Since(start),
	}
	c.last = res
	if c.duration != nil {
		c.duration.Record(ctx, res.Duration.Milliseconds())
	}
	c.logger.Info("checkpoint complete",
		zap.Uint64("lsn", uint64(lsn)),
		zap.Uint64("redo", uint64(redo)),
		zap.Uint64("minPreserve", uint64(minPreserve)),
		zap.Int("prepared", len(prepared)),
		zap.Int("removedSegments", removed),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// Request asks the background loop for a checkpoint without waiting for it.
func (c *Checkpointer) Request() {
	select {
	case c.requests <- struct{}{}:
	default:
	}
}

// Run creates checkpoints on the configured interval and on request until ctx is done.
func (c *Checkpointer) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if c.cfg.Interval > 0 {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case <-c.requests:
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		if _, err := c.Create(ctx); err != nil {
			c.logger.Error("checkpoint failed", zap.Error(err))
		}
	}
}
