// Package syncrep lets committing sessions wait until a standby has made their WAL
// durable.
package syncrep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gxactdb/core/write_engine/wal"
	"go.uber.org/zap"
)

// Mode selects whether commits wait for the standby.
type Mode string

const (
	ModeOff Mode = "off"
	ModeOn  Mode = "on"
)

var ErrWaitTimeout = errors.New("timed out waiting for synchronous replication")

// Config holds the synchronous replication settings.
type Config struct {
	Mode Mode `yaml:"mode"`
	// Timeout bounds a single wait. Zero waits until the context is done.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns synchronous replication switched off.
func DefaultConfig() Config {
	return Config{Mode: ModeOff}
}

// Validate checks the mode.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeOff, ModeOn, "":
		return nil
	default:
		return fmt.Errorf("invalid sync replication mode %q", c.Mode)
	}
}

// Waiter tracks the LSN the standby has acknowledged and wakes sessions waiting on it.
type Waiter struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	acked  wal.LSN
	notify chan struct{}
}

// New returns a Waiter. A nil *Waiter is also valid and never waits.
func New(cfg Config, logger *zap.Logger) *Waiter {
	if cfg.Mode == "" {
		cfg.Mode = ModeOff
	}
	return &Waiter{
		cfg:    cfg,
		logger: logger.Named("syncrep"),
		notify: make(chan struct{}),
	}
}

// Enabled reports whether commits wait for the standby.
func (w *Waiter) Enabled() bool {
	return w != nil && w.cfg.Mode == ModeOn
}

// AckedLSN returns the highest LSN the standby has acknowledged.
func (w *Waiter) AckedLSN() wal.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.acked
}

// Release records that the standby has flushed everything before lsn and wakes waiters.
func (w *Waiter) Release(lsn wal.LSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if lsn <= w.acked {
		return
	}
	w.acked = lsn
	close(w.notify)
	w.notify = make(chan struct{})
}

// WaitForLSN blocks until the standby has acknowledged lsn. It returns immediately when
// synchronous replication is off.
func (w *Waiter) WaitForLSN(ctx context.Context, lsn wal.LSN) error {
	if !w.Enabled() {
		return nil
	}
	var timeout <-chan time.Time
	if w.cfg.Timeout > 0 {
		timer := time.NewTimer(w.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		w.mu.Lock()
		if w.acked >= lsn {
			w.mu.Unlock()
			return nil
		}
		ch := w.notify
		w.mu.Unlock()

		select {
		case <-ch:
		case <-timeout:
			w.logger.Warn("synchronous replication wait timed out", zap.Uint64("lsn", uint64(lsn)), zap.Uint64("acked", uint64(w.AckedLSN())))
			return fmt.Errorf("%w: lsn %d", ErrWaitTimeout, lsn)
		case <-ctx.Done():
			w.logger.Warn("canceling wait for synchronous replication", zap.Uint64("lsn", uint64(lsn)), zap.Error(ctx.Err()))
			return ctx.Err()
		}
	}
}
