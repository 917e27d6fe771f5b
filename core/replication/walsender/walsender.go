// Package walsender ships durable WAL records to a standby and reports the standby's
// flush position back to synchronous replication waiters.
package walsender

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sushant-115/gxactdb/core/write_engine/wal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Standby receives framed batches of WAL records.
type Standby interface {
	// Write stores one batch and makes it durable before returning.
	Write(ctx context.Context, batch []byte) error
	Close() error
}

// Acker receives the standby's flush position.
type Acker interface {
	Release(lsn wal.LSN)
}

// Config holds the sender settings.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// StandbyDir is where the file standby keeps its copy of the log.
	StandbyDir       string        `yaml:"standby_dir"`
	MaxBatchBytes    int           `yaml:"max_batch_bytes"`
	MaxBatchMessages int           `yaml:"max_batch_messages"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	// BatchesPerSecond throttles writes to the standby. Zero means unlimited.
	BatchesPerSecond float64 `yaml:"batches_per_second"`
}

// DefaultConfig returns the default sender settings.
func DefaultConfig() Config {
	return Config{
		MaxBatchBytes:    64 * 1024,
		MaxBatchMessages: 256,
		FlushInterval:    50 * time.Millisecond,
	}
}

// Sender streams records from a LogManager to a Standby.
type Sender struct {
	cfg     Config
	log     *wal.LogManager
	standby Standby
	acker   Acker
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	sentLSN wal.LSN
}

// New returns a Sender. acker may be nil.
func New(cfg Config, lm *wal.LogManager, standby Standby, acker Acker, logger *zap.Logger) *Sender {
	def := DefaultConfig()
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = def.MaxBatchBytes
	}
	if cfg.MaxBatchMessages <= 0 {
		cfg.MaxBatchMessages = def.MaxBatchMessages
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	limit := rate.Inf
	if cfg.BatchesPerSecond > 0 {
		limit = rate.Limit(cfg.BatchesPerSecond)
	}
	return &Sender{
		cfg:     cfg,
		log:     lm,
		standby: standby,
		acker:   acker,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("walsender"),
	}
}

// SentLSN returns the end of the last batch the standby made durable.
func (s *Sender) SentLSN() wal.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentLSN
}

type batch struct {
	data   []byte
	endLSN wal.LSN
	count  int
}

// Run streams from start until ctx is done or the log is closed. One goroutine reads
// and batches records; another writes batches to the standby and acknowledges them.
func (s *Sender) Run(ctx context.Context, start wal.LSN) error {
	stream, err := s.log.StartLogStream(ctx, start)
	if err != nil {
		return fmt.Errorf("failed to start log stream: %w", err)
	}
	s.logger.Info("starting WAL sender", zap.Uint64("from", uint64(start)))

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan batch, 4)

	g.Go(func() error {
		defer close(batches)
		return s.batchLoop(gctx, stream, batches)
	})
	g.Go(func() error {
		return s.writeLoop(gctx, batches)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.logger.Info("WAL sender stopped", zap.Uint64("sentLSN", uint64(s.SentLSN())), zap.Error(err))
	return err
}

// batchLoop coalesces records into length-prefixed batches bounded by size, count and time.
func (s *Sender) batchLoop(ctx context.Context, stream <-chan *wal.LogRecord, out chan<- batch) error {
	var buf bytes.Buffer
	var cur batch
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	emit := func() error {
		if cur.count == 0 {
			return nil
		}
		cur.data = append([]byte(nil), buf.Bytes()...)
		select {
		case out <- cur:
		case <-ctx.Done():
			return ctx.Err()
		}
		buf.Reset()
		cur = batch{}
		return nil
	}

	for {
		select {
		case lr, ok := <-stream:
			if !ok {
				return emit()
			}
			serialized, err := lr.Serialize()
			if err != nil {
				return fmt.Errorf("failed to serialize record at %d: %w", lr.LSN, err)
			}
			var lenBytes [4]byte
			binary.LittleEndian.PutUint32(lenBytes[:], uint32(len(serialized)))
			buf.Write(lenBytes[:])
			buf.Write(serialized)
			cur.count++
			cur.endLSN = lr.EndLSN()
			if buf.Len() >= s.cfg.MaxBatchBytes || cur.count >= s.cfg.MaxBatchMessages {
				if err := emit(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := emit(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Sender) writeLoop(ctx context.Context, in <-chan batch) error {
	for b := range in {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.standby.Write(ctx, b.data); err != nil {
			return fmt.Errorf("failed to send batch ending at %d: %w", b.endLSN, err)
		}
		s.mu.Lock()
		s.sentLSN = b.endLSN
		s.mu.Unlock()
		if s.acker != nil {
			s.acker.Release(b.endLSN)
		}
		s.logger.Debug("standby flushed batch", zap.Int("records", b.count), zap.Uint64("endLSN", uint64(b.endLSN)))
	}
	return nil
}

// FileStandby appends batches to a local file and fsyncs each one.
type FileStandby struct {
	mu   sync.Mutex
	file *os.File
}

// OpenFileStandby opens (or creates) the standby log in dir.
func OpenFileStandby(dir string) (*FileStandby, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create standby directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "standby.wal"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open standby log: %w", err)
	}
	return &FileStandby{file: f}, nil
}

// Write appends batch and syncs it.
func (fs *FileStandby) Write(_ context.Context, batch []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.file.Write(batch); err != nil {
		return err
	}
	return fs.file.Sync()
}

// Close closes the standby file.
func (fs *FileStandby) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}

// ReadFrames decodes the length-prefixed records a FileStandby wrote.
func ReadFrames(data []byte) ([]*wal.LogRecord, error) {
	var records []*wal.LogRecord
	for len(data) > 0 {
		if len(data) < 4 {
			return records, fmt.Errorf("truncated frame header")
		}
		n := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+n {
			return records, fmt.Errorf("truncated frame of %d bytes", n)
		}
		lr := &wal.LogRecord{}
		if err := lr.Deserialize(data[4 : 4+n]); err != nil {
			return records, err
		}
		records = append(records, lr)
		data = data[4+n:]
	}
	return records, nil
}
