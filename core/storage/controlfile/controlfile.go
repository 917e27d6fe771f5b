// Package controlfile keeps the small amount of durable state that must survive a restart
// outside the WAL: the location of the last checkpoint, the next transaction id at that
// checkpoint, and the commit-log pages written by the checkpointer.
//
// The state lives in a bolt file behind the raft.StableStore interface, so any stable
// store (including an in-memory one in tests) can be plugged in.
package controlfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

const (
	keyCheckpointLSN  = "checkpoint_lsn"
	keyCheckpointRedo = "checkpoint_redo"
	keyNextXid        = "next_xid"
	keyClogPages      = "clog_pages"
	clogPagePrefix    = "clog/"

	// FileName is the bolt file created inside the data directory.
	FileName = "control.db"
)

var ErrNoCheckpoint = errors.New("control file has no checkpoint")

// Checkpoint is the state recorded by the most recent completed checkpoint.
type Checkpoint struct {
	// LSN is the position of the checkpoint record itself.
	LSN uint64
	// Redo is the position replay must start from.
	Redo uint64
	// NextXid is the transaction id counter captured by the checkpoint.
	NextXid uint32
}

// ControlFile wraps a raft.StableStore.
type ControlFile struct {
	mu     sync.Mutex
	store  raft.StableStore
	closer func() error
	logger *zap.Logger
}

// Open opens (or creates) the bolt-backed control file in dir.
func Open(dir string, logger *zap.Logger) (*ControlFile, error) {
	path := filepath.Join(dir, FileName)
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open control file %s: %w", path, err)
	}
	logger.Info("control file opened", zap.String("path", path))
	return &ControlFile{store: store, closer: store.Close, logger: logger}, nil
}

// New wraps an existing stable store. The caller owns the store's lifecycle.
func New(store raft.StableStore, logger *zap.Logger) *ControlFile {
	return &ControlFile{store: store, logger: logger}
}

// Close releases the underlying store when it was opened by Open.
func (cf *ControlFile) Close() error {
	if cf.closer == nil {
		return nil
	}
	return cf.closer()
}

// ReadCheckpoint returns the last checkpoint, or ErrNoCheckpoint for a fresh data directory.
func (cf *ControlFile) ReadCheckpoint() (Checkpoint, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	lsn, err := cf.store.GetUint64([]byte(keyCheckpointLSN))
	if err != nil {
		if isNotFound(err) {
			return Checkpoint{}, ErrNoCheckpoint
		}
		return Checkpoint{}, fmt.Errorf("failed to read checkpoint location: %w", err)
	}
	if lsn == 0 {
		return Checkpoint{}, ErrNoCheckpoint
	}
	redo, err := cf.store.GetUint64([]byte(keyCheckpointRedo))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read checkpoint redo location: %w", err)
	}
	nextXid, err := cf.store.GetUint64([]byte(keyNextXid))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read next xid: %w", err)
	}
	return Checkpoint{LSN: lsn, Redo: redo, NextXid: uint32(nextXid)}, nil
}

// WriteCheckpoint records a completed checkpoint. The redo location is written before
// the checkpoint location, so a torn update still points at a consistent pair.
func (cf *ControlFile) WriteCheckpoint(cp Checkpoint) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	if err := cf.store.SetUint64([]byte(keyNextXid), uint64(cp.NextXid)); err != nil {
		return fmt.Errorf("failed to write next xid: %w", err)
	}
	if err := cf.store.SetUint64([]byte(keyCheckpointRedo), cp.Redo); err != nil {
		return fmt.Errorf("failed to write checkpoint redo location: %w", err)
	}
	if err := cf.store.SetUint64([]byte(keyCheckpointLSN), cp.LSN); err != nil {
		return fmt.Errorf("failed to write checkpoint location: %w", err)
	}
	cf.logger.Debug("checkpoint recorded in control file",
		zap.Uint64("lsn", cp.LSN), zap.Uint64("redo", cp.Redo), zap.Uint32("nextXid", cp.NextXid))
	return nil
}

// WritePages stores commit-log pages keyed by page number and records the set of known
// page numbers so LoadPages can find them again.
func (cf *ControlFile) WritePages(pages map[uint32][]byte) error {
	if len(pages) == 0 {
		return nil
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()

	known, err := cf.pageNumbersLocked()
	if err != nil {
		return err
	}
	for pageno, data := range pages {
		if err := cf.store.Set(pageKey(pageno), data); err != nil {
			return fmt.Errorf("failed to write clog page %d: %w", pageno, err)
		}
		known[pageno] = struct{}{}
	}

	buf := make([]byte, 0, 4*len(known))
	for pageno := range known {
		buf = binary.LittleEndian.AppendUint32(buf, pageno)
	}
	if err := cf.store.Set([]byte(keyClogPages), buf); err != nil {
		return fmt.Errorf("failed to write clog page directory: %w", err)
	}
	return nil
}

// LoadPages returns every commit-log page previously stored with WritePages.
func (cf *ControlFile) LoadPages() (map[uint32][]byte, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()

	known, err := cf.pageNumbersLocked()
	if err != nil {
		return nil, err
	}
	pages := make(map[uint32][]byte, len(known))
	for pageno := range known {
		data, err := cf.store.Get(pageKey(pageno))
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read clog page %d: %w", pageno, err)
		}
		pages[pageno] = data
	}
	return pages, nil
}

func (cf *ControlFile) pageNumbersLocked() (map[uint32]struct{}, error) {
	known := make(map[uint32]struct{})
	raw, err := cf.store.Get([]byte(keyClogPages))
	if err != nil {
		if isNotFound(err) {
			return known, nil
		}
		return nil, fmt.Errorf("failed to read clog page directory: %w", err)
	}
	for len(raw) >= 4 {
		known[binary.LittleEndian.Uint32(raw)] = struct{}{}
		raw = raw[4:]
	}
	return known, nil
}

func pageKey(pageno uint32) []byte {
	return []byte(fmt.Sprintf("%s%08x", clogPagePrefix, pageno))
}

// isNotFound matches the "not found" errors returned by the bolt store and by
// raft.InmemStore, neither of which export a common sentinel.
func isNotFound(err error) bool {
	if errors.Is(err, raftboltdb.ErrKeyNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "not found")
}
