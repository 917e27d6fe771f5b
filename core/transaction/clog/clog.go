/*
Package clog records the final status of every transaction id.

Each transaction takes 2 bits in a page, so the location of a status can be computed
from the id alone. Pages live in memory; the checkpointer hands the dirty ones to a
PageStore and startup loads them back, after which WAL replay re-applies every commit
and abort written since that checkpoint.
*/
package clog

import (
	"fmt"
	"sync"

	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"go.uber.org/zap"
)

// Status is the 2-bit status of a transaction.
type Status byte

const (
	StatusInProgress   Status = 0x00
	StatusCommitted    Status = 0x01
	StatusAborted      Status = 0x02
	StatusSubCommitted Status = 0x03
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in-progress"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	case StatusSubCommitted:
		return "sub-committed"
	default:
		return fmt.Sprintf("Status(%d)", byte(s))
	}
}

const (
	PageSize = 8192

	statusBits   = 2
	xactsPerByte = 4
	xactsPerPage = PageSize * xactsPerByte
)

func pageNumber(xid txid.TxID) uint32 {
	return uint32(xid) / xactsPerPage
}

func byteOffset(xid txid.TxID) int {
	return int(uint32(xid)%xactsPerPage) / xactsPerByte
}

func bitShift(xid txid.TxID) uint {
	return uint(6 - (uint32(xid)%xactsPerByte)*statusBits)
}

// PageStore persists commit-log pages. controlfile.ControlFile implements it.
type PageStore interface {
	WritePages(pages map[uint32][]byte) error
	LoadPages() (map[uint32][]byte, error)
}

// CommitLog is the in-memory commit log.
type CommitLog struct {
	mu     sync.RWMutex
	pages  map[uint32][]byte
	dirty  map[uint32]struct{}
	logger *zap.Logger
}

// New returns an empty commit log.
func New(logger *zap.Logger) *CommitLog {
	return &CommitLog{
		pages:  make(map[uint32][]byte),
		dirty:  make(map[uint32]struct{}),
		logger: logger,
	}
}

// Load replaces the in-memory pages with the ones found in store.
func (c *CommitLog) Load(store PageStore) error {
	pages, err := store.LoadPages()
	if err != nil {
		return fmt.Errorf("failed to load clog pages: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages = make(map[uint32][]byte, len(pages))
	for pageno, data := range pages {
		page := make([]byte, PageSize)
		copy(page, data)
		c.pages[pageno] = page
	}
	c.dirty = make(map[uint32]struct{})
	c.logger.Info("clog pages loaded", zap.Int("pages", len(pages)))
	return nil
}

// Flush writes every page dirtied since the last Flush to store.
func (c *CommitLog) Flush(store PageStore) error {
	c.mu.Lock()
	out := make(map[uint32][]byte, len(c.dirty))
	for pageno := range c.dirty {
		out[pageno] = append([]byte(nil), c.pages[pageno]...)
	}
	c.dirty = make(map[uint32]struct{})
	c.mu.Unlock()

	if err := store.WritePages(out); err != nil {
		// put the pages back so the next checkpoint retries them
		c.mu.Lock()
		for pageno := range out {
			c.dirty[pageno] = struct{}{}
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to flush clog pages: %w", err)
	}
	return nil
}

// Status returns the recorded status of xid.
func (c *CommitLog) Status(xid txid.TxID) Status {
	if !xid.IsNormal() {
		if xid == txid.BootstrapTxID || xid == txid.FrozenTxID {
			return StatusCommitted
		}
		return StatusAborted
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	page, ok := c.pages[pageNumber(xid)]
	if !ok {
		return StatusInProgress
	}
	return Status((page[byteOffset(xid)] >> bitShift(xid)) & 0x03)
}

// DidCommit reports whether xid is recorded as committed.
func (c *CommitLog) DidCommit(xid txid.TxID) bool {
	return c.Status(xid) == StatusCommitted
}

// DidAbort reports whether xid is recorded as aborted.
func (c *CommitLog) DidAbort(xid txid.TxID) bool {
	return c.Status(xid) == StatusAborted
}

// SetTreeStatus records status for xid and then for each of its children.
// Only StatusCommitted and StatusAborted are accepted.
func (c *CommitLog) SetTreeStatus(xid txid.TxID, children []txid.TxID, status Status) error {
	if status != StatusCommitted && status != StatusAborted {
		return fmt.Errorf("clog: cannot set tree status %s", status)
	}
	if !xid.IsNormal() {
		return fmt.Errorf("clog: cannot set status of non-normal xid %d", xid)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(xid, status)
	for _, child := range children {
		c.setLocked(child, status)
	}
	return nil
}

// SetSubCommitted marks children as sub-committed before their parent is resolved.
func (c *CommitLog) SetSubCommitted(children []txid.TxID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, child := range children {
		c.setLocked(child, StatusSubCommitted)
	}
}

func (c *CommitLog) setLocked(xid txid.TxID, status Status) {
	pageno := pageNumber(xid)
	page, ok := c.pages[pageno]
	if !ok {
		page = make([]byte, PageSize)
		c.pages[pageno] = page
	}
	off, shift := byteOffset(xid), bitShift(xid)
	page[off] = page[off]&^(0x03<<shift) | byte(status)<<shift
	c.dirty[pageno] = struct{}{}
}
