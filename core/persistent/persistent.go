// Package persistent tracks the storage files a transaction creates or drops, so the
// file-level work can be deferred until the transaction's outcome is known.
package persistent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"go.uber.org/zap"
)

// Action says when a file is removed.
type Action uint8

const (
	// DropOnCommit removes the file when the transaction commits (DROP TABLE).
	DropOnCommit Action = 1
	// DropOnAbort removes the file when the transaction aborts (CREATE TABLE).
	DropOnAbort Action = 2
)

func (a Action) String() string {
	switch a {
	case DropOnCommit:
		return "drop-on-commit"
	case DropOnAbort:
		return "drop-on-abort"
	default:
		return "unknown"
	}
}

var (
	ErrTruncated      = errors.New("persistent object list is truncated")
	ErrInvalidAction  = errors.New("invalid persistent object action")
	ErrTooManyObjects = errors.New("too many persistent objects")
)

// MaxObjects is the largest object count a prepare record can describe.
const MaxObjects = 1<<15 - 1

// Object is one relation segment file and the action to take on it.
type Object struct {
	Action      Action
	Tablespace  uint32
	Database    uint32
	RelFileNode uint32
	Segment     uint32
}

// Path returns the object's location relative to the data directory.
func (o Object) Path() string {
	name := fmt.Sprintf("%d", o.RelFileNode)
	if o.Segment > 0 {
		name = fmt.Sprintf("%d.%d", o.RelFileNode, o.Segment)
	}
	return filepath.Join("base", fmt.Sprintf("%d", o.Tablespace), fmt.Sprintf("%d", o.Database), name)
}

// objectSize is the encoded size of one Object.
const objectSize = 1 + 4*4

// Serialize encodes objects. The count is reported separately by ObjectCount.
func Serialize(objects []Object) ([]byte, error) {
	if len(objects) > MaxObjects {
		return nil, fmt.Errorf("%w: %d", ErrTooManyObjects, len(objects))
	}
	buf := make([]byte, 0, len(objects)*objectSize)
	for _, o := range objects {
		if o.Action != DropOnCommit && o.Action != DropOnAbort {
			return nil, fmt.Errorf("%w: %d", ErrInvalidAction, o.Action)
		}
		buf = append(buf, byte(o.Action))
		buf = binary.LittleEndian.AppendUint32(buf, o.Tablespace)
		buf = binary.LittleEndian.AppendUint32(buf, o.Database)
		buf = binary.LittleEndian.AppendUint32(buf, o.RelFileNode)
		buf = binary.LittleEndian.AppendUint32(buf, o.Segment)
	}
	return buf, nil
}

// SerializedLen returns the number of bytes Serialize produces for count objects.
func SerializedLen(count int) int {
	return count * objectSize
}

// Deserialize decodes count objects from the front of data and returns them with the
// number of bytes consumed.
func Deserialize(data []byte, count int) ([]Object, int, error) {
	need := SerializedLen(count)
	if count < 0 || len(data) < need {
		return nil, 0, fmt.Errorf("%w: need %d bytes for %d objects, have %d", ErrTruncated, need, count, len(data))
	}
	objects := make([]Object, count)
	off := 0
	for i := range objects {
		o := &objects[i]
		o.Action = Action(data[off])
		if o.Action != DropOnCommit && o.Action != DropOnAbort {
			return nil, 0, fmt.Errorf("%w: %d at object %d", ErrInvalidAction, o.Action, i)
		}
		o.Tablespace = binary.LittleEndian.Uint32(data[off+1:])
		o.Database = binary.LittleEndian.Uint32(data[off+5:])
		o.RelFileNode = binary.LittleEndian.Uint32(data[off+9:])
		o.Segment = binary.LittleEndian.Uint32(data[off+13:])
		off += objectSize
	}
	return objects, off, nil
}

// ObjectCount returns how many objects of action are in objects.
func ObjectCount(objects []Object, action Action) int {
	n := 0
	for _, o := range objects {
		if o.Action == action {
			n++
		}
	}
	return n
}

// Dropper removes object files.
type Dropper interface {
	Drop(o Object) error
}

// FileDropper removes object files below a data directory. Missing files are ignored so
// that redo can repeat a drop.
type FileDropper struct {
	Dir string
}

// Drop removes o's file.
func (d FileDropper) Drop(o Object) error {
	path := filepath.Join(d.Dir, o.Path())
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// AppendOnlyResolver completes or discards the append-only commit work a prepared
// transaction announced: intents units of work, committed when commit is true.
type AppendOnlyResolver interface {
	ResolveAppendOnly(xid txid.TxID, intents int, commit bool) error
}

// AppendOnlyStats counts the append-only intents resolved so far, by outcome.
type AppendOnlyStats struct {
	Committed int64
	Aborted   int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithAppendOnlyResolver hands resolved append-only intents to r.
func WithAppendOnlyResolver(r AppendOnlyResolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// Manager holds the pending object list of every running transaction and applies the
// end-of-transaction actions.
type Manager struct {
	dropper  Dropper
	resolver AppendOnlyResolver
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[txid.TxID][]Object
	aoStats AppendOnlyStats
}

// NewManager returns a Manager that removes files through dropper.
func NewManager(dropper Dropper, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		dropper: dropper,
		logger:  logger.Named("persistent"),
		pending: make(map[txid.TxID][]Object),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AppendOnlyStats returns the resolved intent totals.
func (m *Manager) AppendOnlyStats() AppendOnlyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aoStats
}

// Schedule records that xid created or dropped o.
func (m *Manager) Schedule(xid txid.TxID, o Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[xid] = append(m.pending[xid], o)
}

// Pending returns a copy of xid's object list.
func (m *Manager) Pending(xid txid.TxID) []Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Object(nil), m.pending[xid]...)
}

// Forget drops xid's list once it has been written into a prepare record or the
// transaction is gone.
func (m *Manager) Forget(xid txid.TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, xid)
}

// EndXactAction removes the files that the outcome makes obsolete: drop-on-commit
// objects when commit is true, drop-on-abort objects otherwise. intents is the number of
// append-only commit intents outstanding for the transaction; that many units of
// append-only work are committed or rolled back with it.
// The first error is returned after every object has been tried.
func (m *Manager) EndXactAction(xid txid.TxID, objects []Object, commit bool, intents int) error {
	want := DropOnAbort
	if commit {
		want = DropOnCommit
	}
	var firstErr error
	dropped := 0
	for _, o := range objects {
		if o.Action != want {
			continue
		}
		if err := m.dropper.Drop(o); err != nil {
			m.logger.Warn("failed to drop persistent object",
				zap.Uint32("xid", uint32(xid)), zap.String("path", o.Path()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		dropped++
	}
	if err := m.resolveAppendOnly(xid, intents, commit); err != nil && firstErr == nil {
		firstErr = err
	}
	m.Forget(xid)
	m.logger.Debug("end of transaction persistent action",
		zap.Uint32("xid", uint32(xid)),
		zap.Bool("commit", commit),
		zap.Int("dropped", dropped),
		zap.Int("appendOnlyIntents", intents))
	return firstErr
}

func (m *Manager) resolveAppendOnly(xid txid.TxID, intents int, commit bool) error {
	if intents <= 0 {
		return nil
	}
	if m.resolver != nil {
		if err := m.resolver.ResolveAppendOnly(xid, intents, commit); err != nil {
			m.logger.Warn("failed to resolve append-only commit work",
				zap.Uint32("xid", uint32(xid)), zap.Int("intents", intents), zap.Error(err))
			return fmt.Errorf("failed to resolve %d append-only intents of %d: %w", intents, xid, err)
		}
	}
	m.mu.Lock()
	if commit {
		m.aoStats.Committed += int64(intents)
	} else {
		m.aoStats.Aborted += int64(intents)
	}
	m.mu.Unlock()
	return nil
}
