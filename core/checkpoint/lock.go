package checkpoint

import "sync"

// MirroredLock orders commit-critical WAL writes against checkpoints. Sessions writing a
// PREPARE, COMMIT PREPARED or ABORT PREPARED record hold it shared from insertion until
// the record is durable and visible; a checkpoint takes it exclusively while it picks
// its redo point.
type MirroredLock struct {
	mu sync.RWMutex
}

// LockShared is taken by a session entering a commit-critical section.
func (l *MirroredLock) LockShared() { l.mu.RLock() }

// UnlockShared leaves a commit-critical section.
func (l *MirroredLock) UnlockShared() { l.mu.RUnlock() }

// Lock is taken by the checkpointer.
func (l *MirroredLock) Lock() { l.mu.Lock() }

// Unlock releases the checkpointer's hold.
func (l *MirroredLock) Unlock() { l.mu.Unlock() }
