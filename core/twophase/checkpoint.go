package twophase

import (
	"github.com/sushant-115/gxactdb/core/checkpoint"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
)

const initialPreparedListSize = 10

// preparedList accumulates the checkpoint's prepared transactions, doubling its backing
// array when it fills up.
type preparedList struct {
	items []checkpoint.PreparedXact
	n     int
}

func (l *preparedList) add(px checkpoint.PreparedXact) {
	if l.items == nil {
		l.items = make([]checkpoint.PreparedXact, initialPreparedListSize)
	}
	if l.n == len(l.items) {
		grown := make([]checkpoint.PreparedXact, 2*len(l.items))
		copy(grown, l.items)
		l.items = grown
	}
	l.items[l.n] = px
	l.n++
}

func (l *preparedList) list() []checkpoint.PreparedXact {
	return l.items[:l.n]
}

// CheckpointTwoPhase returns the prepared transactions a checkpoint with the given redo
// point must carry, those whose PREPARE record precedes redo, and the begin LSN of the
// oldest PREPARE record of any prepared transaction. WAL from that LSN on must be kept.
// No files need syncing: prepared state lives in the WAL only.
func (c *Coordinator) CheckpointTwoPhase(redo wal.LSN) ([]checkpoint.PreparedXact, wal.LSN) {
	var list preparedList
	oldest := wal.InvalidLSN

	c.pool.mu.RLock()
	defer c.pool.mu.RUnlock()
	for _, g := range c.pool.active {
		if !g.valid {
			continue
		}
		if oldest == wal.InvalidLSN || g.prepareBeginLSN < oldest {
			oldest = g.prepareBeginLSN
		}
		if redo == wal.InvalidLSN || g.prepareBeginLSN < redo {
			list.add(checkpoint.PreparedXact{Xid: g.xid, BeginLSN: g.prepareBeginLSN})
		}
	}
	return list.list(), oldest
}

// MinPreserveLSN returns the begin LSN of the oldest PREPARE record still needed.
func (c *Coordinator) MinPreserveLSN() wal.LSN {
	_, oldest := c.CheckpointTwoPhase(wal.InvalidLSN)
	return oldest
}
