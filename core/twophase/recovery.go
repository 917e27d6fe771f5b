package twophase

import (
	"context"
	"fmt"

	"github.com/sushant-115/gxactdb/core/checkpoint"
	"github.com/sushant-115/gxactdb/core/transaction/clog"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
	"go.uber.org/zap"
)

// RecreateTwoPhaseFile records during redo that xid was prepared at lsn.
func (c *Coordinator) RecreateTwoPhaseFile(xid txid.TxID, lsn wal.LSN) error {
	return c.index.Add(xid, lsn)
}

// RemoveTwoPhaseFile forgets the PREPARE record of xid. A missing entry is only logged,
// and only when giveWarning is set.
func (c *Coordinator) RemoveTwoPhaseFile(xid txid.TxID, giveWarning bool) {
	if !c.index.Remove(xid) && giveWarning {
		c.logger.Warn("prepared transaction is not in the recovery map", zap.Uint32("xid", uint32(xid)))
	}
}

// SetupCheckpointPreparedTransactionList seeds the recovery map from the prepared
// transaction list of the checkpoint redo starts from.
func (c *Coordinator) SetupCheckpointPreparedTransactionList(entries []checkpoint.PreparedXact) error {
	for _, e := range entries {
		if err := c.RecreateTwoPhaseFile(e.Xid, e.BeginLSN); err != nil {
			return err
		}
	}
	return nil
}

// RedoPrepare replays a PREPARE record.
func (c *Coordinator) RedoPrepare(lr *wal.LogRecord) error {
	h, err := decodePrepareHeader(lr.Data)
	if err != nil {
		return fmt.Errorf("failed to replay prepare record at %d: %w", lr.LSN, err)
	}
	return c.RecreateTwoPhaseFile(h.Xid, lr.LSN)
}

// RedoFinishPrepared replays a COMMIT PREPARED or ABORT PREPARED record.
func (c *Coordinator) RedoFinishPrepared(lr *wal.LogRecord) error {
	commit := lr.Type == wal.LogRecordTypeXactCommitPrepared
	rec, err := ParseFinishRecord(lr.Data, commit)
	if err != nil {
		return fmt.Errorf("failed to replay %s record at %d: %w", lr.Type, lr.LSN, err)
	}
	status := clog.StatusAborted
	if commit {
		status = clog.StatusCommitted
	}
	if err := c.deps.Clog.SetTreeStatus(rec.Xid, rec.Subxids, status); err != nil {
		return fmt.Errorf("failed to replay %s of transaction %d: %w", lr.Type, rec.Xid, err)
	}
	if err := c.deps.Persistent.EndXactAction(rec.Xid, rec.Objects, commit, 0); err != nil {
		c.logger.Warn("failed to replay persistent object actions", zap.Uint32("xid", uint32(rec.Xid)), zap.Error(err))
	}
	c.RemoveTwoPhaseFile(rec.Xid, false)
	return nil
}

// PrescanPrepared returns the oldest xid that is still prepared, or the next xid if there
// is none, and advances the xid allocator past every child of a prepared transaction.
func (c *Coordinator) PrescanPrepared() (txid.TxID, error) {
	result := c.deps.Txids.Next()
	var scanErr error
	c.index.Range(func(xid txid.TxID, lsn wal.LSN) bool {
		rec, err := c.readPrepareRecord(xid, lsn, false)
		if err != nil {
			scanErr = err
			return false
		}
		if c.deps.Clog.DidCommit(xid) || c.deps.Clog.DidAbort(xid) {
			return true
		}
		if xid.Precedes(result) {
			result = xid
		}
		for _, sub := range rec.Subxids {
			c.deps.Txids.AdvancePast(sub)
		}
		return true
	})
	return result, scanErr
}

// RecoverPrepared recreates a prepared slot for every entry of the recovery map and
// hands each sub-record to its resource manager's Recover callback.
func (c *Coordinator) RecoverPrepared() error {
	var recoverErr error
	c.index.Range(func(xid txid.TxID, lsn wal.LSN) bool {
		rec, err := c.readPrepareRecord(xid, lsn, false)
		if err != nil {
			recoverErr = err
			return false
		}
		if c.deps.Clog.DidCommit(xid) || c.deps.Clog.DidAbort(xid) {
			c.logger.Warn("dropping finished transaction from the recovery map", zap.Uint32("xid", uint32(xid)))
			c.RemoveTwoPhaseFile(xid, false)
			return true
		}
		h := rec.Header
		c.logger.Info("recovering prepared transaction", zap.Uint32("xid", uint32(xid)), zap.String("gid", h.Gid))

		for _, sub := range rec.Subxids {
			c.deps.Subtrans.SetParent(sub, xid)
		}
		distrib, _ := CrackGid(h.Gid)
		g, err := c.markAsPreparing(startupBackendID, xid, h.Gid, distrib, h.PreparedAt, h.Owner, h.DatabaseID, lsn)
		if err != nil {
			recoverErr = fmt.Errorf("failed to recover prepared transaction %d: %w", xid, err)
			return false
		}
		g.loadSubxids(rec.Subxids)
		if err := c.MarkAsPrepared(g); err != nil {
			recoverErr = fmt.Errorf("failed to recover prepared transaction %d: %w", xid, err)
			return false
		}
		c.pool.Unlock(g)
		c.metrics.ActiveUpDownCounter.Add(context.Background(), 1)

		c.deps.Rmgrs.ProcessRecords(xid, rec.SubRecords, pickRecover)
		return true
	})
	return recoverErr
}
