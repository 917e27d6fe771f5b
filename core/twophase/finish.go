package twophase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sushant-115/gxactdb/core/persistent"
	"github.com/sushant-115/gxactdb/core/transaction"
	"github.com/sushant-115/gxactdb/core/transaction/clog"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func finisherOf(sess *transaction.Session) Finisher {
	return Finisher{
		BackendID:   sess.BackendID,
		UserID:      sess.UserID,
		DatabaseID:  sess.DatabaseID,
		Superuser:   sess.Superuser,
		AnyDatabase: sess.Role == transaction.RoleExecute,
	}
}

// LockGXact locks the prepared transaction gid for sess. With raiseIfMissing false a
// missing gid yields (nil, nil).
func (c *Coordinator) LockGXact(sess *transaction.Session, gid string, raiseIfMissing bool) (*GlobalXact, error) {
	c.registerExitHook(sess)
	g, err := c.pool.AcquireForFinish(gid, finisherOf(sess))
	if err != nil {
		if !raiseIfMissing && errors.Is(err, ErrGidNotFound) {
			return nil, nil
		}
		return nil, err
	}
	c.setLocked(sess, g)
	return g, nil
}

// FinishPrepared runs COMMIT PREPARED (isCommit) or ROLLBACK PREPARED for gid. It reports
// false without error when gid does not exist and raiseIfMissing is false.
func (c *Coordinator) FinishPrepared(ctx context.Context, sess *transaction.Session, gid string, isCommit, raiseIfMissing bool) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "twophase.FinishPrepared", trace.WithAttributes(
		attribute.String("gid", gid),
		attribute.Bool("commit", isCommit),
	))
	defer span.End()
	start := time.Now()

	g, err := c.LockGXact(sess, gid, raiseIfMissing)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if g == nil {
		return false, nil
	}

	info := g.Info()
	rec, err := c.readPrepareRecord(info.Xid, info.PrepareBeginLSN, true)
	if err == nil && rec.Header.Xid != info.Xid {
		err = newError(CodeDataCorrupted, ErrCorruptRecord, "",
			"prepare record at %d belongs to transaction %d, expected %d", info.PrepareBeginLSN, rec.Header.Xid, info.Xid)
	}
	if err != nil {
		c.AtAbortTwoPhase(sess)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	c.endPrepared(ctx, sess, g, info, rec, isCommit)

	attrs := metric.WithAttributes(attribute.Bool("commit", isCommit))
	if isCommit {
		c.metrics.CommittedCounter.Add(ctx, 1)
	} else {
		c.metrics.AbortedCounter.Add(ctx, 1)
	}
	c.metrics.ActiveUpDownCounter.Add(ctx, -1)
	c.metrics.FinishLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
	c.logger.Info("finished prepared transaction",
		zap.String("gid", gid), zap.Uint32("xid", uint32(info.Xid)), zap.Bool("commit", isCommit))
	return true, nil
}

// endPrepared is the critical part of FinishPrepared. After the COMMIT or ABORT PREPARED
// record is durable, cleanup failures are only logged.
func (c *Coordinator) endPrepared(ctx context.Context, sess *transaction.Session, g *GlobalXact, info GxactInfo, rec *PrepareRecord, isCommit bool) {
	xid := info.Xid
	latest := txid.Latest(xid, rec.Subxids)

	c.deps.Lock.LockShared()
	defer c.deps.Lock.UnlockShared()
	sess.Proc.SetInCommit(true)
	defer sess.Proc.SetInCommit(false)
	g.proc.SetInCommit(true)
	defer g.proc.SetInCommit(false)

	if isCommit {
		c.RecordCommitPrepared(ctx, xid, info.Gid, rec.Subxids, rec.Objects)
	} else {
		c.RecordAbortPrepared(ctx, xid, rec.Subxids, rec.Objects)
	}

	intents := g.AppendOnlyIntentCount()
	if err := c.deps.Procs.Remove(g.proc, latest); err != nil {
		c.logger.Error("failed to remove prepared transaction from proc array", zap.Uint32("xid", uint32(xid)), zap.Error(err))
	}
	c.pool.MarkInvalid(g)

	if err := c.deps.Persistent.EndXactAction(xid, rec.Objects, isCommit, intents); err != nil {
		c.logger.Error("failed to apply persistent object actions", zap.Uint32("xid", uint32(xid)), zap.Error(err))
	}
	if isCommit {
		c.deps.Rmgrs.ProcessRecords(xid, rec.SubRecords, pickPostCommit)
	} else {
		c.deps.Rmgrs.ProcessRecords(xid, rec.SubRecords, pickPostAbort)
	}

	c.RemoveTwoPhaseFile(xid, true)
	c.pool.Release(g)
	c.mu.Lock()
	if c.locked[sess] == g {
		delete(c.locked, sess)
	}
	c.mu.Unlock()
}

func objectsFor(objects []persistent.Object, action persistent.Action) []persistent.Object {
	var out []persistent.Object
	for _, o := range objects {
		if o.Action == action {
			out = append(out, o)
		}
	}
	return out
}

// RecordCommitPrepared writes and flushes the COMMIT PREPARED record of xid, marks the
// transaction tree committed and waits for synchronous replication. Failures panic.
func (c *Coordinator) RecordCommitPrepared(ctx context.Context, xid txid.TxID, gid string, subxids []txid.TxID, objects []persistent.Object) wal.LSN {
	distrib, _ := CrackGid(gid)
	rec := &FinishRecord{
		Commit:  true,
		Xid:     xid,
		Distrib: distrib,
		Time:    time.Now(),
		Objects: objectsFor(objects, persistent.DropOnCommit),
		Subxids: subxids,
	}
	end := c.writeFinishRecord(rec, wal.LogRecordTypeXactCommitPrepared)
	if err := c.deps.Clog.SetTreeStatus(xid, subxids, clog.StatusCommitted); err != nil {
		c.logger.Panic("failed to record commit", zap.Uint32("xid", uint32(xid)), zap.Error(err))
	}
	c.waitForSyncRep(ctx, end, xid)
	return end
}

// RecordAbortPrepared writes and flushes the ABORT PREPARED record of xid and marks the
// transaction tree aborted. Aborting a committed transaction panics.
func (c *Coordinator) RecordAbortPrepared(ctx context.Context, xid txid.TxID, subxids []txid.TxID, objects []persistent.Object) wal.LSN {
	if c.deps.Clog.DidCommit(xid) {
		c.logger.Panic(fmt.Sprintf("cannot abort transaction %d, it was already committed", xid))
	}
	rec := &FinishRecord{
		Xid:     xid,
		Time:    time.Now(),
		Objects: objectsFor(objects, persistent.DropOnAbort),
		Subxids: subxids,
	}
	end := c.writeFinishRecord(rec, wal.LogRecordTypeXactAbortPrepared)
	if err := c.deps.Clog.SetTreeStatus(xid, subxids, clog.StatusAborted); err != nil {
		c.logger.Panic("failed to record abort", zap.Uint32("xid", uint32(xid)), zap.Error(err))
	}
	c.waitForSyncRep(ctx, end, xid)
	return end
}

func (c *Coordinator) writeFinishRecord(rec *FinishRecord, typ wal.LogRecordType) wal.LSN {
	fields := []zap.Field{zap.Uint32("xid", uint32(rec.Xid)), zap.Stringer("type", typ)}
	data, err := rec.Marshal()
	if err != nil {
		c.logger.Panic("failed to encode finish record", append(fields, zap.Error(err))...)
	}
	_, end, err := c.deps.WAL.Insert(&wal.LogRecord{Xid: rec.Xid, Type: typ, Data: data})
	if err != nil {
		c.logger.Panic("failed to insert finish record", append(fields, zap.Error(err))...)
	}
	if err := c.deps.WAL.Flush(end); err != nil {
		c.logger.Panic("failed to flush finish record", append(fields, zap.Error(err))...)
	}
	c.deps.WAL.WakeSenders()
	return end
}

// readPrepareRecord reads back the PREPARE record of xid. When applyPolicy is set, a
// failure is handled according to the configured ReadFailurePolicy.
func (c *Coordinator) readPrepareRecord(xid txid.TxID, lsn wal.LSN, applyPolicy bool) (*PrepareRecord, error) {
	rec, err := c.loadPrepareRecord(lsn)
	if err == nil {
		return rec, nil
	}
	if applyPolicy && c.cfg.ReadFailurePolicy == ReadFailureFailover {
		c.logger.Warn("primary failure, xlog record is invalid, failover requested",
			zap.Uint32("xid", uint32(xid)), zap.Uint64("lsn", uint64(lsn)), zap.Error(err))
		if c.deps.Faults != nil {
			c.deps.Faults.ReportPrimaryFault("prepare record is invalid", err)
		}
	}
	return nil, newError(CodeDataCorrupted, fmt.Errorf("%w: %w", ErrCorruptRecord, err), "",
		"xlog record at %d for transaction %d is invalid", lsn, xid)
}

func (c *Coordinator) loadPrepareRecord(lsn wal.LSN) (*PrepareRecord, error) {
	lr, err := c.deps.WAL.ReadRecordAt(lsn)
	if err != nil {
		return nil, err
	}
	if lr.Type != wal.LogRecordTypeXactPrepare {
		return nil, fmt.Errorf("record at %d is a %s record", lsn, lr.Type)
	}
	return ParsePrepareRecord(lr.Data)
}
