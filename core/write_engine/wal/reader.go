package wal

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ReadRecordAt returns the record that begins at lsn. Records still sitting in the
// in-memory buffer are written to the OS first so they can be read back.
func (lm *LogManager) ReadRecordAt(lsn LSN) (*LogRecord, error) {
	if lm.cache != nil {
		if data, ok := lm.cache.Get(uint64(lsn)); ok {
			var lr LogRecord
			if err := lr.Deserialize(data); err == nil && lr.LSN == lsn {
				return &lr, nil
			}
		}
	}

	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil, ErrLogManagerClosed
	}
	if lsn >= lm.writtenLSN && lsn < lm.insertLSN {
		if err := lm.flushInternal(); err != nil {
			lm.mu.Unlock()
			return nil, err
		}
	}
	seg, ok := lm.segmentForLocked(lsn)
	lm.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrLSNOutOfRange, lsn)
	}

	data, err := readRecordFromFile(seg, lsn)
	if err != nil {
		return nil, err
	}
	var lr LogRecord
	if err := lr.Deserialize(data); err != nil {
		return nil, fmt.Errorf("failed to decode record at %d: %w", lsn, err)
	}
	if lr.LSN != lsn {
		return nil, fmt.Errorf("%w: record at %d claims lsn %d", ErrInvalidRecord, lsn, lr.LSN)
	}
	if lm.cache != nil {
		lm.cache.Set(uint64(lsn), data, int64(len(data)))
	}
	return &lr, nil
}

// nextRecordLSN returns the LSN of the record following one that ends at end, skipping a
// segment header when end is the start of the next segment. ok is false at the end of
// the written log.
func (lm *LogManager) nextRecordLSN(end LSN) (LSN, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for _, seg := range lm.segments {
		if end < seg.startLSN {
			break
		}
		if end == seg.startLSN {
			end += segmentHeaderSize
		}
		if end >= seg.startLSN && end < seg.endLSN() {
			return end, true
		}
	}
	return end, false
}

// Replay calls fn for every durable record starting at from, in LSN order. InvalidLSN
// replays from the oldest retained record. Returning ErrStopReplay from fn stops the
// replay without error.
func (lm *LogManager) Replay(from LSN, fn func(*LogRecord) error) (LSN, error) {
	if err := lm.Flush(InvalidLSN); err != nil {
		return InvalidLSN, err
	}
	if from == InvalidLSN {
		from = lm.OldestLSN()
	}
	end := lm.FlushedLSN()
	lsn, ok := lm.nextRecordLSN(from)
	count := 0
	for ok && lsn < end {
		lr, err := lm.ReadRecordAt(lsn)
		if err != nil {
			return lsn, fmt.Errorf("replay failed at %d: %w", lsn, err)
		}
		if err := fn(lr); err != nil {
			if errors.Is(err, ErrStopReplay) {
				return lr.EndLSN(), nil
			}
			return lsn, err
		}
		count++
		lsn, ok = lm.nextRecordLSN(lr.EndLSN())
	}
	lm.logger.Info("replay finished", zap.Uint64("from", uint64(from)), zap.Uint64("end", uint64(lsn)), zap.Int("records", count))
	return lsn, nil
}

// StartLogStream streams durable records starting at from until ctx is cancelled or
// the log manager is closed. The channel is closed when streaming stops.
func (lm *LogManager) StartLogStream(ctx context.Context, from LSN) (<-chan *LogRecord, error) {
	if from == InvalidLSN {
		from = lm.OldestLSN()
	}
	if from < lm.OldestLSN() {
		return nil, fmt.Errorf("%w: %d was already removed", ErrLSNOutOfRange, from)
	}

	out := make(chan *LogRecord)
	go func() {
		defer close(out)
		next := from
		for {
			wait := lm.waitChan()
			flushed := lm.FlushedLSN()
			for {
				lsn, ok := lm.nextRecordLSN(next)
				if !ok || lsn >= flushed {
					next = lsn
					break
				}
				lr, err := lm.ReadRecordAt(lsn)
				if err != nil {
					if !errors.Is(err, ErrLogManagerClosed) {
						lm.logger.Error("log stream read failed", zap.Uint64("lsn", uint64(lsn)), zap.Error(err))
					}
					return
				}
				select {
				case out <- lr:
				case <-ctx.Done():
					return
				}
				next = lr.EndLSN()
			}
			select {
			case <-wait:
				if lm.isClosed() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (lm *LogManager) isClosed() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.closed
}
