package wal

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

// newTestConfig returns a small-segment configuration rooted in a temp dir.
func newTestConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.BufferSize = 1024
	cfg.SegmentSize = 4096
	cfg.FlushInterval = time.Hour
	return cfg
}

// setupLogManager creates a LogManager for isolated testing.
func setupLogManager(t *testing.T, cfg Config) *LogManager {
	t.Helper()
	lm, err := NewLogManager(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return lm
}

func newTestLogRecord(xid txid.TxID, data string) *LogRecord {
	return &LogRecord{Xid: xid, Type: LogRecordTypeXactPrepare, Data: []byte(data)}
}

// --- Test Cases ---

// TestLogManager_InsertFlushRead verifies begin/end LSNs and reading a record back by LSN
// before and after it is durable.
func TestLogManager_InsertFlushRead(t *testing.T) {
	lm := setupLogManager(t, newTestConfig(t))
	defer lm.Close()

	first := lm.InsertLSN()
	require.Equal(t, LSN(segmentHeaderSize), first)

	begin, end, err := lm.Insert(newTestLogRecord(1000, "prepare payload"))
	require.NoError(t, err)
	require.Equal(t, first, begin)
	require.Equal(t, begin+LSN(recordHeaderSize+len("prepare payload")), end)
	require.Less(t, lm.FlushedLSN(), end)

	lr, err := lm.ReadRecordAt(begin)
	require.NoError(t, err)
	require.Equal(t, txid.TxID(1000), lr.Xid)
	require.Equal(t, "prepare payload", string(lr.Data))

	require.NoError(t, lm.Flush(end))
	require.Equal(t, end, lm.FlushedLSN())

	_, err = lm.ReadRecordAt(end + 100)
	require.ErrorIs(t, err, ErrLSNOutOfRange)
}

// TestLogManager_SegmentRollAndReplay writes enough records to roll several segments and
// replays them all in order after a reopen.
func TestLogManager_SegmentRollAndReplay(t *testing.T) {
	cfg := newTestConfig(t)
	lm := setupLogManager(t, cfg)

	var lsns []LSN
	for i := 0; i < 60; i++ {
		begin, _, err := lm.Insert(newTestLogRecord(txid.TxID(100+i), fmt.Sprintf("record-%03d-%s", i, string(make([]byte, 100)))))
		require.NoError(t, err)
		lsns = append(lsns, begin)
	}
	require.NoError(t, lm.Flush(InvalidLSN))
	require.NoError(t, lm.Close())

	archived, err := os.ReadDir(cfg.ArchiveDir)
	require.NoError(t, err)
	require.NotEmpty(t, archived, "segments should have rolled into the archive")

	lm = setupLogManager(t, cfg)
	defer lm.Close()

	var seen []LSN
	_, err = lm.Replay(InvalidLSN, func(lr *LogRecord) error {
		require.Equal(t, txid.TxID(100+len(seen)), lr.Xid)
		seen = append(seen, lr.LSN)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, lsns, seen)

	// Random access into an archived segment.
	lr, err := lm.ReadRecordAt(lsns[3])
	require.NoError(t, err)
	require.Equal(t, txid.TxID(103), lr.Xid)
}

// TestLogManager_ReplayFromMiddle starts replay at a known record and stops early.
func TestLogManager_ReplayFromMiddle(t *testing.T) {
	lm := setupLogManager(t, newTestConfig(t))
	defer lm.Close()

	var lsns []LSN
	for i := 0; i < 5; i++ {
		begin, _, err := lm.Insert(newTestLogRecord(txid.TxID(10+i), "x"))
		require.NoError(t, err)
		lsns = append(lsns, begin)
	}

	var xids []txid.TxID
	_, err := lm.Replay(lsns[2], func(lr *LogRecord) error {
		xids = append(xids, lr.Xid)
		if lr.Xid == 13 {
			return ErrStopReplay
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []txid.TxID{12, 13}, xids)
}

// TestLogManager_CrashLosesUnflushedRecords simulates a crash with Abandon: records that
// were flushed survive, the rest disappear and the LSN sequence continues cleanly.
func TestLogManager_CrashLosesUnflushedRecords(t *testing.T) {
	cfg := newTestConfig(t)
	lm := setupLogManager(t, cfg)

	_, durableEnd, err := lm.Insert(newTestLogRecord(1, "durable"))
	require.NoError(t, err)
	require.NoError(t, lm.Flush(durableEnd))
	_, _, err = lm.Insert(newTestLogRecord(2, "lost"))
	require.NoError(t, err)
	lm.Abandon()

	lm = setupLogManager(t, cfg)
	defer lm.Close()
	require.Equal(t, durableEnd, lm.InsertLSN())

	var xids []txid.TxID
	_, err = lm.Replay(InvalidLSN, func(lr *LogRecord) error {
		xids = append(xids, lr.Xid)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []txid.TxID{1}, xids)
}

// TestLogManager_TornTailIsTrimmed appends garbage to the active segment and checks that
// reopening trims it.
func TestLogManager_TornTailIsTrimmed(t *testing.T) {
	cfg := newTestConfig(t)
	lm := setupLogManager(t, cfg)
	_, end, err := lm.Insert(newTestLogRecord(7, "ok"))
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	entries, err := os.ReadDir(cfg.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	f, err := os.OpenFile(cfg.Dir+"/"+entries[0].Name(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x01})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lm = setupLogManager(t, cfg)
	defer lm.Close()
	require.Equal(t, end, lm.InsertLSN())
}

// TestLogManager_RemoveSegmentsBefore keeps every segment that still holds a record at or
// after the preserve point.
func TestLogManager_RemoveSegmentsBefore(t *testing.T) {
	lm := setupLogManager(t, newTestConfig(t))
	defer lm.Close()

	var lsns []LSN
	for i := 0; i < 80; i++ {
		begin, _, err := lm.Insert(newTestLogRecord(txid.TxID(100+i), string(make([]byte, 120))))
		require.NoError(t, err)
		lsns = append(lsns, begin)
	}
	require.NoError(t, lm.Flush(InvalidLSN))

	keep := lsns[40]
	removed, err := lm.RemoveSegmentsBefore(keep)
	require.NoError(t, err)
	require.Positive(t, removed)
	require.LessOrEqual(t, lm.OldestLSN(), keep)

	lr, err := lm.ReadRecordAt(keep)
	require.NoError(t, err)
	require.Equal(t, txid.TxID(140), lr.Xid)

	_, err = lm.ReadRecordAt(lsns[0])
	require.ErrorIs(t, err, ErrLSNOutOfRange)
}

// TestLogManager_RecordTooLarge rejects a payload that cannot fit in one segment.
func TestLogManager_RecordTooLarge(t *testing.T) {
	lm := setupLogManager(t, newTestConfig(t))
	defer lm.Close()

	_, _, err := lm.Insert(&LogRecord{Type: LogRecordTypeXactPrepare, Data: make([]byte, lm.MaxRecordSize()+1)})
	require.ErrorIs(t, err, ErrLogRecordTooLarge)
}

// TestLogManager_Stream receives records as they become durable.
func TestLogManager_Stream(t *testing.T) {
	lm := setupLogManager(t, newTestConfig(t))
	defer lm.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := lm.StartLogStream(ctx, InvalidLSN)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, end, err := lm.Insert(newTestLogRecord(txid.TxID(500+i), "streamed"))
		require.NoError(t, err)
		require.NoError(t, lm.Flush(end))
	}

	for i := 0; i < 3; i++ {
		select {
		case lr := <-stream:
			require.Equal(t, txid.TxID(500+i), lr.Xid)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for streamed record")
		}
	}
}

// TestLogRecord_ChecksumMismatch flips a payload byte and expects the CRC to catch it.
func TestLogRecord_ChecksumMismatch(t *testing.T) {
	lr := newTestLogRecord(9, "payload")
	lr.LSN = 8
	data, err := lr.Serialize()
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF

	var out LogRecord
	require.ErrorIs(t, out.Deserialize(data), ErrChecksumMismatch)
}
