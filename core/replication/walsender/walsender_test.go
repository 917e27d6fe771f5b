package walsender

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gxactdb/core/replication/syncrep"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
	"go.uber.org/zap/zaptest"
)

// TestSender_ShipsRecordsAndReleasesWaiters streams flushed records to a file standby and
// checks that a synchronous replication waiter is released by the acknowledgement.
func TestSender_ShipsRecordsAndReleasesWaiters(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()
	walCfg := wal.DefaultConfig(dir)
	walCfg.FlushInterval = time.Hour
	lm, err := wal.NewLogManager(walCfg, logger)
	require.NoError(t, err)
	defer lm.Close()

	standby, err := OpenFileStandby(filepath.Join(dir, "standby"))
	require.NoError(t, err)
	defer standby.Close()

	waiter := syncrep.New(syncrep.Config{Mode: syncrep.ModeOn}, logger)
	cfg := DefaultConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	sender := New(cfg, lm, standby, waiter, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sender.Run(ctx, wal.InvalidLSN) }()

	var end wal.LSN
	for i := 0; i < 3; i++ {
		_, end, err = lm.Insert(&wal.LogRecord{Xid: txid.TxID(700 + i), Type: wal.LogRecordTypeXactPrepare, Data: []byte("payload")})
		require.NoError(t, err)
	}
	require.NoError(t, lm.Flush(end))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, waiter.WaitForLSN(waitCtx, end))
	require.GreaterOrEqual(t, sender.SentLSN(), end)

	cancel()
	require.NoError(t, <-done)

	data, err := os.ReadFile(filepath.Join(dir, "standby", "standby.wal"))
	require.NoError(t, err)
	records, err := ReadFrames(data)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, lr := range records {
		require.Equal(t, txid.TxID(700+i), lr.Xid)
	}
}
