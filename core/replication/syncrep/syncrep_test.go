package syncrep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
	"go.uber.org/zap/zaptest"
)

// TestWaiter_OffNeverBlocks returns immediately when the mode is off.
func TestWaiter_OffNeverBlocks(t *testing.T) {
	w := New(DefaultConfig(), zaptest.NewLogger(t))
	require.False(t, w.Enabled())
	require.NoError(t, w.WaitForLSN(context.Background(), 1<<40))

	var nilWaiter *Waiter
	require.NoError(t, nilWaiter.WaitForLSN(context.Background(), 100))
}

// TestWaiter_ReleaseWakesWaiter blocks until an acknowledgement covers the LSN.
func TestWaiter_ReleaseWakesWaiter(t *testing.T) {
	w := New(Config{Mode: ModeOn}, zaptest.NewLogger(t))
	done := make(chan error, 1)
	go func() { done <- w.WaitForLSN(context.Background(), 500) }()

	w.Release(100)
	select {
	case err := <-done:
		t.Fatalf("wait returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	w.Release(600)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not released")
	}
	require.Equal(t, wal.LSN(600), w.AckedLSN())

	// Acknowledgements never move backwards.
	w.Release(10)
	require.Equal(t, wal.LSN(600), w.AckedLSN())
}

// TestWaiter_TimeoutAndCancel covers both ways a wait can give up.
func TestWaiter_TimeoutAndCancel(t *testing.T) {
	w := New(Config{Mode: ModeOn, Timeout: 20 * time.Millisecond}, zaptest.NewLogger(t))
	require.ErrorIs(t, w.WaitForLSN(context.Background(), 10), ErrWaitTimeout)

	w = New(Config{Mode: ModeOn}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, w.WaitForLSN(ctx, 10), context.Canceled)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, Config{Mode: ModeOn}.Validate())
	require.Error(t, Config{Mode: "sometimes"}.Validate())
}
