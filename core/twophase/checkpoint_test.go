package twophase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gxactdb/core/checkpoint"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
)

// TestPreparedList_Growth checks that the list starts at ten entries and doubles.
func TestPreparedList_Growth(t *testing.T) {
	var l preparedList
	l.add(checkpoint.PreparedXact{Xid: 1})
	assert.Len(t, l.items, initialPreparedListSize)
	for i := 2; i <= 25; i++ {
		l.add(checkpoint.PreparedXact{Xid: txid.TxID(i), BeginLSN: wal.LSN(i)})
	}
	assert.Len(t, l.items, 40)
	got := l.list()
	require.Len(t, got, 25)
	for i, px := range got {
		assert.Equal(t, txid.TxID(i+1), px.Xid)
	}
}

// TestCheckpointTwoPhase checks the checkpoint list and the minimum-preserve LSN.
func TestCheckpointTwoPhase(t *testing.T) {
	env := newTestEnv(t, testConfig(5))
	list, oldest := env.coord.CheckpointTwoPhase(100)
	assert.Empty(t, list)
	assert.Equal(t, wal.InvalidLSN, oldest)

	s := env.connect(1, 1)
	g1, x1 := env.prepare(s, "one", 0)
	g2, x2 := env.prepare(s, "two", 0)
	g3, _ := env.prepare(s, "three", 0)

	reserver := env.connect(1, 1)
	rx := env.begin(reserver, 0)
	_, err := env.coord.MarkAsPreparing(reserver, rx, "reserved", DistribInfo{}, time.Now(), 1, 1)
	require.NoError(t, err)

	list, oldest = env.coord.CheckpointTwoPhase(g3.PrepareBeginLSN())
	assert.Equal(t, []checkpoint.PreparedXact{
		{Xid: x1, BeginLSN: g1.PrepareBeginLSN()},
		{Xid: x2, BeginLSN: g2.PrepareBeginLSN()},
	}, list)
	assert.Equal(t, g1.PrepareBeginLSN(), oldest)

	second := g2.PrepareBeginLSN()
	env.finish(s, "one", true)
	assert.Equal(t, second, env.coord.MinPreserveLSN())
}
