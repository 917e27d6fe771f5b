package twophase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
)

// TestPreparedXactIndex covers add, lookup, ordered iteration and removal.
func TestPreparedXactIndex(t *testing.T) {
	var x PreparedXactIndex
	assert.Zero(t, x.Len())
	_, ok := x.Lookup(1)
	assert.False(t, ok)
	assert.False(t, x.Remove(1))

	require.NoError(t, x.Add(1002, 300))
	require.NoError(t, x.Add(1000, 100))
	require.NoError(t, x.Add(1001, 200))

	err := x.Add(1000, 999)
	require.ErrorIs(t, err, ErrDuplicateIndexEntry)
	lsn, ok := x.Lookup(1000)
	require.True(t, ok)
	assert.Equal(t, wal.LSN(100), lsn, "a rejected add leaves the entry alone")

	var seen []txid.TxID
	x.Range(func(xid txid.TxID, lsn wal.LSN) bool {
		seen = append(seen, xid)
		x.Remove(xid)
		return xid != 1001
	})
	assert.Equal(t, []txid.TxID{1000, 1001}, seen)
	assert.Equal(t, 1, x.Len())
}
