package subtrans

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
)

// TestSubTrans_Topmost follows a two-level hierarchy back to the top-level id.
func TestSubTrans_Topmost(t *testing.T) {
	s := New()
	s.SetParent(1001, 1000)
	s.SetParent(1002, 1001)

	assert.Equal(t, txid.TxID(1001), s.GetParent(1002))
	assert.Equal(t, txid.TxID(1000), s.GetTopmost(1002))
	assert.Equal(t, txid.TxID(1000), s.GetTopmost(1000))
	assert.Equal(t, txid.InvalidTxID, s.GetParent(999))
}

// TestSubTrans_Truncate drops links older than the cutoff and keeps the rest.
func TestSubTrans_Truncate(t *testing.T) {
	s := New()
	s.SetParent(11, 10)
	s.SetParent(21, 20)
	s.SetParent(31, 30)

	assert.Equal(t, 2, s.Truncate(30))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, txid.TxID(30), s.GetParent(31))
}
