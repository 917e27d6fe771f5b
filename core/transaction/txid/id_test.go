package txid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestTxID_Ordering checks the modulo-2^32 ordering rules including wraparound and the
// reserved ids.
func TestTxID_Ordering(t *testing.T) {
	tests := []struct {
		name     string
		id       TxID
		other    TxID
		precedes bool
		follows  bool
	}{
		{name: "simple older", id: 100, other: 200, precedes: true},
		{name: "simple newer", id: 200, other: 100, follows: true},
		{name: "equal", id: 300, other: 300},
		{name: "wraparound newer", id: FirstNormalTxID, other: MaxTxID, follows: true},
		{name: "wraparound older", id: MaxTxID, other: FirstNormalTxID, precedes: true},
		{name: "frozen is older", id: FrozenTxID, other: 1000, precedes: true},
		{name: "invalid is older", id: InvalidTxID, other: FrozenTxID, precedes: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.precedes, tt.id.Precedes(tt.other))
			assert.Equal(t, tt.follows, tt.id.Follows(tt.other))
			assert.Equal(t, !tt.follows, tt.id.PrecedesOrEquals(tt.other))
			assert.Equal(t, !tt.precedes, tt.id.FollowsOrEquals(tt.other))
		})
	}
}

// TestAdvance_SkipsReservedIDs verifies that the allocator never returns a reserved id
// after wrapping.
func TestAdvance_SkipsReservedIDs(t *testing.T) {
	assert.Equal(t, TxID(4), Advance(3))
	assert.Equal(t, FirstNormalTxID, Advance(MaxTxID))
}

// TestLatest returns the newest of a parent and its children.
func TestLatest(t *testing.T) {
	assert.Equal(t, TxID(1002), Latest(1000, []TxID{1001, 1002}))
	assert.Equal(t, TxID(1000), Latest(1000, nil))
}

// TestManager_AdvancePast verifies that ids seen during recovery push the allocator
// forward but never backward.
func TestManager_AdvancePast(t *testing.T) {
	m := NewManager(InvalidTxID)
	assert.Equal(t, FirstNormalTxID, m.Allocate())

	m.AdvancePast(1002)
	assert.Equal(t, TxID(1003), m.Next())

	m.AdvancePast(500)
	assert.Equal(t, TxID(1003), m.Next())
	assert.Equal(t, TxID(1003), m.Allocate())
	assert.Equal(t, TxID(1004), m.Next())
}
