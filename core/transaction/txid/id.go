// Package txid defines 32-bit transaction ids and the allocator that hands them out.
// Ids wrap around, so ordering is always computed modulo 2^32.
package txid

// TxID is a locally assigned transaction id.
type TxID uint32

const (
	InvalidTxID TxID = 0
	// BootstrapTxID and FrozenTxID are reserved and compare as older than every normal id.
	BootstrapTxID TxID = 1
	FrozenTxID    TxID = 2
	// FirstNormalTxID is the first id the allocator hands out.
	FirstNormalTxID TxID = 3

	// MaxTxID is the largest representable id.
	MaxTxID TxID = 0xFFFFFFFF
)

// IsValid reports whether id is not InvalidTxID.
func (id TxID) IsValid() bool {
	return id != InvalidTxID
}

// IsNormal reports whether id was handed out by the allocator.
func (id TxID) IsNormal() bool {
	return id >= FirstNormalTxID
}

// Precedes reports whether id is logically older than other (id < other).
func (id TxID) Precedes(other TxID) bool {
	if !id.IsNormal() || !other.IsNormal() {
		return id < other
	}
	return int32(id-other) < 0
}

// PrecedesOrEquals reports id <= other.
func (id TxID) PrecedesOrEquals(other TxID) bool {
	if !id.IsNormal() || !other.IsNormal() {
		return id <= other
	}
	return int32(id-other) <= 0
}

// Follows reports id > other.
func (id TxID) Follows(other TxID) bool {
	if !id.IsNormal() || !other.IsNormal() {
		return id > other
	}
	return int32(id-other) > 0
}

// FollowsOrEquals reports id >= other.
func (id TxID) FollowsOrEquals(other TxID) bool {
	if !id.IsNormal() || !other.IsNormal() {
		return id >= other
	}
	return int32(id-other) >= 0
}

// Advance returns the id after id, skipping the reserved range on wraparound.
func Advance(id TxID) TxID {
	id++
	if !id.IsNormal() {
		return FirstNormalTxID
	}
	return id
}

// Latest returns the logically newest id among xid and children.
func Latest(xid TxID, children []TxID) TxID {
	latest := xid
	for _, child := range children {
		if child.Follows(latest) {
			latest = child
		}
	}
	return latest
}
