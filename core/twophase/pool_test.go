package twophase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gxactdb/core/transaction/procarray"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
)

func reserve(t *testing.T, p *Pool, xid txid.TxID, gid string) *GlobalXact {
	t.Helper()
	g, err := p.Reserve(ReserveRequest{Xid: xid, Gid: gid, Owner: 10, DatabaseID: 1, PreparedAt: time.Now(), Caller: 1})
	require.NoError(t, err)
	return g
}

// TestPool_DummyBackendIDs checks that slot i gets backend id MaxBackends+1+i.
func TestPool_DummyBackendIDs(t *testing.T) {
	p := NewPool(3, 10)
	require.Equal(t, 3, p.Capacity())
	for i, g := range p.slots {
		assert.Equal(t, procarray.BackendID(11+i), g.DummyBackendID())
		assert.Equal(t, g.DummyBackendID(), g.Proc().BackendID)
		assert.Equal(t, StateFree, g.State())
	}
}

// TestPool_Lifecycle walks a slot through every state.
func TestPool_Lifecycle(t *testing.T) {
	p := NewPool(2, 10)
	g := reserve(t, p, 1000, "T1")
	assert.Equal(t, StateReserved, g.State())
	assert.Equal(t, procarray.BackendID(1), g.Info().LockingBackend)

	require.True(t, p.MarkValid(g))
	require.False(t, p.MarkValid(g))
	assert.Equal(t, StateFinishing, g.State(), "still locked by the preparing backend")
	p.Unlock(g)
	assert.Equal(t, StatePrepared, g.State())

	got, err := p.AcquireForFinish("T1", Finisher{BackendID: 2, UserID: 10, DatabaseID: 1})
	require.NoError(t, err)
	require.Same(t, g, got)
	assert.Equal(t, StateFinishing, g.State())

	p.MarkInvalid(g)
	require.True(t, p.Release(g))
	require.False(t, p.Release(g))
	assert.Equal(t, StateReleased, g.State())
	assert.Zero(t, p.Len())
}

// TestPool_ReserveDuplicate verifies that a gid held by a reserved or a valid slot
// cannot be reserved again.
func TestPool_ReserveDuplicate(t *testing.T) {
	p := NewPool(3, 10)
	g := reserve(t, p, 1000, "X")

	_, err := p.Reserve(ReserveRequest{Xid: 1001, Gid: "X", Caller: 2})
	require.ErrorIs(t, err, ErrDuplicateGid)
	assert.Equal(t, CodeDuplicateObject, CodeOf(err))

	p.MarkValid(g)
	_, err = p.Reserve(ReserveRequest{Xid: 1001, Gid: "X", Caller: 2})
	require.ErrorIs(t, err, ErrDuplicateGid)
	assert.Equal(t, 1, p.Len())
}

// TestPool_Capacity fills the pool and frees one slot.
func TestPool_Capacity(t *testing.T) {
	p := NewPool(2, 10)
	a := reserve(t, p, 1000, "A")
	reserve(t, p, 1001, "B")

	_, err := p.Reserve(ReserveRequest{Xid: 1002, Gid: "C"})
	require.ErrorIs(t, err, ErrMaxPreparedXacts)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, CodeOutOfMemory, perr.Code)
	assert.Equal(t, "Increase max_prepared_transactions (currently 2).", perr.Hint)

	p.Release(a)
	c := reserve(t, p, 1002, "C")
	assert.Same(t, a, c, "the freed slot is reused")
}

// TestPool_ZeroCapacity checks that a pool without slots refuses every reservation.
func TestPool_ZeroCapacity(t *testing.T) {
	p := NewPool(0, 10)
	_, err := p.Reserve(ReserveRequest{Xid: 1000, Gid: "A"})
	require.ErrorIs(t, err, ErrMaxPreparedXacts)
}

// TestPool_LookupByXidCache checks lookups, including after the cached slot is released
// and reused for another transaction.
func TestPool_LookupByXidCache(t *testing.T) {
	p := NewPool(1, 10)
	g := reserve(t, p, 1000, "A")
	assert.Same(t, g, p.LookupByXid(1000))
	assert.Same(t, g, p.LookupByXid(1000))
	assert.Nil(t, p.LookupByXid(999))

	p.Release(g)
	assert.Nil(t, p.LookupByXid(1000))

	reserve(t, p, 2000, "B")
	assert.Nil(t, p.LookupByXid(1000))
	assert.Same(t, g, p.LookupByXid(2000))
	assert.Same(t, g, p.LookupByGid("B"))
	assert.Nil(t, p.LookupByGid("A"))
}

// TestPool_LookupByXidStaleCache plants a cache entry for a released slot, as left behind
// when a Release runs between a lookup's scan and its cache update, and checks the entry
// is not trusted once the slot serves another transaction.
func TestPool_LookupByXidStaleCache(t *testing.T) {
	p := NewPool(1, 10)
	g := reserve(t, p, 1000, "A")
	require.True(t, p.Release(g))

	p.cachedXid, p.cachedSlot = 1000, g
	assert.Nil(t, p.LookupByXid(1000), "released slot")

	reserve(t, p, 2000, "B")
	p.cachedXid, p.cachedSlot = 1000, g
	assert.Nil(t, p.LookupByXid(1000), "slot reused by xid 2000")
	assert.Same(t, g, p.LookupByXid(2000))
}

// TestPool_AcquireForFinish covers the LockGXact checks in the order they are made.
func TestPool_AcquireForFinish(t *testing.T) {
	p := NewPool(2, 10)
	g := reserve(t, p, 1000, "P")

	_, err := p.AcquireForFinish("P", Finisher{BackendID: 2, UserID: 10, DatabaseID: 1})
	require.ErrorIs(t, err, ErrGidNotFound, "reserved slots cannot be finished")

	p.MarkValid(g)
	_, err = p.AcquireForFinish("P", Finisher{BackendID: 2, UserID: 10, DatabaseID: 1})
	require.ErrorIs(t, err, ErrGxactBusy)
	p.Unlock(g)

	_, err = p.AcquireForFinish("P", Finisher{BackendID: 2, UserID: 20, DatabaseID: 1})
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, CodeInsufficientPrivilege, CodeOf(err))

	_, err = p.AcquireForFinish("P", Finisher{BackendID: 2, UserID: 10, DatabaseID: 2})
	require.ErrorIs(t, err, ErrWrongDatabase)
	assert.Equal(t, CodeFeatureNotSupported, CodeOf(err))

	_, err = p.AcquireForFinish("P", Finisher{BackendID: 2, UserID: 20, Superuser: true, DatabaseID: 2, AnyDatabase: true})
	require.NoError(t, err)
	assert.Equal(t, procarray.BackendID(2), g.Info().LockingBackend)
}
