package twophase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
)

// crash abandons the log without flushing and reopens the directory.
func (env *testEnv) crash(setup ...func(*testEnv, *Deps)) *testEnv {
	env.t.Helper()
	env.wal.Abandon()
	return openTestEnv(env.t, env.dir, env.cfg, setup...)
}

// TestRecovery_RebuildsPreparedTransactions crashes with one transaction prepared, one
// committed and one rolled back, and checks what a restart rebuilds.
func TestRecovery_RebuildsPreparedTransactions(t *testing.T) {
	env := newTestEnv(t, testConfig(5))
	s := env.connect(10, 3)
	g, xid := env.prepare(s, "1700000000-7", 2)
	before := g.Info()
	_, committed := env.prepare(s, "T4", 1)
	env.finish(s, "T4", true)
	_, aborted := env.prepare(s, "T5", 0)
	env.finish(s, "T5", false)

	env = env.crash()
	env.replay()

	rows := env.coord.PreparedTransactions()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, xid, row.Xid)
	assert.Equal(t, "1700000000-7", row.Gid)
	assert.True(t, before.PreparedAt.Equal(row.PreparedAt))
	assert.Equal(t, uint32(10), row.OwnerOid)
	assert.Equal(t, uint32(3), row.DatabaseOid)

	rec := env.coord.Pool().LookupByGid("1700000000-7").Info()
	assert.Equal(t, before.PrepareBeginLSN, rec.PrepareBeginLSN)
	assert.Equal(t, wal.InvalidLSN, rec.PrepareLSN)
	assert.Equal(t, DistribInfo{Timestamp: 1700000000, Xid: 7}, rec.Distrib)
	assert.Equal(t, []txid.TxID{xid + 1, xid + 2}, rec.Subxids)
	assert.Equal(t, StatePrepared, rec.State)

	assert.Equal(t, xid, env.subtrans.GetParent(xid+1))
	assert.Equal(t, xid, env.subtrans.GetParent(xid+2))
	assert.True(t, env.procs.IsInProgress(xid))
	assert.True(t, env.clog.DidCommit(committed))
	assert.True(t, env.clog.DidCommit(committed+1))
	assert.True(t, env.clog.DidAbort(aborted))
	assert.True(t, env.txids.Next().Follows(aborted))

	env.finish(env.connect(10, 3), "1700000000-7", true)
	assert.True(t, env.clog.DidCommit(xid))
	assert.True(t, env.clog.DidCommit(xid+2))
}

// TestPrescanPrepared returns the oldest prepared xid and moves the allocator past its
// children.
func TestPrescanPrepared(t *testing.T) {
	env := newTestEnv(t, testConfig(5))
	s := env.connect(1, 1)
	_, oldest := env.prepare(s, "a", 3)
	env.prepare(s, "b", 0)

	env = env.crash()
	_, err := env.wal.Replay(wal.InvalidLSN, func(lr *wal.LogRecord) error {
		if lr.Type == wal.LogRecordTypeXactPrepare {
			return env.coord.RedoPrepare(lr)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, txid.TxID(1000), env.txids.Next())

	got, err := env.coord.PrescanPrepared()
	require.NoError(t, err)
	assert.Equal(t, oldest, got)
	assert.Equal(t, oldest+4, env.txids.Next(), "children are never handed out again")
}

// TestRecoverPrepared_RecoverCallbacks checks that sub-records are replayed through the
// Recover callbacks.
func TestRecoverPrepared_RecoverCallbacks(t *testing.T) {
	register := func(recovered *[]string) func(*testEnv, *Deps) {
		return func(env *testEnv, _ *Deps) {
			require.NoError(t, env.rmgrs.Register(3, RmgrCallbacks{
				AtPrepare: func(xid txid.TxID, register RegisterFunc) error {
					register(1, []byte("relation 16384"))
					return nil
				},
				Recover: func(xid txid.TxID, info uint16, data []byte) {
					*recovered = append(*recovered, string(data))
				},
			}))
		}
	}
	var recovered []string
	env := newTestEnv(t, testConfig(5), register(&recovered))
	env.prepare(env.connect(1, 1), "r", 0)
	assert.Empty(t, recovered)

	env = env.crash(register(&recovered))
	env.replay()
	assert.Equal(t, []string{"relation 16384"}, recovered)
}

// TestRecovery_FromCheckpointList seeds the recovery map from a checkpoint's list and
// replays only the records after it.
func TestRecovery_FromCheckpointList(t *testing.T) {
	env := newTestEnv(t, testConfig(5))
	s := env.connect(1, 1)
	_, early := env.prepare(s, "early", 0)
	redo := env.wal.InsertLSN()
	_, late := env.prepare(s, "late", 0)
	list, _ := env.coord.CheckpointTwoPhase(redo)
	require.Len(t, list, 1)
	require.Equal(t, early, list[0].Xid)

	env = env.crash()
	require.NoError(t, env.coord.SetupCheckpointPreparedTransactionList(list))
	_, err := env.wal.Replay(redo, func(lr *wal.LogRecord) error {
		env.txids.AdvancePast(lr.Xid)
		return env.coord.RedoPrepare(lr)
	})
	require.NoError(t, err)
	_, err = env.coord.PrescanPrepared()
	require.NoError(t, err)
	require.NoError(t, env.coord.RecoverPrepared())

	assert.Equal(t, []string{"early", "late"}, env.gids())
	_, ok := env.coord.Index().Lookup(late)
	assert.True(t, ok)
}

// TestRecreateTwoPhaseFile_Duplicate rejects a second PREPARE for the same xid.
func TestRecreateTwoPhaseFile_Duplicate(t *testing.T) {
	env := newTestEnv(t, testConfig(5))
	require.NoError(t, env.coord.RecreateTwoPhaseFile(1000, 8))
	err := env.coord.RecreateTwoPhaseFile(1000, 512)
	require.ErrorIs(t, err, ErrDuplicateIndexEntry)

	env.coord.RemoveTwoPhaseFile(1000, true)
	env.coord.RemoveTwoPhaseFile(1000, true)
	assert.Zero(t, env.coord.Index().Len())
}

// TestRecoverPrepared_UnreadableRecord fails recovery when a PREPARE record is missing.
func TestRecoverPrepared_UnreadableRecord(t *testing.T) {
	env := newTestEnv(t, testConfig(5))
	require.NoError(t, env.coord.RecreateTwoPhaseFile(1000, 1<<40))
	err := env.coord.RecoverPrepared()
	require.ErrorIs(t, err, ErrCorruptRecord)
	assert.Zero(t, env.faults.count(), "recovery does not request a failover")
}

// TestRecovery_CrashAfterCommitRecord crashes once the COMMIT PREPARED record is durable
// and checks that the transaction is gone and committed after restart.
func TestRecovery_CrashAfterCommitRecord(t *testing.T) {
	env := newTestEnv(t, testConfig(5))
	s := env.connect(1, 1)
	_, xid := env.prepare(s, "c", 1)
	env.coord.RecordCommitPrepared(context.Background(), xid, "c", []txid.TxID{xid + 1}, nil)

	env = env.crash()
	env.replay()
	assert.Empty(t, env.coord.PreparedTransactions())
	assert.True(t, env.clog.DidCommit(xid))
	assert.True(t, env.clog.DidCommit(xid+1))
}
