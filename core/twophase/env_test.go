package twophase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gxactdb/core/checkpoint"
	"github.com/sushant-115/gxactdb/core/persistent"
	"github.com/sushant-115/gxactdb/core/transaction"
	"github.com/sushant-115/gxactdb/core/transaction/clog"
	"github.com/sushant-115/gxactdb/core/transaction/procarray"
	"github.com/sushant-115/gxactdb/core/transaction/subtrans"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
	"go.uber.org/zap/zaptest"
)

const testMaxBackends = 8

type endCall struct {
	xid     txid.TxID
	commit  bool
	intents int
}

// recordingPersistent remembers every end-of-transaction action it forwards.
type recordingPersistent struct {
	*persistent.Manager

	mu    sync.Mutex
	calls []endCall
}

func (r *recordingPersistent) EndXactAction(xid txid.TxID, objects []persistent.Object, commit bool, intents int) error {
	r.mu.Lock()
	r.calls = append(r.calls, endCall{xid: xid, commit: commit, intents: intents})
	r.mu.Unlock()
	return r.Manager.EndXactAction(xid, objects, commit, intents)
}

func (r *recordingPersistent) lastCall() endCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return endCall{}
	}
	return r.calls[len(r.calls)-1]
}

type recordingFaults struct {
	mu      sync.Mutex
	reasons []string
}

func (f *recordingFaults) ReportPrimaryFault(reason string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *recordingFaults) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

type testEnv struct {
	t        *testing.T
	dir      string
	cfg      Config
	wal      *wal.LogManager
	clog     *clog.CommitLog
	subtrans *subtrans.SubTrans
	procs    *procarray.ProcArray
	txids    *txid.Manager
	sessions *transaction.Manager
	persist  *recordingPersistent
	rmgrs    *Registry
	faults   *recordingFaults
	coord    *Coordinator
}

func testConfig(maxPrepared int) Config {
	cfg := DefaultConfig()
	cfg.MaxPreparedXacts = maxPrepared
	return cfg
}

// newTestEnv builds a coordinator over a fresh log in a temporary directory. setup may
// adjust the registry or dependencies before the coordinator is created.
func newTestEnv(t *testing.T, cfg Config, setup ...func(*testEnv, *Deps)) *testEnv {
	t.Helper()
	return openTestEnv(t, t.TempDir(), cfg, setup...)
}

func openTestEnv(t *testing.T, dir string, cfg Config, setup ...func(*testEnv, *Deps)) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	walCfg := wal.DefaultConfig(dir)
	walCfg.BufferSize = 4096
	walCfg.SegmentSize = 64 * 1024
	walCfg.FlushInterval = time.Hour
	lm, err := wal.NewLogManager(walCfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	env := &testEnv{
		t:        t,
		dir:      dir,
		cfg:      cfg,
		wal:      lm,
		clog:     clog.New(logger),
		subtrans: subtrans.New(),
		procs:    procarray.New(testMaxBackends+cfg.MaxPreparedXacts, logger),
		txids:    txid.NewManager(1000),
		rmgrs:    NewRegistry(),
		faults:   &recordingFaults{},
	}
	env.persist = &recordingPersistent{Manager: persistent.NewManager(persistent.FileDropper{Dir: dir}, logger)}
	env.sessions = transaction.NewManager(transaction.Config{MaxBackends: testMaxBackends}, env.txids, env.procs, env.clog, env.subtrans, logger)

	deps := Deps{
		WAL:        lm,
		Clog:       env.clog,
		Subtrans:   env.subtrans,
		Procs:      env.procs,
		Txids:      env.txids,
		Sessions:   env.sessions,
		Lock:       &checkpoint.MirroredLock{},
		Persistent: env.persist,
		Rmgrs:      env.rmgrs,
		Faults:     env.faults,
	}
	for _, fn := range setup {
		fn(env, &deps)
	}
	env.coord, err = NewCoordinator(cfg, deps, logger)
	require.NoError(t, err)
	return env
}

func (env *testEnv) connect(user, db uint32, opts ...transaction.SessionOption) *transaction.Session {
	env.t.Helper()
	s, err := env.sessions.Connect(user, db, opts...)
	require.NoError(env.t, err)
	env.t.Cleanup(s.Close)
	return s
}

func (env *testEnv) begin(s *transaction.Session, subxacts int) txid.TxID {
	env.t.Helper()
	xid, err := s.Begin()
	require.NoError(env.t, err)
	for i := 0; i < subxacts; i++ {
		_, err := s.BeginSubtransaction()
		require.NoError(env.t, err)
		require.NoError(env.t, s.ReleaseSubtransaction())
	}
	return xid
}

// prepare runs a transaction with subxacts committed children and prepares it as gid.
func (env *testEnv) prepare(s *transaction.Session, gid string, subxacts int) (*GlobalXact, txid.TxID) {
	env.t.Helper()
	xid := env.begin(s, subxacts)
	g, err := env.coord.PrepareTransaction(context.Background(), s, gid)
	require.NoError(env.t, err)
	return g, xid
}

func (env *testEnv) finish(s *transaction.Session, gid string, commit bool) {
	env.t.Helper()
	ok, err := env.coord.FinishPrepared(context.Background(), s, gid, commit, true)
	require.NoError(env.t, err)
	require.True(env.t, ok)
}

func (env *testEnv) gids() []string {
	var out []string
	for _, row := range env.coord.PreparedTransactions() {
		out = append(out, row.Gid)
	}
	return out
}

// replay rebuilds the prepared set from the log the way startup does.
func (env *testEnv) replay() {
	env.t.Helper()
	_, err := env.wal.Replay(wal.InvalidLSN, func(lr *wal.LogRecord) error {
		env.txids.AdvancePast(lr.Xid)
		switch lr.Type {
		case wal.LogRecordTypeXactPrepare:
			return env.coord.RedoPrepare(lr)
		case wal.LogRecordTypeXactCommitPrepared, wal.LogRecordTypeXactAbortPrepared:
			return env.coord.RedoFinishPrepared(lr)
		}
		return nil
	})
	require.NoError(env.t, err)
	_, err = env.coord.PrescanPrepared()
	require.NoError(env.t, err)
	require.NoError(env.t, env.coord.RecoverPrepared())
}
