package transaction

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/gxactdb/core/transaction/clog"
	"github.com/sushant-115/gxactdb/core/transaction/procarray"
	"github.com/sushant-115/gxactdb/core/transaction/subtrans"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"go.uber.org/zap"
)

// Config holds the session limits.
type Config struct {
	// MaxBackends is the number of concurrent sessions. Prepared transactions are
	// numbered after this range.
	MaxBackends int `yaml:"max_backends"`
}

// DefaultConfig returns the default session limits.
func DefaultConfig() Config {
	return Config{MaxBackends: 100}
}

// AbortHook runs on every session abort, before the session's proc is cleared.
type AbortHook func(s *Session)

// Manager hands out sessions and owns the collaborators every session shares.
type Manager struct {
	cfg      Config
	txids    *txid.Manager
	procs    *procarray.ProcArray
	clog     *clog.CommitLog
	subtrans *subtrans.SubTrans
	logger   *zap.Logger

	mu         sync.Mutex
	sessions   map[procarray.BackendID]*Session
	abortHooks []AbortHook
}

// NewManager wires the session manager to the shared transaction services.
func NewManager(cfg Config, txids *txid.Manager, procs *procarray.ProcArray, cl *clog.CommitLog, st *subtrans.SubTrans, logger *zap.Logger) *Manager {
	if cfg.MaxBackends <= 0 {
		cfg.MaxBackends = DefaultConfig().MaxBackends
	}
	return &Manager{
		cfg:      cfg,
		txids:    txids,
		procs:    procs,
		clog:     cl,
		subtrans: st,
		logger:   logger.Named("sessions"),
		sessions: make(map[procarray.BackendID]*Session),
	}
}

// MaxBackends returns the configured number of session slots.
func (m *Manager) MaxBackends() int {
	return m.cfg.MaxBackends
}

// RegisterAbortHook adds a hook run by every Session.Abort.
func (m *Manager) RegisterAbortHook(hook AbortHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortHooks = append(m.abortHooks, hook)
}

// SessionOption customises a new session.
type SessionOption func(*Session)

// WithSuperuser marks the session as a superuser.
func WithSuperuser() SessionOption {
	return func(s *Session) { s.Superuser = true }
}

// WithRole sets the distributed role of the session.
func WithRole(role Role) SessionOption {
	return func(s *Session) { s.Role = role }
}

// Connect opens a session for user in database. Backend ids are 1..MaxBackends.
func (m *Manager) Connect(userID, databaseID uint32, opts ...SessionOption) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	backendID := procarray.InvalidBackendID
	for id := procarray.BackendID(1); int(id) <= m.cfg.MaxBackends; id++ {
		if _, taken := m.sessions[id]; !taken {
			backendID = id
			break
		}
	}
	if backendID == procarray.InvalidBackendID {
		return nil, ErrTooManySessions
	}

	s := &Session{
		ID:         uuid.New(),
		BackendID:  backendID,
		UserID:     userID,
		DatabaseID: databaseID,
		mgr:        m,
		state:      TxnStateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Proc = procarray.NewProc(backendID, databaseID, userID)
	if err := m.procs.Add(s.Proc); err != nil {
		return nil, fmt.Errorf("failed to register session proc: %w", err)
	}
	m.sessions[backendID] = s

	m.logger.Debug("session connected",
		zap.String("session", s.ID.String()),
		zap.Int32("backendID", int32(backendID)),
		zap.Uint32("user", userID),
		zap.Uint32("database", databaseID))
	return s, nil
}

// Sessions returns the number of connected sessions.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) hooks() []AbortHook {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AbortHook(nil), m.abortHooks...)
}

func (m *Manager) disconnect(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.BackendID)
	m.mu.Unlock()
	if err := m.procs.Remove(s.Proc, txid.InvalidTxID); err != nil {
		m.logger.Warn("session proc already gone", zap.String("session", s.ID.String()), zap.Error(err))
	}
}
