package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"bidwatch/cmd/internal/httpclient"
	"bidwatch/cmd/internal/telemetry"
)

// Client is the HTTP surface the manager uses. *httpclient.Client satisfies it.
type Client interface {
	DoJSON(ctx context.Context, req httpclient.Request, in, out any) error
	SetAuthHeader(token string)
}

// Manager owns the session state machine.
//
// Mutations are serialized by a transition lock held across the store write,
// the header update and subscriber delivery. Readers take a separate RW lock
// and only ever see complete sessions.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	store   Store
	client  Client
	metrics *telemetry.Metrics

	tmu         sync.Mutex
	initialized bool
	pending     int

	mu   sync.RWMutex
	sess Session

	subMu  sync.Mutex
	subs   map[uint64]func(Transition)
	order  []uint64
	nextID uint64
}

// Option configures optional manager dependencies.
type Option func(*Manager)

// WithMetrics wires transition counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(mg *Manager) { mg.metrics = m }
}

// NewManager constructs a Manager in StatusInitializing.
func NewManager(cfg Config, st Store, client Client, log *slog.Logger, opts ...Option) (*Manager, error) {
	if st == nil || client == nil {
		return nil, fmt.Errorf("%w: store and client are required", ErrConfig)
	}
	if cfg.LoginPath == "" && cfg.RegisterPath == "" {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		cfg:    cfg,
		log:    log,
		store:  st,
		client: client,
		sess:   Session{Status: StatusInitializing},
		subs:   make(map[uint64]func(Transition)),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(m)
	}
	return m, nil
}

// Snapshot returns a consistent copy of the session.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sess.Status
}

// Subscribe registers fn for transitions and returns a function removing it.
//
// fn runs synchronously under the transition lock, in subscription order.
// It must not call Login, Logout, Invalidate or Initialize inline.
func (m *Manager) Subscribe(fn func(Transition)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	m.subMu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	m.order = append(m.order, id)
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			for i, v := range m.order {
				if v == id {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
			m.subMu.Unlock()
		})
	}
}

// Initialize restores the persisted session. It runs once; later calls are no-ops.
//
// A missing, partial or unparseable session is cleared from the store and
// the manager becomes Anonymous.
func (m *Manager) Initialize(ctx context.Context) {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	m.initializeLocked(ctx)
}

func (m *Manager) initializeLocked(ctx context.Context) {
	if m.initialized {
		return
	}
	m.initialized = true

	token, u, ok := loadSession(ctx, m.store)
	if !ok {
		if err := m.store.RemoveAll(ctx, KeyToken, KeyUser); err != nil {
			m.log.Warn("session.initialize.clear_fail", "err", err)
		}
		m.client.SetAuthHeader("")
		m.setSession(Session{Status: StatusAnonymous})
		m.log.Info("session.initialize.anonymous")
		m.emit(StatusInitializing, ReasonInitialize)
		return
	}

	m.client.SetAuthHeader(token)
	m.setSession(Session{Status: StatusAuthenticated, Token: token, User: u})
	m.log.Info("session.initialize.restored", "user_id", u.ID)
	m.emit(StatusInitializing, ReasonInitialize)
}

// Login authenticates with the auth endpoint and replaces the session.
//
// On failure the session is unchanged and a *Error is returned. The request
// itself is not cancelled by Logout; if it succeeds after one, it wins.
func (m *Manager) Login(ctx context.Context, creds Credentials) error {
	creds.Email = strings.TrimSpace(creds.Email)
	if creds.Email == "" || creds.Password == "" {
		return newError("login", ErrInvalidInput)
	}

	counted := m.beginLogin(ctx)

	var resp loginResponse
	err := m.client.DoJSON(ctx, httpclient.Request{
		Method:    http.MethodPost,
		Path:      m.cfg.LoginPath,
		NoRetry:   true,
		Anonymous: true,
	}, creds, &resp)
	if err == nil {
		resp.AccessToken = strings.TrimSpace(resp.AccessToken)
		if resp.AccessToken == "" || !resp.User.valid() {
			err = ErrMalformedResponse
		}
	}

	m.tmu.Lock()
	defer m.tmu.Unlock()
	if counted {
		m.pending--
	}

	if err != nil {
		m.abortLoginLocked()
		m.log.Info("session.login.fail", "err", err)
		return newError("login", err)
	}

	if err := m.persistLocked(ctx, resp.AccessToken, resp.User); err != nil {
		m.abortLoginLocked()
		m.log.Error("session.login.persist_fail", "user_id", resp.User.ID, "err", err)
		return newError("login", err)
	}

	from := m.stableStatus()
	m.client.SetAuthHeader(resp.AccessToken)
	m.setSession(Session{Status: StatusAuthenticated, Token: resp.AccessToken, User: resp.User})
	m.log.Info("session.login.ok", "user_id", resp.User.ID)
	m.emit(from, ReasonLogin)
	return nil
}

// beginLogin finishes initialization and moves Anonymous to Pending.
// It reports whether this login is counted in the pending set.
func (m *Manager) beginLogin(ctx context.Context) bool {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	m.initializeLocked(ctx)

	if m.Status() == StatusAuthenticated {
		return false
	}
	m.pending++
	m.mu.Lock()
	m.sess.Status = StatusPending
	m.mu.Unlock()
	return true
}

// abortLoginLocked restores Anonymous once no login is in flight.
func (m *Manager) abortLoginLocked() {
	if m.pending > 0 {
		return
	}
	m.mu.Lock()
	if m.sess.Status == StatusPending {
		m.sess.Status = StatusAnonymous
	}
	m.mu.Unlock()
}

// stableStatus maps Pending back to the stable state it started from.
func (m *Manager) stableStatus() Status {
	if s := m.Status(); s != StatusPending {
		return s
	}
	return StatusAnonymous
}

// persistLocked writes the token and user as one logical write. On failure
// it restores the previously persisted session so no partial keys remain.
func (m *Manager) persistLocked(ctx context.Context, token string, u User) error {
	kv, err := encodeSession(token, u)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if err := m.store.SetAll(ctx, kv); err != nil {
		m.rollbackLocked(ctx)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func (m *Manager) rollbackLocked(ctx context.Context) {
	prev := m.Snapshot()
	if prev.Authenticated() {
		if kv, err := encodeSession(prev.Token, prev.User); err == nil {
			if err := m.store.SetAll(ctx, kv); err == nil {
				return
			}
		}
	}
	if err := m.store.RemoveAll(ctx, KeyToken, KeyUser); err != nil {
		m.log.Warn("session.rollback.fail", "err", err)
	}
}

// Register creates an account. It never changes the session.
func (m *Manager) Register(ctx context.Context, info RegisterInfo) (User, error) {
	info.Email = strings.TrimSpace(info.Email)
	info.DisplayName = strings.TrimSpace(info.DisplayName)
	if info.Email == "" || info.Password == "" {
		return User{}, newError("register", ErrInvalidInput)
	}

	var resp registerResponse
	err := m.client.DoJSON(ctx, httpclient.Request{
		Method:    http.MethodPost,
		Path:      m.cfg.RegisterPath,
		NoRetry:   true,
		Anonymous: true,
	}, info, &resp)
	if err == nil && !resp.User.valid() {
		err = ErrMalformedResponse
	}
	if err != nil {
		m.log.Info("session.register.fail", "err", err)
		return User{}, newError("register", err)
	}

	m.log.Info("session.register.ok", "user_id", resp.User.ID)
	return resp.User, nil
}

// Logout clears the session. Calling it while not authenticated re-clears
// the store and header and publishes nothing.
//
// The in-memory session is always cleared; a store error is still returned.
func (m *Manager) Logout(ctx context.Context) error {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	m.initializeLocked(ctx)

	from := m.Status()
	err := m.clearLocked(ctx)
	if from == StatusAuthenticated {
		m.log.Info("session.logout.ok")
		m.emit(from, ReasonLogout)
	}
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Invalidate forces a logout if the session is authenticated with exactly
// token. Failures belonging to an earlier session are ignored. It reports
// whether the session was cleared.
func (m *Manager) Invalidate(ctx context.Context, token string) bool {
	m.tmu.Lock()
	defer m.tmu.Unlock()

	cur := m.Snapshot()
	if !cur.Authenticated() || token == "" || cur.Token != token {
		return false
	}

	if err := m.clearLocked(ctx); err != nil {
		m.log.Warn("session.invalidate.clear_fail", "err", err)
	}
	m.log.Info("session.invalidated", "user_id", cur.User.ID)
	m.emit(StatusAuthenticated, ReasonInvalidated)
	return true
}

func (m *Manager) clearLocked(ctx context.Context) error {
	err := m.store.RemoveAll(ctx, KeyToken, KeyUser)
	m.client.SetAuthHeader("")

	st := StatusAnonymous
	if m.pending > 0 && m.Status() == StatusPending {
		st = StatusPending
	}
	m.setSession(Session{Status: st})
	return err
}

func (m *Manager) setSession(s Session) {
	m.mu.Lock()
	m.sess = s
	m.mu.Unlock()
}

// emit publishes the current session. Callers hold tmu.
func (m *Manager) emit(from Status, reason Reason) {
	tr := Transition{From: from, Session: m.Snapshot(), Reason: reason}
	tr.To = tr.Session.Status
	if tr.To == StatusPending {
		tr.To = StatusAnonymous
	}

	m.metrics.ObserveTransition(tr.To.String(), string(reason), tr.To == StatusAuthenticated)

	m.subMu.Lock()
	fns := make([]func(Transition), 0, len(m.order))
	for _, id := range m.order {
		fns = append(fns, m.subs[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		m.safeCall(fn, tr)
	}
}

func (m *Manager) safeCall(fn func(Transition), tr Transition) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("session.subscriber.panic", "panic", r, "to", tr.To.String())
		}
	}()
	fn(tr)
}
