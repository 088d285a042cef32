package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bidwatch/cmd/internal/httpclient"
	"bidwatch/cmd/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// authServer answers /auth/login and /auth/register like the backend.
type authServer struct {
	mu       sync.Mutex
	accounts map[string]loginResponse // by email; password is always "x"
	gate     chan struct{}            // when set, login waits on it
	lastAuth string
}

func newAuthServer() *authServer {
	return &authServer{accounts: map[string]loginResponse{
		"a@b.com": {AccessToken: "T1", User: User{ID: "u1", Email: "a@b.com", DisplayName: "Ann"}},
		"c@d.com": {AccessToken: "T2", User: User{ID: "u2", Email: "c@d.com", DisplayName: "Cid", Role: "admin"}},
	}}
}

func (s *authServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.lastAuth = r.Header.Get("Authorization")
	gate := s.gate
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/auth/login":
		if gate != nil {
			<-gate
		}
		var c Credentials
		_ = json.NewDecoder(r.Body).Decode(&c)
		s.mu.Lock()
		acc, ok := s.accounts[c.Email]
		s.mu.Unlock()
		if !ok || c.Password != "x" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Incorrect email or password"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(acc)
	case "/auth/register":
		var info RegisterInfo
		_ = json.NewDecoder(r.Body).Decode(&info)
		if info.Email == "taken@b.com" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"detail":"Email already registered"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(registerResponse{User: User{ID: "u9", Email: info.Email, DisplayName: info.DisplayName}})
	case "/api/me":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *authServer) authHeader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAuth
}

type harness struct {
	srv    *authServer
	client *httpclient.Client
	store  Store
	mgr    *Manager

	mu          sync.Mutex
	transitions []Transition
}

func newHarness(t *testing.T, st Store) *harness {
	t.Helper()

	srv := newAuthServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	hc, err := httpclient.New(httpclient.Config{BaseURL: ts.URL, RetryBase: time.Millisecond, RetryMax: time.Millisecond}, discardLogger())
	if err != nil {
		t.Fatalf("httpclient.New: %v", err)
	}
	if st == nil {
		st = store.New(store.NewMemory(), discardLogger())
	}
	return newHarnessWith(t, srv, hc, st)
}

func newHarnessWith(t *testing.T, srv *authServer, hc *httpclient.Client, st Store) *harness {
	t.Helper()

	mgr, err := NewManager(DefaultConfig(), st, hc, discardLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h := &harness{srv: srv, client: hc, store: st, mgr: mgr}
	mgr.Subscribe(func(tr Transition) {
		h.mu.Lock()
		h.transitions = append(h.transitions, tr)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) recorded() []Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Transition(nil), h.transitions...)
}

// faultyStore is an in-memory Store whose SetAll can be made to fail.
type faultyStore struct {
	mu     sync.Mutex
	kv     map[string]string
	setErr error
}

func newFaultyStore() *faultyStore { return &faultyStore{kv: map[string]string{}} }

func (s *faultyStore) Get(_ context.Context, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	return v, ok
}

func (s *faultyStore) SetAll(_ context.Context, kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		// Simulate a backend that managed one key before failing.
		s.kv[KeyToken] = kv[KeyToken]
		return s.setErr
	}
	for k, v := range kv {
		s.kv[k] = v
	}
	return nil
}

func (s *faultyStore) RemoveAll(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.kv, k)
	}
	return nil
}

func (s *faultyStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kv)
}

func TestManager_InitializeEmptyStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	if got := h.mgr.Status(); got != StatusInitializing {
		t.Fatalf("status=%v want initializing", got)
	}
	h.mgr.Initialize(ctx)
	h.mgr.Initialize(ctx)

	if got := h.mgr.Snapshot(); got != (Session{Status: StatusAnonymous}) {
		t.Fatalf("session=%+v want anonymous", got)
	}
	trs := h.recorded()
	if len(trs) != 1 || trs[0].From != StatusInitializing || trs[0].To != StatusAnonymous || trs[0].Reason != ReasonInitialize {
		t.Fatalf("unexpected transitions: %+v", trs)
	}
}

func TestManager_InitializeClearsPartialOrCorrupt(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		kv   map[string]string
	}{
		{name: "token only", kv: map[string]string{KeyToken: "T1"}},
		{name: "user only", kv: map[string]string{KeyUser: `{"id":"u1"}`}},
		{name: "corrupt user", kv: map[string]string{KeyToken: "T1", KeyUser: `{"id":`}},
		{name: "user without id", kv: map[string]string{KeyToken: "T1", KeyUser: `{"email":"a@b.com"}`}},
		{name: "blank token", kv: map[string]string{KeyToken: "  ", KeyUser: `{"id":"u1"}`}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			st := newFaultyStore()
			_ = st.SetAll(ctx, tc.kv)

			h := newHarness(t, st)
			h.mgr.Initialize(ctx)

			if got := h.mgr.Status(); got != StatusAnonymous {
				t.Fatalf("status=%v want anonymous", got)
			}
			if n := st.len(); n != 0 {
				t.Fatalf("expected partial keys cleared, %d left", n)
			}
		})
	}
}

func TestManager_LoginScenarioA(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.mgr.Initialize(ctx)

	if err := h.mgr.Login(ctx, Credentials{Email: "a@b.com", Password: "x"}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	got := h.mgr.Snapshot()
	if got.Status != StatusAuthenticated || got.Token != "T1" || got.User.ID != "u1" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if v, ok := h.store.Get(ctx, KeyToken); !ok || v != "T1" {
		t.Fatalf("stored token=%q,%v want T1", v, ok)
	}
	if h.client.AuthToken() != "T1" {
		t.Fatalf("auth header token=%q want T1", h.client.AuthToken())
	}
	if h.srv.authHeader() != "" {
		t.Fatalf("login request must not carry a bearer, got %q", h.srv.authHeader())
	}

	trs := h.recorded()
	last := trs[len(trs)-1]
	if last.From != StatusAnonymous || last.To != StatusAuthenticated || last.Reason != ReasonLogin || last.Session.User.ID != "u1" {
		t.Fatalf("unexpected transition: %+v", last)
	}

	// Subsequent requests carry the token.
	if err := h.client.GetJSON(ctx, "/api/me", nil, nil); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if h.srv.authHeader() != "Bearer T1" {
		t.Fatalf("Authorization=%q want Bearer T1", h.srv.authHeader())
	}
}

func TestManager_LoginRestartRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.New(store.NewMemory(), discardLogger())
	h := newHarness(t, st)
	h.mgr.Initialize(ctx)

	if err := h.mgr.Login(ctx, Credentials{Email: "c@d.com", Password: "x"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	want := h.mgr.Snapshot()

	hc, err := httpclient.New(httpclient.Config{BaseURL: "http://127.0.0.1:1"}, discardLogger())
	if err != nil {
		t.Fatalf("httpclient.New: %v", err)
	}
	restarted := newHarnessWith(t, h.srv, hc, st)
	restarted.mgr.Initialize(ctx)

	if got := restarted.mgr.Snapshot(); got != want {
		t.Fatalf("restored=%+v want=%+v", got, want)
	}
	if hc.AuthToken() != "T2" {
		t.Fatalf("restored auth header=%q want T2", hc.AuthToken())
	}
	trs := restarted.recorded()
	if len(trs) != 1 || trs[0].To != StatusAuthenticated || trs[0].Reason != ReasonInitialize {
		t.Fatalf("unexpected transitions: %+v", trs)
	}
}

func TestManager_LoginFailureLeavesSessionUntouched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.mgr.Initialize(ctx)

	var escalations int
	h.client.OnAuthFailure(func(context.Context, httpclient.AuthFailure) { escalations++ })

	err := h.mgr.Login(ctx, Credentials{Email: "a@b.com", Password: "wrong"})
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if se.Message != "Incorrect email or password" || !errors.Is(err, httpclient.ErrAuthFailure) {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := h.mgr.Snapshot(); got != (Session{Status: StatusAnonymous}) {
		t.Fatalf("session=%+v want anonymous", got)
	}
	if len(h.recorded()) != 1 {
		t.Fatalf("failed login must not emit, got %+v", h.recorded())
	}
	if escalations != 0 {
		t.Fatalf("login 401 must not escalate, got %d", escalations)
	}
}

func TestManager_LoginFailureWhileAuthenticatedKeepsSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.mgr.Initialize(ctx)
	if err := h.mgr.Login(ctx, Credentials{Email: "a@b.com", Password: "x"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	before := h.mgr.Snapshot()

	if err := h.mgr.Login(ctx, Credentials{Email: "nobody@b.com", Password: "x"}); err == nil {
		t.Fatalf("expected login failure")
	}
	if got := h.mgr.Snapshot(); got != before {
		t.Fatalf("session changed: %+v want %+v", got, before)
	}
	if h.client.AuthToken() != "T1" {
		t.Fatalf("auth header changed to %q", h.client.AuthToken())
	}
}

func TestManager_LoginInvalidInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	err := h.mgr.Login(context.Background(), Credentials{Email: " ", Password: "x"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err=%v want ErrInvalidInput", err)
	}
	if got := h.mgr.Status(); got != StatusInitializing {
		t.Fatalf("invalid input must not touch state, status=%v", got)
	}
}

func TestManager_PendingDuringLogin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.mgr.Initialize(ctx)

	gate := make(chan struct{})
	h.srv.mu.Lock()
	h.srv.gate = gate
	h.srv.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.mgr.Login(ctx, Credentials{Email: "a@b.com", Password: "nope"}) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.mgr.Status() != StatusPending {
		if time.Now().After(deadline) {
			t.Fatalf("status never became pending")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if snap := h.mgr.Snapshot(); snap.Token != "" || snap.User.ID != "" {
		t.Fatalf("pending session must be empty: %+v", snap)
	}

	close(gate)
	if err := <-done; err == nil {
		t.Fatalf("expected login failure")
	}
	if got := h.mgr.Status(); got != StatusAnonymous {
		t.Fatalf("status=%v want anonymous after failed login", got)
	}
}

func TestManager_PersistFailureRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newFaultyStore()
	st.setErr = errors.New("disk on fire")
	h := newHarness(t, st)
	h.mgr.Initialize(ctx)

	err := h.mgr.Login(ctx, Credentials{Email: "a@b.com", Password: "x"})
	if !errors.Is(err, ErrPersist) {
		t.Fatalf("err=%v want ErrPersist", err)
	}
	if got := h.mgr.Snapshot(); got != (Session{Status: StatusAnonymous}) {
		t.Fatalf("session=%+v want anonymous", got)
	}
	if n := st.len(); n != 0 {
		t.Fatalf("expected partial keys rolled back, %d left", n)
	}
	if h.client.AuthToken() != "" {
		t.Fatalf("auth header must stay clear")
	}
}

func TestManager_UnavailableStoreIsNotFatal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.New(unavailableBackend{}, discardLogger())
	h := newHarness(t, st)
	h.mgr.Initialize(ctx)

	if err := h.mgr.Login(ctx, Credentials{Email: "a@b.com", Password: "x"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := h.mgr.Status(); got != StatusAuthenticated {
		t.Fatalf("status=%v want authenticated", got)
	}
}

type unavailableBackend struct{}

func (unavailableBackend) Get(context.Context, string) (string, bool, error) {
	return "", false, store.ErrUnavailable
}
func (unavailableBackend) SetAll(context.Context, map[string]string) error { return store.ErrUnavailable }
func (unavailableBackend) RemoveAll(context.Context, ...string) error      { return store.ErrUnavailable }
func (unavailableBackend) Close() error                                    { return nil }

func TestManager_LogoutIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.mgr.Initialize(ctx)
	if err := h.mgr.Login(ctx, Credentials{Email: "a@b.com", Password: "x"}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := h.mgr.Logout(ctx); err != nil {
			t.Fatalf("Logout #%d: %v", i+1, err)
		}
		if got := h.mgr.Snapshot(); got != (Session{Status: StatusAnonymous}) {
			t.Fatalf("session=%+v want anonymous", got)
		}
	}

	var logouts int
	for _, tr := range h.recorded() {
		if tr.Reason == ReasonLogout {
			logouts++
			if tr.From != StatusAuthenticated || tr.To != StatusAnonymous {
				t.Fatalf("unexpected logout transition: %+v", tr)
			}
		}
	}
	if logouts != 1 {
		t.Fatalf("logout transitions=%d want 1", logouts)
	}
	if _, ok := h.store.Get(ctx, KeyToken); ok {
		t.Fatalf("token still persisted")
	}
	if _, ok := h.store.Get(ctx, KeyUser); ok {
		t.Fatalf("user still persisted")
	}
	if h.client.AuthToken() != "" {
		t.Fatalf("auth header not cleared")
	}
}

func TestManager_InvalidateIsTokenGated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.mgr.Initialize(ctx)
	if err := h.mgr.Login(ctx, Credentials{Email: "a@b.com", Password: "x"}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	if h.mgr.Invalidate(ctx, "OLD") {
		t.Fatalf("stale token must not invalidate")
	}
	if h.mgr.Invalidate(ctx, "") {
		t.Fatalf("empty token must not invalidate")
	}
	if !h.mgr.Invalidate(ctx, "T1") {
		t.Fatalf("current token must invalidate")
	}
	if h.mgr.Invalidate(ctx, "T1") {
		t.Fatalf("second invalidation must be a no-op")
	}

	trs := h.recorded()
	last := trs[len(trs)-1]
	if last.Reason != ReasonInvalidated || last.To != StatusAnonymous {
		t.Fatalf("unexpected transition: %+v", last)
	}
	if _, ok := h.store.Get(ctx, KeyToken); ok {
		t.Fatalf("token still persisted")
	}
}

func TestManager_LoginSwitchesUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.mgr.Initialize(ctx)
	if err := h.mgr.Login(ctx, Credentials{Email: "a@b.com", Password: "x"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := h.mgr.Login(ctx, Credentials{Email: "c@d.com", Password: "x"}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	trs := h.recorded()
	last := trs[len(trs)-1]
	if last.From != StatusAuthenticated || last.To != StatusAuthenticated || last.Session.User.ID != "u2" {
		t.Fatalf("unexpected transition: %+v", last)
	}
	if v, _ := h.store.Get(ctx, KeyToken); v != "T2" {
		t.Fatalf("stored token=%q want T2", v)
	}
}

func TestManager_RegisterDoesNotLogIn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)
	h.mgr.Initialize(ctx)

	u, err := h.mgr.Register(ctx, RegisterInfo{Email: "new@b.com", Password: "pw", DisplayName: "New"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.ID != "u9" || u.Email != "new@b.com" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if got := h.mgr.Status(); got != StatusAnonymous {
		t.Fatalf("status=%v want anonymous", got)
	}

	_, err = h.mgr.Register(ctx, RegisterInfo{Email: "taken@b.com", Password: "pw"})
	var se *Error
	if !errors.As(err, &se) || se.Message != "Email already registered" {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(err, httpclient.ErrClientError) {
		t.Fatalf("expected client error class, got %v", err)
	}
}

func TestManager_SubscribeOrderAndUnsubscribe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil)

	var order []string
	unsubA := h.mgr.Subscribe(func(Transition) { order = append(order, "a") })
	h.mgr.Subscribe(func(tr Transition) {
		// Observers see the completed session.
		if tr.To == StatusAuthenticated && h.mgr.Snapshot().Token != tr.Session.Token {
			t.Errorf("observer saw a half-updated session")
		}
		order = append(order, "b")
	})

	h.mgr.Initialize(ctx)
	unsubA()
	unsubA()
	if err := h.mgr.Login(ctx, Credentials{Email: "a@b.com", Password: "x"}); err != nil {
		t.Fatalf("Login: %v", err)
	}

	want := []string{"a", "b", "b"}
	if len(order) != len(want) {
		t.Fatalf("order=%v want=%v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order=%v want=%v", order, want)
		}
	}
}

func TestError_Messages(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		op   string
		err  error
		want string
	}{
		{name: "auth default", op: "login", err: &httpclient.StatusError{Class: httpclient.ClassAuthFailure, Status: 401}, want: "login: incorrect email or password"},
		{name: "transient", op: "login", err: &httpclient.StatusError{Class: httpclient.ClassTransient, Status: 503}, want: "login: service unavailable, try again later"},
		{name: "client status text", op: "register", err: &httpclient.StatusError{Class: httpclient.ClassClientError, Status: 409}, want: "register: Conflict"},
		{name: "cancelled", op: "login", err: context.Canceled, want: "login: request cancelled"},
		{name: "malformed", op: "login", err: ErrMalformedResponse, want: "login: unexpected response from server"},
	}
	for _, tc := range cases {
		if got := newError(tc.op, tc.err).Error(); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}
