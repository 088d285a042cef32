// Package app wires the bidwatch client runtime: config, logging, the session
// stack (store, HTTP client, session manager, realtime channel, coordinator)
// and the ops listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bidwatch/cmd/internal/auth/session"
	"bidwatch/cmd/internal/coordinator"
	"bidwatch/cmd/internal/httpclient"
	"bidwatch/cmd/internal/realtime"
	"bidwatch/cmd/internal/store"
	"bidwatch/cmd/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// App is the bidwatch client runtime.
type App struct {
	cfg Config
	log Logger

	metrics *telemetry.Metrics

	backend store.Backend
	dbPool  *pgxpool.Pool

	client   *httpclient.Client
	sessions *session.Manager
	channel  *realtime.Channel
	coord    *coordinator.Coordinator

	// signIn is poked at start and after every invalidation.
	signIn chan struct{}
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	m := telemetry.New()

	backend, pool, err := newBackend(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}
	closeBackend := func() {
		_ = backend.Close()
		if pool != nil {
			pool.Close()
		}
	}

	client, err := httpclient.New(httpclient.Config{
		BaseURL:     cfg.APIBaseURL,
		Timeout:     cfg.HTTPTimeout,
		MaxAttempts: cfg.HTTPMaxAttempts,
		RetryBase:   cfg.HTTPRetryBase,
		RetryMax:    cfg.HTTPRetryMax,
	}, log, httpclient.WithMetrics(m))
	if err != nil {
		closeBackend()
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		closeBackend()
		return nil, err
	}
	sessions, err := session.NewManager(sessCfg, store.New(backend, log), client, log, session.WithMetrics(m))
	if err != nil {
		closeBackend()
		return nil, err
	}

	chCfg := realtime.DefaultConfig(cfg.APIBaseURL)
	chCfg.ReconnectDelay = cfg.WSReconnectDelay
	chCfg.MaxReconnects = cfg.WSMaxReconnects
	chCfg.StableAfter = cfg.WSStableAfter
	chCfg.HeartbeatInterval = cfg.WSHeartbeatInterval
	chCfg.HeartbeatTimeout = cfg.WSHeartbeatTimeout
	channel, err := realtime.New(chCfg, log, realtime.WithMetrics(m), realtime.WithTokenSource(client.AuthToken))
	if err != nil {
		closeBackend()
		return nil, err
	}

	coord, err := coordinator.New(sessions, channel, client, log)
	if err != nil {
		closeBackend()
		return nil, err
	}

	return &App{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		backend:  backend,
		dbPool:   pool,
		client:   client,
		sessions: sessions,
		channel:  channel,
		coord:    coord,
		signIn:   make(chan struct{}, 1),
	}, nil
}

// Run starts the session stack and the ops listener and blocks until ctx is
// cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	unsubscribe := a.sessions.Subscribe(a.onTransition)
	defer unsubscribe()
	a.channel.OnStateChange(a.onChannelChange)

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.OpsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.OpsAddr,
			Handler:           WithRequestLogging(a.opsHandler(), a.log),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 16,
		}
		g.Go(func() error {
			a.log.Info("ops.start", "addr", a.cfg.OpsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ops listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Error("ops.shutdown.fail", "err", err)
			}
			return nil
		})
	}

	a.coord.Start(ctx)
	a.log.Info("client.start",
		"api", a.cfg.APIBaseURL,
		"store", a.cfg.Store,
		"session", a.sessions.Status().String(),
	)

	a.pokeSignIn()
	g.Go(func() error { return a.signInLoop(ctx) })
	g.Go(func() error { return a.consume(ctx) })

	err := g.Wait()

	a.coord.Stop()
	if cerr := a.backend.Close(); cerr != nil {
		a.log.Error("store.close.fail", "err", cerr)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("client.fail", "err", err)
		return err
	}
	a.log.Info("client.stopped")
	return nil
}

func (a *App) pokeSignIn() {
	select {
	case a.signIn <- struct{}{}:
	default:
	}
}

// signInLoop logs in with the configured credentials whenever the session is
// anonymous, then lists the user's bids once.
func (a *App) signInLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.signIn:
		}

		if !a.sessions.Snapshot().Authenticated() {
			if a.cfg.Email == "" {
				a.log.Info("session.anonymous", "hint", "set BIDWATCH_EMAIL and BIDWATCH_PASSWORD to log in")
				continue
			}
			if err := a.sessions.Login(ctx, session.Credentials{Email: a.cfg.Email, Password: a.cfg.Password}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("login: %w", err)
			}
		}
		a.listBids(ctx)
	}
}

type bidSummary struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (a *App) listBids(ctx context.Context) {
	var out struct {
		Bids []bidSummary `json:"bids"`
	}
	if err := a.client.GetJSON(ctx, "/api/bids", nil, &out); err != nil {
		a.log.Warn("bids.list.fail", "err", err)
		return
	}
	a.log.Info("bids.list", "count", len(out.Bids))
	for _, b := range out.Bids {
		a.log.Info("bid", "bid_id", b.ID, "job_id", b.JobID, "status", b.Status)
	}
}

// consume logs every bid update until ctx is done.
func (a *App) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-a.channel.Updates():
			a.log.Info("bid.update",
				"bid_id", up.BidID,
				"status", up.Status,
				"job_id", up.JobID,
				"received_at", up.ReceivedAt,
			)
		}
	}
}

func (a *App) onTransition(tr session.Transition) {
	attrs := []any{"from", tr.From.String(), "to", tr.To.String(), "reason", string(tr.Reason)}
	if tr.Session.Authenticated() {
		attrs = append(attrs, "user_id", tr.Session.User.ID)
	}
	switch tr.Reason {
	case session.ReasonInvalidated:
		a.log.Warn("session.invalidated", attrs...)
		a.pokeSignIn()
	default:
		a.log.Info("session.transition", attrs...)
	}
}

func (a *App) onChannelChange(sc realtime.StateChange) {
	if sc.Failed {
		a.log.Warn("realtime.gave_up", "user_id", sc.UserID, "err", sc.Err)
		return
	}
	a.log.Debug("realtime.state", "from", sc.From.String(), "to", sc.To.String(), "user_id", sc.UserID)
}

// Ready reports whether the session is authenticated and the channel is open.
func (a *App) Ready() bool {
	return a.sessions.Status() == session.StatusAuthenticated &&
		a.channel.Status().State == realtime.StateOpen
}

// newBackend opens the configured persistence backend. The pool is non-nil
// only for postgres; the app owns its lifecycle.
func newBackend(ctx context.Context, cfg Config, log Logger) (store.Backend, *pgxpool.Pool, error) {
	switch cfg.Store {
	case StoreMemory:
		log.Info("store.memory", "note", "session will not survive a restart")
		return store.NewMemory(), nil, nil

	case StoreFile:
		f, err := store.NewFile(cfg.StorePath, store.WithSealKeyHex(cfg.StoreKeyHex))
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.file", "path", cfg.StorePath, "sealed", cfg.StoreKeyHex != "")
		return f, nil, nil

	case StoreRedis:
		r, err := store.NewRedisFromAddr(cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.redis", "addr", cfg.RedisAddr, "prefix", cfg.RedisPrefix)
		return r, nil, nil

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		pg, err := store.NewPostgres(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("store.postgres")
		return pg, pool, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown store %q", ErrConfig, cfg.Store)
	}
}
