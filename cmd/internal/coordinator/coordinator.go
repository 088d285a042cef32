// Package coordinator keeps the realtime channel and the HTTP client
// consistent with the session.
//
// It opens the channel when the session becomes authenticated, closes it
// when the session becomes anonymous, and turns HTTP auth failures into a
// single session invalidation.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"bidwatch/cmd/internal/auth/session"
	"bidwatch/cmd/internal/httpclient"

	"golang.org/x/sync/singleflight"
)

// ErrConfig is returned when a dependency is missing.
var ErrConfig = errors.New("invalid coordinator config")

// Sessions is the session surface the coordinator drives.
type Sessions interface {
	Initialize(ctx context.Context)
	Snapshot() session.Session
	Subscribe(fn func(session.Transition)) (unsubscribe func())
	Invalidate(ctx context.Context, token string) bool
}

// Channel is the realtime surface the coordinator drives.
type Channel interface {
	Open(userID string) error
	Close()
}

// AuthNotifier registers the auth-failure callback. *httpclient.Client satisfies it.
type AuthNotifier interface {
	OnAuthFailure(fn httpclient.AuthFailureFunc)
}

// Coordinator reacts to session transitions and auth failures.
type Coordinator struct {
	log      *slog.Logger
	sessions Sessions
	channel  Channel
	client   AuthNotifier

	group singleflight.Group
	seen  atomic.Uint64

	mu          sync.Mutex
	started     bool
	unsubscribe func()
}

// New wires a coordinator. Nothing is subscribed until Start.
func New(sessions Sessions, channel Channel, client AuthNotifier, log *slog.Logger) (*Coordinator, error) {
	if sessions == nil || channel == nil || client == nil {
		return nil, ErrConfig
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{log: log, sessions: sessions, channel: channel, client: client}, nil
}

// Start subscribes to the session, registers the auth-failure callback and
// runs Initialize. A restored session opens the channel through the
// initialize transition. Start is idempotent.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.unsubscribe = c.sessions.Subscribe(c.onTransition)
	c.mu.Unlock()

	c.client.OnAuthFailure(c.onAuthFailure)
	before := c.seen.Load()
	c.sessions.Initialize(ctx)

	// Initialize already ran elsewhere: bind to the session that exists now.
	if c.seen.Load() == before {
		c.bind(c.sessions.Snapshot())
	}
}

// Stop unsubscribes, detaches the auth callback and closes the channel.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	unsub := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.client.OnAuthFailure(nil)
	c.channel.Close()
}

func (c *Coordinator) onTransition(tr session.Transition) {
	c.seen.Add(1)
	c.bind(tr.Session)
}

// bind makes the channel follow the session: open for the user while
// authenticated, closed otherwise.
func (c *Coordinator) bind(s session.Session) {
	if s.Authenticated() {
		if err := c.channel.Open(s.User.ID); err != nil {
			c.log.Error("coordinator.channel.open_fail", "user_id", s.User.ID, "err", err)
		}
		return
	}
	c.channel.Close()
}

// onAuthFailure invalidates the session the failed request belonged to.
// Concurrent failures for one token share a single invalidation.
func (c *Coordinator) onAuthFailure(ctx context.Context, f httpclient.AuthFailure) {
	if f.Token == "" {
		return
	}
	if cur := c.sessions.Snapshot(); !cur.Authenticated() || cur.Token != f.Token {
		return
	}

	v, _, shared := c.group.Do(f.Token, func() (any, error) {
		return c.sessions.Invalidate(context.WithoutCancel(ctx), f.Token), nil
	})
	if acted, _ := v.(bool); acted && !shared {
		c.log.Warn("coordinator.session.invalidated",
			"status", f.Status,
			"method", f.Method,
			"path", f.Path,
		)
	}
}
