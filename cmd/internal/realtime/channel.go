// Package realtime is the client side of the bid status push channel.
//
// A Channel keeps one WebSocket open for the authenticated user, reconnects
// after unexpected closes with a fixed delay and a cap on consecutive
// failures, and publishes bid updates on a buffered Go channel.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"bidwatch/cmd/identity/ids"
	"bidwatch/cmd/internal/telemetry"
	v1 "bidwatch/shared/contracts/status/v1"

	"github.com/coder/websocket"
)

// Config controls a Channel. Zero values take defaults.
type Config struct {
	// BaseURL is the HTTP API base the socket URL is derived from.
	BaseURL string

	ReconnectDelay time.Duration
	// MaxReconnects caps consecutive failed connections before the channel
	// gives up with Failed set.
	MaxReconnects int
	// StableAfter is how long a connection must stay open before its loss
	// no longer counts toward the cap.
	StableAfter time.Duration

	DialTimeout time.Duration

	// HeartbeatInterval <= 0 disables client pings.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	UpdateBuffer int
	ReadLimit    int64
}

// DefaultConfig returns production defaults for base.
func DefaultConfig(base string) Config {
	return Config{
		BaseURL:           base,
		ReconnectDelay:    defaultReconnectDelay,
		MaxReconnects:     defaultMaxReconnects,
		StableAfter:       defaultStableAfter,
		DialTimeout:       defaultDialTimeout,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		UpdateBuffer:      defaultUpdateBuffer,
		ReadLimit:         maxFrameBytes,
	}
}

// TokenSource returns the bearer token to present on the handshake.
type TokenSource func() string

// Channel is the realtime connection manager. Safe for concurrent use.
type Channel struct {
	cfg     Config
	log     *slog.Logger
	metrics *telemetry.Metrics
	token   TokenSource
	hc      *http.Client
	now     func() time.Time

	updates chan Update

	// opMu serializes Open and Close.
	opMu sync.Mutex

	mu        sync.Mutex
	state     State
	userID    string
	failures  int
	failed    bool
	lastErr   error
	dropped   uint64
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	timer     *time.Timer
	observers []func(StateChange)
	changes   []StateChange

	// nmu orders observer delivery.
	nmu sync.Mutex
}

// Option configures optional channel dependencies.
type Option func(*Channel)

// WithMetrics wires channel gauges and counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithTokenSource sets the handshake bearer source.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Channel) { c.token = ts }
}

// WithHTTPClient overrides the client used for the handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Channel) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// New constructs a disconnected Channel.
func New(cfg Config, log *slog.Logger, opts ...Option) (*Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, err := StatusURL(cfg.BaseURL, "probe"); err != nil {
		return nil, err
	}

	def := DefaultConfig(cfg.BaseURL)
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = def.StableAfter
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = def.UpdateBuffer
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}

	c := &Channel{
		cfg:     cfg,
		log:     log,
		token:   func() string { return "" },
		hc:      http.DefaultClient,
		now:     time.Now,
		updates: make(chan Update, cfg.UpdateBuffer),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	if c.token == nil {
		c.token = func() string { return "" }
	}
	c.metrics.SetChannelState(StateDisconnected.String())
	return c, nil
}

// Updates delivers bid updates. It is never closed; consumers select on
// their own context.
func (c *Channel) Updates() <-chan Update { return c.updates }

// Status returns a snapshot of the channel.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:    c.state,
		UserID:   c.userID,
		Attempts: c.failures,
		Failed:   c.failed,
		Err:      c.lastErr,
		Dropped:  c.dropped,
	}
}

// OnStateChange registers an observer. Observers run outside the channel
// lock, one change at a time, in order.
func (c *Channel) OnStateChange(fn func(StateChange)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Open binds the channel to userID and starts connecting.
//
// It is a no-op while connecting to or open for the same user. A different
// user, or a channel that gave up, is torn down and restarted.
func (c *Channel) Open(userID string) error {
	userID = strings.TrimSpace(userID)
	target, err := StatusURL(c.cfg.BaseURL, userID)
	if err != nil {
		return err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.userID == userID && (c.state == StateConnecting || c.state == StateOpen) {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.closeLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.done = done
	c.userID = userID
	c.failures = 0
	c.failed = false
	c.lastErr = nil
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.flush()

	c.log.Info("realtime.open", "user_id", userID)
	go c.run(ctx, gen, userID, target, done)
	return nil
}

// Close tears the channel down: it stops any pending reconnect, closes the
// socket with a normal closure and returns once Disconnected. Idempotent.
func (c *Channel) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.closeLocked()
}

func (c *Channel) closeLocked() {
	c.mu.Lock()
	cancel, done, timer := c.cancel, c.done, c.timer
	c.cancel, c.done, c.timer = nil, nil, nil
	c.gen++
	userID := c.userID

	if cancel == nil {
		c.resetLocked()
		c.mu.Unlock()
		c.flush()
		return
	}
	if c.state != StateDisconnected {
		c.setStateLocked(StateClosing)
	}
	c.mu.Unlock()
	c.flush()

	if timer != nil {
		timer.Stop()
	}
	cancel()
	<-done

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.flush()
	c.log.Info("realtime.closed", "user_id", userID)
}

func (c *Channel) resetLocked() {
	c.setStateLocked(StateDisconnected)
	c.userID = ""
	c.failures = 0
	c.failed = false
	c.lastErr = nil
}

// setStateLocked records a change for delivery by flush. Callers hold mu.
func (c *Channel) setStateLocked(to State) {
	if c.state == to {
		return
	}
	c.changes = append(c.changes, StateChange{
		From:   c.state,
		To:     to,
		UserID: c.userID,
		Failed: c.failed,
		Err:    c.lastErr,
	})
	c.state = to
}

func (c *Channel) flush() {
	c.nmu.Lock()
	defer c.nmu.Unlock()

	for {
		c.mu.Lock()
		if len(c.changes) == 0 {
			c.mu.Unlock()
			return
		}
		ch := c.changes[0]
		c.changes = c.changes[1:]
		obs := slices.Clone(c.observers)
		c.mu.Unlock()

		c.metrics.SetChannelState(ch.To.String())
		for _, fn := range obs {
			fn(ch)
		}
	}
}

// run owns one Open epoch: connect, read until lost, wait, reconnect.
func (c *Channel) run(ctx context.Context, gen uint64, userID, target string, done chan struct{}) {
	defer close(done)

	for {
		openedFor, err := c.connect(ctx, gen, userID, target)
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		if openedFor >= c.cfg.StableAfter {
			c.failures = 0
		}
		c.failures++
		c.lastErr = err
		attempts := c.failures

		if attempts >= c.cfg.MaxReconnects {
			c.failed = true
			c.setStateLocked(StateDisconnected)
			c.mu.Unlock()
			c.flush()
			c.log.Warn("realtime.reconnect.exhausted", "user_id", userID, "attempts", attempts, "err", err)
			return
		}

		c.setStateLocked(StateConnecting)
		timer := time.NewTimer(c.cfg.ReconnectDelay)
		c.timer = timer
		c.mu.Unlock()
		c.flush()

		c.metrics.IncReconnect()
		c.log.Info("realtime.reconnect.scheduled",
			"user_id", userID,
			"attempt", attempts,
			"delay_ms", c.cfg.ReconnectDelay.Milliseconds(),
			"err", err,
		)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.timer == timer {
			c.timer = nil
		}
		c.mu.Unlock()
	}
}

// connect dials once and reads until the socket is lost or ctx is cancelled.
// It returns how long the socket stayed open and, for unexpected loss, the cause.
func (c *Channel) connect(ctx context.Context, gen uint64, userID, target string) (time.Duration, error) {
	connID := ids.RequestID()

	hdr := http.Header{}
	if tok := strings.TrimSpace(c.token()); tok != "" {
		hdr.Set("Authorization", "Bearer "+tok)
	}
	hdr.Set("X-Request-ID", connID)

	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: c.hc,
		HTTPHeader: hdr,
	})
	dialCancel()
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		de := &DialError{Err: err}
		if resp != nil {
			de.Status = resp.StatusCode
		}
		if de.AuthRejected() {
			c.log.Warn("realtime.dial.rejected", "user_id", userID, "conn_id", connID, "status", de.Status)
		} else {
			c.log.Info("realtime.dial.fail", "user_id", userID, "conn_id", connID, "status", de.Status, "err", err)
		}
		return 0, fmt.Errorf("%w: %w", ErrConnectionLost, de)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if c.gen != gen || ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
		return 0, nil
	}
	c.setStateLocked(StateOpen)
	c.mu.Unlock()
	c.flush()

	opened := c.now()
	c.log.Info("realtime.connected", "user_id", userID, "conn_id", connID)

	stop := make(chan struct{})
	readCtx, readCancel := context.WithCancel(context.Background())
	defer readCancel()
	var wg sync.WaitGroup

	// Explicit teardown sends a normal closure and gives the peer closeGrace
	// to answer. Cancelling readCtx drops the socket and unblocks Read.
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		go func() { _ = conn.Close(websocket.StatusNormalClosure, "client closing") }()

		t := time.NewTimer(closeGrace)
		defer t.Stop()
		select {
		case <-t.C:
			readCancel()
		case <-stop:
		}
	}()

	if c.cfg.HeartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.heartbeat(conn, stop, userID, connID)
		}()
	}

	var readErr error
	for {
		mt, data, err := conn.Read(readCtx)
		if err != nil {
			readErr = err
			break
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		c.handleFrame(data, userID)
	}

	close(stop)
	wg.Wait()
	openedFor := c.now().Sub(opened)

	if ctx.Err() != nil {
		// A close handshake may still be in flight; never wait on it here.
		go func() { _ = conn.CloseNow() }()
		return openedFor, nil
	}
	_ = conn.CloseNow()

	c.log.Info("realtime.conn.lost",
		"user_id", userID,
		"conn_id", connID,
		"close_status", websocket.CloseStatus(readErr),
		"open_ms", openedFor.Milliseconds(),
		"err", readErr,
	)
	return openedFor, fmt.Errorf("%w: %w", ErrConnectionLost, readErr)
}

func (c *Channel) heartbeat(conn *websocket.Conn, stop <-chan struct{}, userID, connID string) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				c.log.Info("realtime.ping.fail", "user_id", userID, "conn_id", connID, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// handleFrame decodes one inbound frame. Malformed frames are logged and
// dropped; unknown types are ignored.
func (c *Channel) handleFrame(data []byte, userID string) {
	env, err := v1.DecodeEnvelope(data)
	if err != nil {
		c.metrics.ObserveMessage("malformed")
		c.log.Warn("realtime.message.malformed", "user_id", userID, "bytes", len(data), "err", err)
		return
	}
	if !env.Known() {
		c.metrics.ObserveMessage("ignored")
		c.log.Debug("realtime.message.ignored", "user_id", userID, "type", env.Type)
		return
	}

	bu, err := v1.DecodeBidUpdate(data)
	if err != nil {
		c.metrics.ObserveMessage("malformed")
		c.log.Warn("realtime.message.malformed", "user_id", userID, "type", env.Type, "err", err)
		return
	}

	up := Update{BidID: bu.BidID, Status: bu.Status, JobID: bu.JobID, ReceivedAt: c.now().UTC()}
	select {
	case c.updates <- up:
		c.metrics.ObserveMessage("delivered")
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.metrics.ObserveMessage("dropped")
		c.log.Warn("realtime.update.dropped", "user_id", userID, "bid_id", bu.BidID)
	}
}

// IsAuthRejected reports whether err is a handshake refused with 401/403.
func IsAuthRejected(err error) bool {
	var de *DialError
	return errors.As(err, &de) && de.AuthRejected()
}
