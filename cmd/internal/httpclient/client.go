// Package httpclient is the shared HTTP client of the bidwatch session subsystem.
//
// It applies the bearer header uniformly, classifies every failure into
// auth / transient / client, retries transient failures with bounded backoff
// and escalates auth failures to a single registered callback.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bidwatch/cmd/identity/ids"
	"bidwatch/cmd/internal/telemetry"
)

// AttemptLimit is the most attempts a transient failure ever gets, the first included.
const AttemptLimit = 3

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxAttempts = AttemptLimit
	defaultRetryBase   = 250 * time.Millisecond
	defaultRetryMax    = 2 * time.Second
	defaultUserAgent   = "bidwatch/1"

	maxResponseBytes = 1 << 20 // 1 MiB
)

// Config controls the client.
type Config struct {
	// BaseURL is the API root, e.g. https://api.example.com. Paths are resolved against it.
	BaseURL string

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// MaxAttempts caps attempts for transient failures (including the first).
	// Values above AttemptLimit are clamped.
	MaxAttempts int

	// RetryBase is the first backoff delay; each retry doubles it up to RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration

	UserAgent string
}

// AuthFailure describes a 401/403 response escalated to the registered callback.
type AuthFailure struct {
	Status int
	Method string
	Path   string

	// Token is the bearer the failed request was sent with.
	Token string
}

// AuthFailureFunc receives auth failures. It runs on the goroutine of the failing
// request before that request returns its error.
type AuthFailureFunc func(context.Context, AuthFailure)

// Request is one API call. Body is buffered so retries can replay it.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte

	// NoRetry disables transient retries for this request.
	NoRetry bool

	// Anonymous sends the request without the bearer header. Auth failures on
	// anonymous requests are returned but never escalated.
	Anonymous bool
}

// Response is a fully read 2xx response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client is the configured request client. Safe for concurrent use.
type Client struct {
	cfg     Config
	base    *url.URL
	hc      *http.Client
	log     *slog.Logger
	metrics *telemetry.Metrics

	mu          sync.RWMutex
	token       string
	gen         uint64
	notifiedGen uint64
	onAuth      AuthFailureFunc

	sleep func(context.Context, time.Duration) error
}

// Option configures optional client dependencies.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (tests, custom transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithMetrics wires Prometheus counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New constructs a Client. BaseURL must be an absolute http(s) URL.
func New(cfg Config, log *slog.Logger, opts ...Option) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.MaxAttempts > AttemptLimit {
		cfg.MaxAttempts = AttemptLimit
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = defaultRetryMax
		if cfg.RetryMax < cfg.RetryBase {
			cfg.RetryMax = cfg.RetryBase
		}
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}

	c := &Client{
		cfg:   cfg,
		base:  base,
		hc:    &http.Client{Timeout: cfg.Timeout},
		log:   log,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrConfig)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme: %s", ErrConfig, u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, fmt.Errorf("%w: missing host", ErrConfig)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// BaseURL returns a copy of the configured base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// SetAuthHeader sets (or clears, with "") the bearer token for subsequent requests.
// Setting the current token again is a no-op.
func (c *Client) SetAuthHeader(token string) {
	token = strings.TrimSpace(token)

	c.mu.Lock()
	defer c.mu.Unlock()
	if token == c.token {
		return
	}
	c.token = token
	c.gen++
}

// AuthToken returns the bearer token currently applied to requests.
func (c *Client) AuthToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// OnAuthFailure registers the single auth-failure callback, replacing any previous one.
func (c *Client) OnAuthFailure(fn AuthFailureFunc) {
	c.mu.Lock()
	c.onAuth = fn
	c.mu.Unlock()
}

func (c *Client) authSnapshot() (string, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.gen
}

// Do sends the request, retrying transient failures. Non-2xx outcomes return *StatusError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	target := c.resolve(req.Path, req.Query)

	maxAttempts := c.cfg.MaxAttempts
	if req.NoRetry {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		token, gen := c.authSnapshot()
		if req.Anonymous {
			token = ""
		}
		requestID := ids.RequestID()

		resp, err := c.send(ctx, method, target, token, requestID, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			se := &StatusError{
				Class:    ClassTransient,
				Method:   method,
				Path:     req.Path,
				Attempts: attempt,
				Err:      err,
			}
			if c.retry(ctx, se, attempt, maxAttempts, requestID) {
				continue
			}
			c.metrics.ObserveRequest(se.Class.String())
			return nil, se
		}

		class := Classify(resp.Status)
		if class == ClassOK {
			c.metrics.ObserveRequest(class.String())
			return resp, nil
		}

		se := &StatusError{
			Class:    class,
			Status:   resp.Status,
			Method:   method,
			Path:     req.Path,
			Attempts: attempt,
		}
		se.Code, se.Message = parseErrorBody(resp.Body)

		switch class {
		case ClassAuthFailure:
			c.metrics.ObserveRequest(class.String())
			c.metrics.IncAuthFailure()
			c.log.Info("http.request.auth_failure", "method", method, "path", req.Path, "status", resp.Status, "request_id", requestID)
			c.escalate(ctx, token, gen, AuthFailure{Status: resp.Status, Method: method, Path: req.Path, Token: token})
			return nil, se
		case ClassTransient:
			if c.retry(ctx, se, attempt, maxAttempts, requestID) {
				continue
			}
			c.metrics.ObserveRequest(class.String())
			return nil, se
		default:
			c.metrics.ObserveRequest(class.String())
			return nil, se
		}
	}
}

// retry waits for the backoff delay when another attempt is allowed.
func (c *Client) retry(ctx context.Context, se *StatusError, attempt, maxAttempts int, requestID string) bool {
	if attempt >= maxAttempts {
		return false
	}
	delay := backoff(c.cfg.RetryBase, c.cfg.RetryMax, attempt)
	c.log.Info("http.request.retry",
		"method", se.Method,
		"path", se.Path,
		"status", se.Status,
		"attempt", attempt,
		"delay_ms", delay.Milliseconds(),
		"request_id", requestID,
		"err", se.Err,
	)
	if err := c.sleep(ctx, delay); err != nil {
		return false
	}
	c.metrics.IncRetry()
	return true
}

// escalate fires the auth-failure callback at most once per token generation,
// and only while the failing token is still the current one.
func (c *Client) escalate(ctx context.Context, token string, gen uint64, f AuthFailure) {
	if token == "" {
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.notifiedGen == gen {
		c.mu.Unlock()
		return
	}
	c.notifiedGen = gen
	fn := c.onAuth
	c.mu.Unlock()

	if fn != nil {
		fn(ctx, f)
	}
}

func (c *Client) resolve(path string, q url.Values) string {
	u := *c.base
	p := strings.TrimSpace(path)
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u.Path = c.base.Path + p
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) send(ctx context.Context, method, target, token, requestID string, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	hr, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	hr.Header.Set("Accept", "application/json")
	hr.Header.Set("User-Agent", c.cfg.UserAgent)
	hr.Header.Set("X-Request-ID", requestID)
	if req.Body != nil && hr.Header.Get("Content-Type") == "" {
		hr.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		hr.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.hc.Do(hr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxResponseBytes {
		return nil, errors.New("response body too large")
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: b}, nil
}

func backoff(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
