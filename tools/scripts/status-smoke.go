// Package main provides a CI-friendly smoke test for the bid status stream.
//
// It validates against a running dev backend:
//   - register + login
//   - handshake rejected without a bearer token
//   - handshake with the bearer token
//   - bid_update pushed on create and on status change
//   - revoke closes the socket and the old token is refused
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "bidwatch/shared/contracts/status/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 64 << 10

type session struct {
	Token  string
	UserID string
}

func main() {
	var (
		apiURL   = flag.String("api", "http://127.0.0.1:8000", "API base URL")
		email    = flag.String("email", "smoke@example.com", "Account email (registered if missing)")
		password = flag.String("password", "smoke-password", "Account password")
		jobID    = flag.String("job", "smoke-job", "Job id for the test bid")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base, err := validateAPIURL(*apiURL)
	if err != nil {
		fatalf("invalid -api: %v", err)
	}
	root := context.Background()

	mustRegister(root, base, *email, *password, *timeout)
	s := mustLogin(root, base, *email, *password, *timeout)
	if *verbose {
		fmt.Printf("logged in: user_id=%s\n", s.UserID)
	}

	ws := statusURL(base, s.UserID)
	mustRejectHandshake(root, ws, "", http.StatusUnauthorized, *timeout)

	conn := mustDial(root, ws, s.Token, *timeout)
	defer closeWS(conn)

	var created struct {
		Bid struct {
			ID string `json:"id"`
		} `json:"bid"`
	}
	mustCall(root, base, http.MethodPost, "/api/bids", s.Token, map[string]string{"job_id": *jobID}, &created, *timeout)
	mustReadUpdate(root, conn, created.Bid.ID, "submitted", *timeout)

	mustCall(root, base, http.MethodPost, "/api/bids/"+created.Bid.ID+"/status", s.Token, map[string]string{"status": "accepted"}, nil, *timeout)
	mustReadUpdate(root, conn, created.Bid.ID, "accepted", *timeout)

	mustCall(root, base, http.MethodPost, "/auth/revoke", s.Token, nil, nil, *timeout)
	mustSeeClose(root, conn, *timeout)
	mustRejectHandshake(root, ws, s.Token, http.StatusUnauthorized, *timeout)

	fmt.Printf("OK: user_id=%s bid_id=%s\n", s.UserID, created.Bid.ID)
}

func validateAPIURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return nil, errors.New("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

func statusURL(base *url.URL, userID string) string {
	u := *base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = v1.PathPrefix + url.PathEscape(userID)
	return u.String()
}

func call(parent context.Context, base *url.URL, method, path, token string, in, out any, stepTimeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, base.String()+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode/100 == 2 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func mustCall(parent context.Context, base *url.URL, method, path, token string, in, out any, stepTimeout time.Duration) {
	status, err := call(parent, base, method, path, token, in, out, stepTimeout)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	if status/100 != 2 {
		fatalf("%s %s: status %d", method, path, status)
	}
}

func mustRegister(parent context.Context, base *url.URL, email, password string, stepTimeout time.Duration) {
	status, err := call(parent, base, http.MethodPost, "/auth/register", "", map[string]string{"email": email, "password": password}, nil, stepTimeout)
	if err != nil {
		fatalf("register: %v", err)
	}
	if status != http.StatusCreated && status != http.StatusConflict {
		fatalf("register: status %d", status)
	}
}

func mustLogin(parent context.Context, base *url.URL, email, password string, stepTimeout time.Duration) session {
	var out struct {
		AccessToken string `json:"access_token"`
		User        struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	mustCall(parent, base, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": password}, &out, stepTimeout)
	if out.AccessToken == "" || out.User.ID == "" {
		fatalf("login: missing access_token or user.id")
	}
	return session{Token: out.AccessToken, UserID: out.User.ID}
}

func dial(parent context.Context, wsURL, token string, stepTimeout time.Duration) (*websocket.Conn, *http.Response, error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

func mustDial(parent context.Context, wsURL, token string, stepTimeout time.Duration) *websocket.Conn {
	conn, _, err := dial(parent, wsURL, token, stepTimeout)
	if err != nil {
		fatalf("connect: %v", err)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn
}

func mustRejectHandshake(parent context.Context, wsURL, token string, want int, stepTimeout time.Duration) {
	conn, resp, err := dial(parent, wsURL, token, stepTimeout)
	if err == nil {
		closeWS(conn)
		fatalf("handshake accepted, want status %d", want)
	}
	if resp == nil || resp.StatusCode != want {
		fatalf("handshake rejected with %v, want status %d", resp, want)
	}
}

func mustReadUpdate(parent context.Context, conn *websocket.Conn, bidID, status string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			fatalf("read bid_update(%s): %v", status, err)
		}
		env, err := v1.DecodeEnvelope(data)
		if err != nil {
			fatalf("bad frame: %v", err)
		}
		if !env.Known() {
			continue
		}
		b, err := v1.DecodeBidUpdate(data)
		if err != nil {
			fatalf("bad bid_update: %v", err)
		}
		if b.BidID != bidID || b.Status != status {
			fatalf("bid_update mismatch: got=%s/%s want=%s/%s", b.BidID, b.Status, bidID, status)
		}
		return
	}
}

func mustSeeClose(parent context.Context, conn *websocket.Conn, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	_, _, err := conn.Read(ctx)
	if err == nil {
		fatalf("socket still delivering after revoke")
	}
	if st := websocket.CloseStatus(err); st != websocket.StatusPolicyViolation {
		fatalf("close status after revoke: got=%v want=%v", st, websocket.StatusPolicyViolation)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
