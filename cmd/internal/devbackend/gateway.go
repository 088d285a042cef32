package devbackend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"bidwatch/cmd/identity/ids"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"
)

const (
	wsMaxPingFailures = 3
	wsCloseGrace      = 1 * time.Second
	wsMaxInboundBytes = 4 << 10
)

// Gateway serves the per-user bid status socket.
type Gateway struct {
	log    *slog.Logger
	hub    *Hub
	tokens *Tokens

	writeTimeout     time.Duration
	sendQueueSize    int
	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration
}

// NewGateway constructs a gateway from the backend config.
func NewGateway(log *slog.Logger, hub *Hub, tokens *Tokens, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		log:              log,
		hub:              hub,
		tokens:           tokens,
		writeTimeout:     cfg.WriteTimeout,
		sendQueueSize:    cfg.SendQueueSize,
		heartbeatEvery:   cfg.HeartbeatInterval,
		heartbeatTimeout: cfg.HeartbeatTimeout,
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the handshake, upgrades, and streams the user's bid updates.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(mux.Vars(r)["userId"])
	if userID == "" {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}

	claims, err := g.tokens.Verify(bearerToken(r))
	if err != nil {
		g.log.Info("ws.reject.auth", "user_id", userID, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid_token", "authentication required")
		return
	}
	if claims.Subject != userID {
		g.log.Info("ws.reject.forbidden", "user_id", userID, "subject", claims.Subject)
		writeError(w, http.StatusForbidden, "forbidden", "not allowed")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(wsMaxInboundBytes)

	connID := ids.RequestID()
	client := NewClient(userID, connID, g.sendQueueSize)
	g.hub.Join(client)
	g.log.Info("ws.open", "user_id", userID, "conn_id", connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Leave(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				shutdown(websocket.StatusPolicyViolation, "session ended")
				return
			case frame := <-client.Send:
				wctx, wcancel := context.WithTimeout(ctx, g.writeTimeout)
				err := conn.Write(wctx, websocket.MessageText, frame)
				wcancel()
				if err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		if g.heartbeatEvery <= 0 {
			return
		}

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// The status stream is server-push only; inbound data frames are ignored.
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		switch {
		case websocket.CloseStatus(err) != -1:
			shutdown(websocket.StatusNormalClosure, "peer closed")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			shutdown(websocket.StatusNormalClosure, "context done")
		default:
			g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
			shutdown(websocket.StatusAbnormalClosure, "read failed")
		}
		break
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.close", "user_id", userID, "conn_id", connID)
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
