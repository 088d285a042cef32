// Package devbackend is a small local implementation of the bidding backend the
// client talks to: password login issuing JWT bearer tokens, a protected bid API,
// and the per-user bid status WebSocket.
//
// It exists for local runs, smoke tests and end-to-end tests of the client stack.
package devbackend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	v1 "bidwatch/shared/contracts/status/v1"

	"github.com/gorilla/mux"
)

type ctxKey int

const claimsKey ctxKey = iota

// Server wires accounts, tokens, bids and the status hub behind one router.
type Server struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	users   *Users
	tokens  *Tokens
	bids    *Bids
	hub     *Hub
	gateway *Gateway
}

// Option configures a Server.
type Option func(*Server)

// WithBcryptCost overrides the password hashing cost (tests use bcrypt.MinCost).
func WithBcryptCost(cost int) Option {
	return func(s *Server) { s.users = NewUsers(cost) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a Server and seeds the configured account.
func New(cfg Config, log *slog.Logger, opts ...Option) (*Server, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	tokens, err := NewTokens(cfg.JWTSecret, cfg.Issuer, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		tokens: tokens,
		bids:   NewBids(),
		hub:    NewHub(log),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.users == nil {
		s.users = NewUsers(0)
	}
	s.gateway = NewGateway(log, s.hub, s.tokens, cfg)

	if cfg.SeedEmail != "" && cfg.SeedPassword != "" {
		u, err := s.users.Register(cfg.SeedEmail, cfg.SeedPassword, "", s.now())
		if err != nil {
			return nil, err
		}
		log.Info("devbackend.seed", "user_id", u.ID, "email", u.Email)
	}
	return s, nil
}

// Users exposes the account registry (tests and seeding).
func (s *Server) Users() *Users { return s.users }

// Hub exposes the status fanout.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.Handle("/auth/revoke", s.authenticate(http.HandlerFunc(s.handleRevoke))).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/bids", s.handleListBids).Methods(http.MethodGet)
	api.HandleFunc("/bids", s.handleCreateBid).Methods(http.MethodPost)
	api.HandleFunc("/bids/{bidId}/status", s.handleSetStatus).Methods(http.MethodPost)

	r.Handle(strings.TrimSuffix(v1.PathPrefix, "/")+"/{userId}", s.gateway).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.tokens.Verify(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token", "authentication required")
			return
		}
		if _, ok := s.users.Get(claims.Subject); !ok {
			writeError(w, http.StatusUnauthorized, "invalid_token", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func claimsFrom(r *http.Request) *Claims {
	c, _ := r.Context().Value(claimsKey).(*Claims)
	return c
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        User      `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	u, err := s.users.Authenticate(req.Email, req.Password)
	if err != nil {
		s.log.Info("devbackend.login.fail", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
		return
	}

	tok, exp, err := s.tokens.Issue(u.ID, s.now())
	if err != nil {
		s.log.Error("devbackend.token.issue_failed", "user_id", u.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "server error")
		return
	}

	s.log.Info("devbackend.login.ok", "user_id", u.ID)
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: tok,
		TokenType:   "Bearer",
		ExpiresAt:   exp,
		User:        u,
	})
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	u, err := s.users.Register(req.Email, req.Password, req.DisplayName, s.now())
	switch {
	case errors.Is(err, ErrEmailTaken):
		writeError(w, http.StatusConflict, "email_taken", "email already registered")
		return
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "a valid email and a password of at least 8 characters are required")
		return
	case err != nil:
		s.log.Error("devbackend.register.failed", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "server error")
		return
	}

	s.log.Info("devbackend.register.ok", "user_id", u.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"user": u})
}

// handleRevoke invalidates the presented token and drops the user's sockets.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r)
	s.tokens.Revoke(c, s.now())
	s.hub.Disconnect(c.Subject)
	s.log.Info("devbackend.token.revoked", "user_id", c.Subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, _ := s.users.Get(claimsFrom(r).Subject)
	writeJSON(w, http.StatusOK, map[string]any{"user": u})
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bids": s.bids.List(claimsFrom(r).Subject)})
}

type createBidRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleCreateBid(w http.ResponseWriter, r *http.Request) {
	var req createBidRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	bid, err := s.bids.Create(claimsFrom(r).Subject, req.JobID, s.now())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_input", "job_id is required")
		return
	}
	s.publish(bid)
	writeJSON(w, http.StatusCreated, map[string]any{"bid": bid})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	bid, err := s.bids.SetStatus(claimsFrom(r).Subject, mux.Vars(r)["bidId"], req.Status, s.now())
	switch {
	case errors.Is(err, ErrBidNotFound):
		writeError(w, http.StatusNotFound, "not_found", "bid not found")
		return
	case errors.Is(err, ErrInvalidStatus):
		writeError(w, http.StatusUnprocessableEntity, "invalid_status", "unknown bid status")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "server_error", "server error")
		return
	}
	s.publish(bid)
	writeJSON(w, http.StatusOK, map[string]any{"bid": bid})
}

func (s *Server) publish(bid Bid) {
	frame, err := v1.EncodeBidUpdate(bid.ID, bid.Status, bid.JobID)
	if err != nil {
		s.log.Error("devbackend.publish.encode_failed", "bid_id", bid.ID, "err", err)
		return
	}
	n := s.hub.Publish(bid.UserID, frame)
	s.log.Info("devbackend.publish", "user_id", bid.UserID, "bid_id", bid.ID, "status", bid.Status, "sockets", n)
}
