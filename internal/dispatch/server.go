// Package dispatch implements the broker's RPC surface: it maps the
// wire protocol onto the engine packages (presence, inbox, notify,
// router, auth, ratelimit, audit) as a plain net/http.ServeMux behind
// an ordered middleware chain. The framing layer is a black box on
// purpose — this package exposes each method as an individually
// routed JSON handler rather than generating a protobuf/connect
// service.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/meshbroker/broker/internal/audit"
	"github.com/meshbroker/broker/internal/auth"
	"github.com/meshbroker/broker/internal/config"
	"github.com/meshbroker/broker/internal/inbox"
	"github.com/meshbroker/broker/internal/logging"
	"github.com/meshbroker/broker/internal/metrics"
	"github.com/meshbroker/broker/internal/notify"
	"github.com/meshbroker/broker/internal/presence"
	"github.com/meshbroker/broker/internal/ratelimit"
	"github.com/meshbroker/broker/internal/router"
	"github.com/meshbroker/broker/internal/store"
)

// Server wires every engine component to the RPC surface and owns the
// process-wide shutdown signal in-flight waits poll to wake up early.
type Server struct {
	cfg      *config.Config
	presence *presence.Registry
	inboxEng *inbox.Engine
	notifyCh *notify.Channel
	respRtr  *router.Router
	authv    *auth.Validator
	limiter  *ratelimit.Limiter
	auditLog *audit.Log

	shutdown   chan struct{}
	httpServer *http.Server
}

// NewServer builds a Server backed by st and configured by cfg.
func NewServer(cfg *config.Config, st store.Store) *Server {
	notifyCh := notify.New(st, cfg.NotifyCap)

	s := &Server{
		cfg:      cfg,
		presence: presence.New(st, cfg.Liveness),
		inboxEng: inbox.New(st, notifyCh, cfg.MessageTTL, cfg.CompactThreshold),
		notifyCh: notifyCh,
		respRtr:  router.New(st),
		authv:    auth.New(st, cfg.ServerSecret, cfg.ProxyToken, cfg.AdminKey),
		limiter:  ratelimit.New(st),
		auditLog: audit.New(st),
		shutdown: make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	chained := s.chain(mux,
		s.ShutdownMiddleware,
		metrics.HTTPMiddleware,
		logging.HTTPMiddleware,
		s.TimeoutMiddleware,
		s.IdentityMiddleware,
	)

	h2cHandler := h2c.NewHandler(chained, &http2.Server{MaxConcurrentStreams: 1000})
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// chain wraps base with mw in outermost-first order: chain(h, a, b)
// runs a, then b, then h.
func (s *Server) chain(base http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	h := base
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// authenticated wraps an operation handler with the AuthMiddleware and
// RateLimitMiddleware pair every authenticated route needs, after
// Identity has already been attached by the outer chain.
func (s *Server) authenticated(h http.HandlerFunc) http.Handler {
	return s.chain(http.HandlerFunc(h), s.RPCMetricsMiddleware, s.AuthMiddleware, s.RateLimitMiddleware)
}

// adminOnly additionally requires the admin auth source — admin routes
// have no per-key agent_pattern to check, but they must never be
// reachable by a plain agent key or proxy token.
func (s *Server) adminOnly(h http.HandlerFunc) http.Handler {
	return s.chain(http.HandlerFunc(h), s.AuthMiddleware, s.RequireAdminMiddleware, s.RateLimitMiddleware)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Unauthenticated health check.
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// RPC surface.
	mux.Handle("POST /rpc/ping", s.authenticated(s.handlePing))
	mux.Handle("POST /rpc/register_agent", s.authenticated(s.handleRegisterAgent))
	mux.Handle("POST /rpc/set_description", s.authenticated(s.handleSetDescription))
	mux.Handle("POST /rpc/list_agents", s.authenticated(s.handleListAgents))
	mux.Handle("POST /rpc/find_agent", s.authenticated(s.handleFindAgent))
	mux.Handle("POST /rpc/send_message", s.authenticated(s.handleSendMessage))
	mux.Handle("POST /rpc/get_messages", s.authenticated(s.handleGetMessages))
	mux.Handle("POST /rpc/peek_messages", s.authenticated(s.handlePeekMessages))
	mux.Handle("POST /rpc/ack_messages", s.authenticated(s.handleAckMessages))
	mux.Handle("POST /rpc/reply", s.authenticated(s.handleReply))
	mux.Handle("POST /rpc/wait_for_message", s.authenticated(s.handleWaitForMessage))
	mux.Handle("POST /rpc/wait_for_response", s.authenticated(s.handleWaitForResponse))

	// Admin endpoints (admin-only; authorization pattern does not apply
	// to the admin source, but auth + rate-limit still run).
	mux.Handle("POST /admin/agents/purge", s.adminOnly(s.handleAdminPurge))
	mux.Handle("POST /admin/keys", s.adminOnly(s.handleAdminCreateKey))
	mux.Handle("GET /admin/keys", s.adminOnly(s.handleAdminListKeys))
	mux.Handle("DELETE /admin/keys/{id}", s.adminOnly(s.handleAdminRevokeKey))
	mux.Handle("GET /admin/audit", s.adminOnly(s.handleAdminAudit))

	// Hook-oriented REST mirrors of register/peek/unregister.
	mux.Handle("POST /api/register", s.authenticated(s.handleRestRegister))
	mux.Handle("GET /api/pending", s.authenticated(s.handleRestPending))
	mux.Handle("POST /api/unregister", s.authenticated(s.handleRestUnregister))

	mux.Handle("GET /metrics", promhttp.Handler())
}

// Serve starts the HTTP/2-cleartext listener and blocks until ctx is
// cancelled, then drains in-flight requests for up to 15s before
// returning. In-flight waits observe the shutdown signal within
// waitChunk and return a retry record.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("broker shutting down...")
		close(s.shutdown)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	<-shutdownDone
	return nil
}

// AuthValidator exposes the Validator for bootstrap code (e.g. minting
// the first admin-created key from a CLI subcommand).
func (s *Server) AuthValidator() *auth.Validator { return s.authv }
