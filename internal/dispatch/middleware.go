package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/meshbroker/broker/internal/audit"
	"github.com/meshbroker/broker/internal/auth"
	"github.com/meshbroker/broker/internal/brokererr"
	"github.com/meshbroker/broker/internal/metrics"
)

// waitOperations are exempt from TimeoutMiddleware's default request
// deadline — they're expected to block up to MAX_WAIT on purpose.
var waitOperations = map[string]bool{
	"wait_for_message":  true,
	"wait_for_response": true,
}

// ShutdownMiddleware rejects every request with SHUTTING_DOWN once the
// process has begun a graceful drain. It must run first in the chain.
func (s *Server) ShutdownMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.shutdown:
			writeError(w, brokererr.Draining())
			return
		default:
		}
		next.ServeHTTP(w, r)
	})
}

// defaultRequestTimeout bounds ordinary (non-wait) RPCs so a stuck
// store round-trip can't hold a connection open forever.
const defaultRequestTimeout = 30 * time.Second

// TimeoutMiddleware applies a default request deadline to every
// operation except the long-poll wait endpoints, which manage their
// own deadline from the client-supplied timeout parameter.
func (s *Server) TimeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := operationFromPath(r.URL.Path)
		if waitOperations[op] {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityMiddleware extracts the Machine-Name/Project-Name/Session-ID/
// Auth-Path headers and attaches the resulting Identity to the request
// context.
func (s *Server) IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identityFromRequest(r)
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// AuthMiddleware validates the bearer credential against the mode
// selected by the request's Auth-Path and attaches the auth.Result to
// the request context.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFromContext(r.Context())
		result, err := s.authv.Validate(r.Context(), r.Header.Get("Authorization"), id.AuthPath)
		if err != nil {
			s.auditLog.Write(r.Context(), audit.EventAuthFailure, map[string]interface{}{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
			writeError(w, err)
			return
		}
		if result.Source == auth.SourceAPIKey {
			s.auditLog.Write(r.Context(), audit.EventAuthSuccess, map[string]interface{}{
				"key_id": result.KeyID,
			})
		}
		ctx := context.WithValue(r.Context(), authResultKey, result)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthResultFromContext returns the auth.Result attached by AuthMiddleware.
func AuthResultFromContext(ctx context.Context) (auth.Result, bool) {
	res, ok := ctx.Value(authResultKey).(auth.Result)
	return res, ok
}

// RPCMetricsMiddleware records per-operation request counts and
// latencies for the /rpc/* surface, distinct from the generic
// per-path HTTP metrics HTTPMiddleware already records.
func (s *Server) RPCMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := metrics.Instrument(metrics.OperationFromPath(r.URL.Path))
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		var err error
		if rw.status >= 400 {
			err = fmt.Errorf("http %d", rw.status)
		}
		done(err)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequireAdminMiddleware rejects any request whose validated auth
// source isn't the admin key, so an agent or proxy credential can
// never reach the admin surface even if it somehow passed AuthMiddleware.
func (s *Server) RequireAdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, ok := AuthResultFromContext(r.Context())
		if !ok || result.Source != auth.SourceAdmin {
			s.auditLog.Write(r.Context(), audit.EventAuthorizationDenied, map[string]interface{}{
				"path": r.URL.Path, "source": string(result.Source),
			})
			writeError(w, &brokererr.Error{Code: brokererr.Forbidden, Message: "admin credential required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitMiddleware enforces the per-(operation, identity) sliding
// window from internal/ratelimit, keyed by the authenticated identity
// when one exists, the requesting agent id otherwise.
func (s *Server) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := operationFromPath(r.URL.Path)
		identity := rateLimitIdentity(r.Context())
		if err := s.limiter.CheckAndRecord(r.Context(), op, identity); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitIdentity(ctx context.Context) string {
	if result, ok := AuthResultFromContext(ctx); ok {
		switch {
		case result.KeyID != "":
			return "key:" + result.KeyID
		case result.Source != "":
			return string(result.Source)
		}
	}
	if id, ok := IdentityFromContext(ctx); ok && id.FullID != "" {
		return id.FullID
	}
	return "anonymous"
}

// operationFromPath maps a dispatcher route to the operation name used
// for rate-limit buckets, metrics, and audit fields.
func operationFromPath(path string) string {
	switch {
	case len(path) > len("/rpc/") && path[:len("/rpc/")] == "/rpc/":
		return path[len("/rpc/"):]
	case len(path) > len("/admin/") && path[:len("/admin/")] == "/admin/":
		return "admin_" + sanitizeOp(path[len("/admin/"):])
	case len(path) > len("/api/") && path[:len("/api/")] == "/api/":
		return "rest_" + sanitizeOp(path[len("/api/"):])
	default:
		return "unknown"
	}
}

func sanitizeOp(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '/' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}
