package dispatch

import (
	"context"
	"net/http"

	"github.com/meshbroker/broker/internal/auth"
)

// Header names the front proxy / callers set on every RPC request.
const (
	HeaderMachineName = "Machine-Name"
	HeaderProjectName = "Project-Name"
	HeaderSessionID   = "Session-ID"
	HeaderAuthPath    = "Auth-Path"
)

// Identity is the per-request identity the IdentityMiddleware derives
// from headers, before the Presence Registry resolves it to an
// effective agent id.
type Identity struct {
	Machine   string
	Project   string
	SessionID string
	FullID    string // machine[/project]
	AuthPath  string // one of auth.PathAgent/PathAdmin/PathOAuth/PathPublic
}

type contextKey int

const (
	identityKey contextKey = iota
	authResultKey
)

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the Identity attached by IdentityMiddleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func fullID(machine, project string) string {
	if project == "" {
		return machine
	}
	return machine + "/" + project
}

// authPathOf maps the informational Auth-Path header to one of the
// dispatcher's known prefixes; anything without a recognized prefix
// defaults to /oauth (proxy) mode.
func authPathOf(raw string) string {
	switch raw {
	case auth.PathAgent:
		return auth.PathAgent
	case auth.PathAdmin:
		return auth.PathAdmin
	case auth.PathPublic:
		return auth.PathPublic
	default:
		return auth.PathOAuth
	}
}

// identityFromRequest extracts the identity headers without touching
// the Presence Registry; full_id is the request id as supplied by the
// headers, not yet resolved by register()'s collision rules.
func identityFromRequest(r *http.Request) Identity {
	machine := r.Header.Get(HeaderMachineName)
	project := r.Header.Get(HeaderProjectName)
	return Identity{
		Machine:   machine,
		Project:   project,
		SessionID: r.Header.Get(HeaderSessionID),
		FullID:    fullID(machine, project),
		AuthPath:  authPathOf(r.Header.Get(HeaderAuthPath)),
	}
}
