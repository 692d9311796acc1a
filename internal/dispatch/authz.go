package dispatch

import (
	"context"

	"github.com/meshbroker/broker/internal/audit"
	"github.com/meshbroker/broker/internal/auth"
	"github.com/meshbroker/broker/internal/brokererr"
)

// authorize enforces the per-key authorization check: an api_key-
// sourced request may only target an agent id matching the key's
// agent_pattern. Non-api_key sources (admin, proxy, no-auth, public)
// are unrestricted at this layer. It needs the per-operation target
// agent id, which the shared middleware chain can't see uniformly, so
// each handler calls it explicitly once it has decoded its target.
func (s *Server) authorize(ctx context.Context, targetAgentID string) error {
	result, ok := AuthResultFromContext(ctx)
	if !ok || result.Source != auth.SourceAPIKey {
		return nil
	}
	if auth.Allows(targetAgentID, result.AgentPattern) {
		return nil
	}
	s.auditLog.Write(ctx, audit.EventAuthorizationDenied, map[string]interface{}{
		"key_id":  result.KeyID,
		"pattern": result.AgentPattern,
		"target":  targetAgentID,
	})
	return brokererr.Denied(targetAgentID, result.AgentPattern)
}
