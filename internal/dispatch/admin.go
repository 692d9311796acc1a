package dispatch

import (
	"net/http"

	"github.com/meshbroker/broker/internal/audit"
	"github.com/meshbroker/broker/internal/brokererr"
	"github.com/meshbroker/broker/internal/store"
)

type purgeRequest struct {
	Pattern string `json:"pattern"`
}

// handleAdminPurge removes every agent matching pattern along with its
// inbox/reply/acked/notify keys, in one pipelined group.
func (s *Server) handleAdminPurge(w http.ResponseWriter, r *http.Request) {
	var body purgeRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Pattern == "" {
		writeError(w, brokererr.Invalid("pattern is required"))
		return
	}

	removed, err := s.presence.RemoveByPattern(r.Context(), body.Pattern, func(id string, p store.Pipeliner) {
		p.ListDelete("inbox:" + id)
		p.ListDelete("replies:" + id)
		p.ListDelete("acked:" + id)
		p.ListDelete("notify:" + id)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditLog.Write(r.Context(), audit.EventAgentUnregister, map[string]interface{}{
		"pattern": body.Pattern, "removed": removed,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

type createKeyRequest struct {
	AgentPattern string `json:"agent_pattern,omitempty"`
	Description  string `json:"description,omitempty"`
}

func (s *Server) handleAdminCreateKey(w http.ResponseWriter, r *http.Request) {
	var body createKeyRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}

	created, err := s.authv.CreateKey(r.Context(), body.AgentPattern, body.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditLog.Write(r.Context(), audit.EventAdminKeyCreate, map[string]interface{}{
		"key_id": created.KeyID, "agent_pattern": created.AgentPattern,
	})
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleAdminListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.authv.ListKeys(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleAdminRevokeKey(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("id")
	if keyID == "" {
		writeError(w, brokererr.Invalid("key id is required"))
		return
	}
	if err := s.authv.RevokeKey(r.Context(), keyID); err != nil {
		writeError(w, err)
		return
	}
	s.auditLog.Write(r.Context(), audit.EventAdminKeyRevoke, map[string]interface{}{"key_id": keyID})
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": keyID})
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			limit = n
		}
	}
	eventFilter := r.URL.Query().Get("event")

	entries, err := s.auditLog.Recent(r.Context(), limit, eventFilter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, brokererr.Invalid("not a number")
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, brokererr.Invalid("must be positive")
	}
	return n, nil
}
