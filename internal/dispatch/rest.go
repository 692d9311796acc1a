package dispatch

import (
	"net/http"

	"github.com/meshbroker/broker/internal/audit"
	"github.com/meshbroker/broker/internal/brokererr"
	"github.com/meshbroker/broker/internal/util/sanitize"
	"github.com/meshbroker/broker/internal/validate"
)

// REST hook mirrors of register/peek/unregister, for agent-side hook
// scripts that speak plain JSON-over-HTTP instead of the RPC surface.

func (s *Server) handleRestRegister(w http.ResponseWriter, r *http.Request) {
	ident, _ := IdentityFromContext(r.Context())
	var body registerAgentRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}

	reqID := ident.FullID
	if reqID == "" {
		reqID = body.Name
	}
	if err := validate.AgentID(reqID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r.Context(), reqID); err != nil {
		writeError(w, err)
		return
	}

	caps := make([]string, len(body.Capabilities))
	for i, c := range body.Capabilities {
		caps[i] = sanitize.Text(c, 200)
	}

	rec, err := s.presence.Register(r.Context(), reqID, ident.SessionID, caps)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditLog.Write(r.Context(), audit.EventAgentRegister, map[string]interface{}{"agent_id": rec.ID})
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRestPending(w http.ResponseWriter, r *http.Request) {
	ident, _ := IdentityFromContext(r.Context())
	if ident.FullID == "" {
		writeError(w, brokererr.Unauthenticated("missing Machine-Name header"))
		return
	}
	if err := s.authorize(r.Context(), ident.FullID); err != nil {
		writeError(w, err)
		return
	}

	msgs, err := s.inboxEng.Peek(r.Context(), ident.FullID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleRestUnregister(w http.ResponseWriter, r *http.Request) {
	ident, _ := IdentityFromContext(r.Context())
	if ident.FullID == "" {
		writeError(w, brokererr.Unauthenticated("missing Machine-Name header"))
		return
	}
	if err := s.authorize(r.Context(), ident.FullID); err != nil {
		writeError(w, err)
		return
	}

	if err := s.presence.Remove(r.Context(), ident.FullID, nil); err != nil {
		writeError(w, err)
		return
	}
	s.auditLog.Write(r.Context(), audit.EventAgentUnregister, map[string]interface{}{"agent_id": ident.FullID})
	writeJSON(w, http.StatusOK, map[string]interface{}{"unregistered": ident.FullID})
}
