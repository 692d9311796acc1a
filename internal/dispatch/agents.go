package dispatch

import (
	"net/http"

	"github.com/meshbroker/broker/internal/audit"
	"github.com/meshbroker/broker/internal/brokererr"
	"github.com/meshbroker/broker/internal/util/sanitize"
	"github.com/meshbroker/broker/internal/validate"
)

const maxDescriptionLen = 4000

type registerAgentRequest struct {
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// handleRegisterAgent resolves the request id from the Machine-Name/
// Project-Name headers, falling back to the body's optional "name"
// field when no Machine-Name header was sent (e.g. a bare CLI caller
// that only knows its own label).
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
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

type setDescriptionRequest struct {
	AgentID     string `json:"agent_id"`
	Description string `json:"description"`
}

func (s *Server) handleSetDescription(w http.ResponseWriter, r *http.Request) {
	var body setDescriptionRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.AgentID(body.AgentID); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.Body("description", []byte(body.Description)); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r.Context(), body.AgentID); err != nil {
		writeError(w, err)
		return
	}

	text := sanitize.Text(body.Description, maxDescriptionLen)
	rec, err := s.presence.SetDescription(r.Context(), body.AgentID, text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	recs, err := s.presence.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type findAgentRequest struct {
	BaseID string `json:"base_id"`
}

func (s *Server) handleFindAgent(w http.ResponseWriter, r *http.Request) {
	var body findAgentRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.BaseID == "" {
		writeError(w, brokererr.Invalid("base_id is required"))
		return
	}
	rec, err := s.presence.FindByBase(r.Context(), body.BaseID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
