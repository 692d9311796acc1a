package dispatch

import (
	"net/http"
	"time"

	"github.com/meshbroker/broker/internal/audit"
	"github.com/meshbroker/broker/internal/brokererr"
	"github.com/meshbroker/broker/internal/validate"
)

type sendMessageRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ident, _ := IdentityFromContext(r.Context())
	var body sendMessageRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r.Context(), body.To); err != nil {
		writeError(w, err)
		return
	}

	msg, err := s.inboxEng.Send(r.Context(), ident.FullID, body.To, body.Message, body.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditLog.Write(r.Context(), audit.EventMessageSend, map[string]interface{}{
		"id": msg.ID, "from": msg.FromAgent, "to": msg.ToAgent,
	})
	writeJSON(w, http.StatusOK, msg)
}

type agentIDRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	var body agentIDRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.AgentID(body.AgentID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r.Context(), body.AgentID); err != nil {
		writeError(w, err)
		return
	}

	msgs, err := s.inboxEng.Drain(r.Context(), body.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditLog.Write(r.Context(), audit.EventMessageReceive, map[string]interface{}{
		"agent_id": body.AgentID, "count": len(msgs),
	})
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handlePeekMessages(w http.ResponseWriter, r *http.Request) {
	var body agentIDRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.AgentID(body.AgentID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r.Context(), body.AgentID); err != nil {
		writeError(w, err)
		return
	}

	msgs, err := s.inboxEng.Peek(r.Context(), body.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type ackMessagesRequest struct {
	AgentID string   `json:"agent_id"`
	IDs     []string `json:"ids"`
}

func (s *Server) handleAckMessages(w http.ResponseWriter, r *http.Request) {
	var body ackMessagesRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.AgentID(body.AgentID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r.Context(), body.AgentID); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.inboxEng.Ack(r.Context(), body.AgentID, body.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type replyRequest struct {
	MessageID string `json:"message_id"`
	Response  string `json:"response"`
	Status    string `json:"status,omitempty"`
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	ident, _ := IdentityFromContext(r.Context())
	var body replyRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	originalSender, _, ferr := validate.Fingerprint(body.MessageID)
	if ferr != nil {
		writeError(w, brokererr.Invalidf("invalid message_id %q", body.MessageID))
		return
	}
	if err := s.authorize(r.Context(), originalSender); err != nil {
		writeError(w, err)
		return
	}

	reply, err := s.inboxEng.Reply(r.Context(), body.MessageID, ident.FullID, body.Response, body.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditLog.Write(r.Context(), audit.EventMessageRespond, map[string]interface{}{
		"message_id": body.MessageID, "from": reply.FromAgent,
	})
	writeJSON(w, http.StatusOK, reply)
}

type waitForMessageRequest struct {
	AgentID string `json:"agent_id"`
	Timeout int    `json:"timeout"`
}

func (s *Server) handleWaitForMessage(w http.ResponseWriter, r *http.Request) {
	var body waitForMessageRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.AgentID(body.AgentID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r.Context(), body.AgentID); err != nil {
		writeError(w, err)
		return
	}
	timeout, err := validate.ClampWait(body.Timeout, int(s.cfg.MaxWait.Seconds()))
	if err != nil {
		writeError(w, err)
		return
	}

	res, retrying, werr := s.waitForMessageChunked(r.Context(), body.AgentID, time.Duration(timeout)*time.Second)
	if werr != nil {
		writeError(w, werr)
		return
	}
	if retrying {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "retry", "retry_after": shutdownRetryAfterSeconds})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type waitForResponseRequest struct {
	AgentID   string `json:"agent_id"`
	MessageID string `json:"message_id"`
	Timeout   int    `json:"timeout"`
}

func (s *Server) handleWaitForResponse(w http.ResponseWriter, r *http.Request) {
	var body waitForResponseRequest
	if err := readJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := validate.AgentID(body.AgentID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r.Context(), body.AgentID); err != nil {
		writeError(w, err)
		return
	}
	timeout, err := validate.ClampWait(body.Timeout, int(s.cfg.MaxWait.Seconds()))
	if err != nil {
		writeError(w, err)
		return
	}

	reply, retrying, rerr := s.waitForResponseChunked(r.Context(), body.AgentID, body.MessageID, time.Duration(timeout)*time.Second)
	if rerr != nil {
		writeError(w, rerr)
		return
	}
	if retrying {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "retry", "retry_after": shutdownRetryAfterSeconds})
		return
	}
	if reply == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "timeout"})
		return
	}
	writeJSON(w, http.StatusOK, reply)
}
