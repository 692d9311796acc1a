package dispatch

import (
	"net/http"
	"time"

	"github.com/meshbroker/broker/internal/util/timefmt"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := s.presence.CountOnline(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"agents_online": n,
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pong":      true,
		"timestamp": timefmt.Format(time.Now()),
	})
}
