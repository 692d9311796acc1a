package dispatch

import (
	"encoding/json"
	"net/http"

	"github.com/meshbroker/broker/internal/brokererr"
)

// errorBody is the wire shape every failed RPC returns:
// {error, code, suggestion?}.
type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps any error to the structured {error, code, suggestion?}
// body and an HTTP status. Errors that aren't a *brokererr.Error are
// treated as COORDINATOR_UNAVAILABLE, matching brokererr.CodeOf's
// fallback.
func writeError(w http.ResponseWriter, err error) {
	code := brokererr.CodeOf(err)
	status := statusFor(code)
	body := errorBody{Error: err.Error(), Code: string(code)}
	var be *brokererr.Error
	if e, ok := err.(*brokererr.Error); ok {
		be = e
	}
	if be != nil {
		body.Suggestion = be.Suggestion
		body.Error = be.Message
	}
	writeJSON(w, status, body)
}

func statusFor(code brokererr.Code) int {
	switch code {
	case brokererr.AgentNotFound:
		return http.StatusNotFound
	case brokererr.InvalidRequest:
		return http.StatusBadRequest
	case brokererr.RateLimited:
		return http.StatusTooManyRequests
	case brokererr.AuthFailed:
		return http.StatusUnauthorized
	case brokererr.Forbidden:
		return http.StatusForbidden
	case brokererr.ShuttingDown:
		return http.StatusServiceUnavailable
	case brokererr.CoordinatorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return brokererr.Invalidf("malformed request body: %v", err)
	}
	return nil
}
