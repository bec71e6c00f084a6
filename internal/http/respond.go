package httpapi

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/example/ride-escrow/internal/apperr"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal","message":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// writeError maps err to its status and a body callers can branch on.
// Internal failures are logged and never echo their cause.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	rid := requestIDFromContext(r.Context())
	body := errorBody{Error: ae.Code, Message: ae.Message, Details: ae.Details, RequestID: rid}
	if ae.Kind == apperr.KindInternal {
		s.logger.Error("request failed", "request_id", rid, "route", routeTemplate(r), "err", err)
		body.Message = apperr.ErrInternal.Message
		body.Details = nil
	}
	writeJSON(w, ae.HTTPStatus(), body)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return apperr.Validation("could not read request body")
	}
	if len(b) > maxBodyBytes {
		return apperr.Validation("request body too large")
	}
	if len(b) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(b, v); err != nil {
		return apperr.Validation("malformed JSON: " + err.Error())
	}
	return nil
}
