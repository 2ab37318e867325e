package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/jdziat/workgate/pkg/core"
	"github.com/jdziat/workgate/pkg/logging"
	"github.com/jdziat/workgate/pkg/security"
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error         ErrorDetail `json:"error"`
	CorrelationID string      `json:"correlation_id"`
}

// ErrorDetail describes what went wrong.
type ErrorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	IssueKey string            `json:"issue_key,omitempty"`
}

// Error codes.
const (
	CodeValidation   = "validation_failed"
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeUnknown      = "unknown_worker"
	CodeInvalidToken = "invalid_token"
	CodeTerminal     = "already_terminal"
	CodeTransition   = "invalid_transition"
	CodeBackpressure = "backpressure"
	CodeInternal     = "internal"
)

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) writeProblem(w http.ResponseWriter, r *http.Request, status int, code, msg string, fields map[string]string) {
	writeJSON(w, status, ErrorBody{
		Error:         ErrorDetail{Code: code, Message: msg, Fields: fields},
		CorrelationID: logging.CorrelationID(r.Context()),
	})
}

// writeError maps an error from the service layer to a response.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *security.ValidationError
		bp *core.BackpressureError
		br badRequest
	)
	switch {
	case errors.As(err, &ve):
		s.writeProblem(w, r, http.StatusUnprocessableEntity, CodeValidation, "request failed validation", ve.Fields)
	case errors.As(err, &br):
		s.writeProblem(w, r, http.StatusBadRequest, CodeBadRequest, br.msg, nil)
	case errors.As(err, &bp):
		w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.retryAfter.Seconds())))
		writeJSON(w, http.StatusServiceUnavailable, ErrorBody{
			Error:         ErrorDetail{Code: CodeBackpressure, Message: bp.Reason, IssueKey: bp.IssueKey},
			CorrelationID: logging.CorrelationID(r.Context()),
		})
	case errors.Is(err, core.ErrUnitNotFound):
		s.writeProblem(w, r, http.StatusNotFound, CodeNotFound, "work unit not found", nil)
	case errors.Is(err, core.ErrUnknownWorker):
		s.writeProblem(w, r, http.StatusNotFound, CodeUnknown, "engine worker is not registered; send a heartbeat first", nil)
	case errors.Is(err, core.ErrInvalidToken):
		s.writeProblem(w, r, http.StatusConflict, CodeInvalidToken, "claim token does not match the current lease", nil)
	case errors.Is(err, core.ErrAlreadyTerminal):
		s.writeProblem(w, r, http.StatusConflict, CodeTerminal, "work unit is already terminal", nil)
	case errors.Is(err, core.ErrInvalidAction):
		s.writeProblem(w, r, http.StatusConflict, CodeTransition, err.Error(), nil)
	default:
		logging.FromContext(r.Context(), s.cfg.logger).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		s.writeProblem(w, r, http.StatusInternalServerError, CodeInternal, "internal error", nil)
	}
}
