package web

// errors.go maps pipeline errors onto HTTP responses.
//
// Every error is logged with its technical detail and request id, then sent
// to the client as the user message from core.MapError with a status code
// derived from the error kind.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/JonMunkholm/opmerge/internal/core"
	"github.com/JonMunkholm/opmerge/internal/logging"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	JobID   string `json:"job_id,omitempty"`
}

// statusFor picks the HTTP status for err.
func statusFor(err error) int {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig), strings.Contains(err.Error(), "request body too large"):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrBusy), errors.Is(err, core.ErrLockTimeout):
		return http.StatusConflict
	case core.IsNotFound(err):
		return http.StatusNotFound
	case core.IsKind(err, core.KindValidation), core.IsKind(err, core.KindJoin):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes its user-facing form.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	respondErrorJob(w, r, err, "")
}

// respondErrorJob is respondError for failures that already created a job.
func respondErrorJob(w http.ResponseWriter, r *http.Request, err error, jobID core.JobID) {
	status := statusFor(err)
	msg := core.MapError(err)

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logging.FromContext(r.Context()).Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", msg.Code,
		"error", err.Error(),
	)

	writeJSONStatus(w, status, ErrorResponse{
		Error:   core.CleanErrorMessage(err.Error()),
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
		JobID:   string(jobID),
	})
}

// writeError writes a plain JSON error for request-shape problems that
// never reach the pipeline.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSONStatus(w, status, ErrorResponse{
		Error:   message,
		Message: message,
		Code:    "HTTP" + strconv.Itoa(status),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

// writeJSONStatus encodes v. Encoding errors are only logged since the
// header is already sent.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
