package proxy

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/parlo-go/parlo/pkg/core"
)

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func statusForError(err *core.Error) int {
	switch err.Type {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrPermission:
		return http.StatusForbidden
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrOverloaded:
		return http.StatusServiceUnavailable
	case core.ErrUpstream:
		return http.StatusBadGateway
	case core.ErrAPI:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONError renders err as the canonical error envelope, deriving the
// HTTP status from the error type.
func writeJSONError(w http.ResponseWriter, err *core.Error, requestID string) {
	if err == nil {
		return
	}
	writeJSONErrorWithStatus(w, statusForError(err), err, requestID)
}

func writeJSONErrorWithStatus(w http.ResponseWriter, status int, err *core.Error, requestID string) {
	if err == nil {
		return
	}
	if err.RequestID == "" && requestID != "" {
		err.RequestID = requestID
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": err,
	})
}
