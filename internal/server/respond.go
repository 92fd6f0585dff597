package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gateway "github.com/hermesgw/hermes/internal"
)

// Shared header value slices for direct map assignment. The keys below must
// stay in canonical MIME form.
var (
	jsonCT  = []string{"application/json"}
	plainCT = []string{"text/plain; charset=utf-8"}
)

// openAIError is the OpenAI-compatible error envelope. Clients built against
// the upstream SDKs expect this exact shape on every non-2xx response.
type openAIError struct {
	Error openAIErrorBody `json:"error"`
}

type openAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func errorResponse(message, typ string) openAIError {
	return openAIError{Error: openAIErrorBody{Message: message, Type: typ}}
}

// adminError is the envelope the dashboard expects from admin endpoints.
type adminError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// writeAdminError maps domain errors onto statuses with the admin envelope.
func writeAdminError(w http.ResponseWriter, err error) {
	status, _, _ := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.LogAttrs(context.Background(), slog.LevelError, "admin request failed", slog.Any("error", err))
		msg = "internal server error"
	}
	writeJSON(w, status, adminError{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.LogAttrs(context.Background(), slog.LevelError, "encode response", slog.Any("error", err))
	}
}

// writeError maps domain sentinel errors onto HTTP status codes and the
// OpenAI error envelope.
func writeError(w http.ResponseWriter, err error) {
	status, typ, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Internal details stay in the logs, not the response body.
		slog.LogAttrs(context.Background(), slog.LevelError, "request failed", slog.Any("error", err))
		msg = "internal server error"
	}
	writeJSON(w, status, openAIError{Error: openAIErrorBody{Message: msg, Type: typ, Code: code}})
}

func errorStatus(err error) (status int, typ, code string) {
	switch {
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized, "invalid_request_error", "invalid_api_key"
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound, "not_found_error", ""
	case errors.Is(err, gateway.ErrModelNotFound):
		return http.StatusNotFound, "model_not_found", ""
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest, "invalid_request_error", ""
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict, "conflict_error", ""
	case errors.Is(err, gateway.ErrSyncBusy):
		return http.StatusConflict, "sync_in_progress", ""
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limit_error", ""
	case errors.Is(err, gateway.ErrNoProvider), errors.Is(err, gateway.ErrUpstream):
		return http.StatusBadGateway, "upstream_error", ""
	default:
		return http.StatusInternalServerError, "internal_error", ""
	}
}
