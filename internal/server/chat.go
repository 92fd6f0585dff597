package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gateway "github.com/hermesgw/hermes/internal"
)

// maxChatBody bounds the request payload we buffer for failover replays.
const maxChatBody = 10 << 20

// handleChatCompletion is the gateway's main path. The body is buffered once
// so failed attempts can be replayed against other providers with only the
// model field rewritten.
func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxChatBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("failed to read request body", "invalid_request_error"))
		return
	}
	if len(payload) > maxChatBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large", "invalid_request_error"))
		return
	}
	if !gjson.ValidBytes(payload) {
		writeJSON(w, http.StatusBadRequest, errorResponse("request body is not valid JSON", "invalid_request_error"))
		return
	}

	model := gjson.GetBytes(payload, "model").String()
	if model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing required field: model", "invalid_request_error"))
		return
	}
	stream := gjson.GetBytes(payload, "stream").Bool()
	setLoggedModel(w, model)

	ctx := r.Context()
	attempts := int(s.deps.Settings.Number(ctx, "chatMaxRetries", float64(s.deps.MaxAttempts)))
	if attempts < 1 {
		attempts = 1
	}

	excluded := make(map[string]bool)
	var last struct {
		status int
		body   []byte
	}

	for attempt := 0; attempt < attempts; attempt++ {
		sel, err := s.deps.Dispatcher.Select(ctx, model, excluded)
		if err != nil {
			if errors.Is(err, gateway.ErrNoProvider) {
				break
			}
			writeError(w, err)
			return
		}

		body := payload
		if sel.Model != model {
			if body, err = sjson.SetBytes(payload, "model", sel.Model); err != nil {
				writeError(w, err)
				return
			}
		}

		result := s.deps.Executor.Forward(ctx, w, sel, body, stream)
		switch {
		case result.Handled:
			return
		case result.Err != nil:
			excluded[sel.Provider.ID] = true
		case result.ModelGone:
			excluded[sel.Provider.ID] = true
		default:
			excluded[sel.Provider.ID] = true
			last.status = result.Status
			last.body = result.Body
		}

		slog.LogAttrs(ctx, slog.LevelWarn, "attempt failed",
			slog.String("provider", sel.Provider.Name),
			slog.String("model", sel.Model),
			slog.Int("attempt", attempt+1),
			slog.Int("upstream_status", result.Status),
		)
	}

	// Nothing worked. Pass the last upstream error through verbatim when we
	// have one; otherwise distinguish unknown-model from exhausted-providers.
	if last.status != 0 {
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(last.status)
		w.Write(last.body)
		return
	}
	if len(excluded) == 0 {
		writeJSON(w, http.StatusNotFound,
			errorResponse("model "+model+" not found on any active provider", "model_not_found"))
		return
	}
	writeJSON(w, http.StatusBadGateway,
		errorResponse("all providers failed for model "+model, "upstream_error"))
}
