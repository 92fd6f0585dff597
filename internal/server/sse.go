package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// Pre-allocated SSE frame fragments. The event payloads arrive already
// marshaled from the log service, so a write is three Write calls and zero
// per-event allocations here.
var (
	sseDataPrefix = []byte("data: ")
	sseFrameEnd   = []byte("\n\n")
	sseKeepAlive  = []byte(": keep-alive\n\n")
	sseCT         = []string{"text/event-stream"}
	noCache       = []string{"no-cache"}
	keepAliveConn = []string{"keep-alive"}
)

const sseHeartbeat = 5 * time.Second

// handleEvents streams realtime gateway events to the dashboard. The first
// frame is an init snapshot so the client renders immediately instead of
// waiting for the next update broadcast.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse("streaming unsupported", "internal_error"))
		return
	}

	h := w.Header()
	h["Content-Type"] = sseCT
	h["Cache-Control"] = noCache
	h["Connection"] = keepAliveConn
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events, cancel := s.deps.Logs.Subscribe()
	defer cancel()

	init, err := json.Marshal(map[string]any{
		"type": "init",
		"data": s.deps.Logs.Realtime(),
		"ts":   time.Now().UnixMilli(),
	})
	if err == nil {
		writeFrame(w, init)
		flusher.Flush()
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write(sseKeepAlive); err != nil {
				return
			}
			flusher.Flush()
		case payload, open := <-events:
			if !open {
				return
			}
			if err := writeFrame(w, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, payload []byte) error {
	if _, err := w.Write(sseDataPrefix); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := w.Write(sseFrameEnd)
	return err
}
