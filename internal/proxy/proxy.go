// Package proxy forwards chat completions to the selected upstream and fans
// the outcome out to the feedback surfaces: routing scores, circuit breaker,
// realtime metrics, cooldown penalties, and catalog self-healing.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/hermesgw/hermes/internal"
	"github.com/hermesgw/hermes/internal/circuitbreaker"
	"github.com/hermesgw/hermes/internal/dispatch"
	"github.com/hermesgw/hermes/internal/upstream"
)

// maxErrorBody caps how much of an upstream error body is buffered for
// pass-through and model_not_found inspection.
const maxErrorBody = 64 << 10

// streamBufSize is the chunk size for relaying streamed completions.
const streamBufSize = 32 << 10

// Chat posts a chat-completion payload and returns the raw response.
type Chat interface {
	ChatCompletions(ctx context.Context, p *gateway.Provider, payload []byte) (*http.Response, error)
}

// Scorer receives the per-attempt success/latency feedback.
type Scorer interface {
	Update(providerID, model string, success bool, latencyMs int64)
}

// Usage receives the realtime accounting events.
type Usage interface {
	TrackUsage(model, providerID, providerName string)
	TrackUpstreamError(providerName, model, message string)
}

// Penalizer puts a failing (provider, model) pair on cooldown.
type Penalizer interface {
	Penalize(ctx context.Context, providerID, model string, duration time.Duration, force bool)
}

// ModelRemover drops a model the upstream reports as gone.
type ModelRemover interface {
	HandleModelNotFound(ctx context.Context, providerID, model string) error
}

// Result is the outcome of one forward attempt.
type Result struct {
	// Handled means the response was fully written to the client; the
	// orchestrator must not retry or write anything else.
	Handled bool
	// ModelGone means the upstream no longer serves the model; the catalog
	// was already told, and the orchestrator should retry elsewhere.
	ModelGone bool
	// Status and Body carry the upstream error for unhandled attempts so the
	// final attempt's error can be passed through verbatim.
	Status int
	Body   []byte
	// Err is set for transport-level failures (no upstream status).
	Err error
}

// Executor runs forward attempts.
type Executor struct {
	chat      Chat
	scorer    Scorer
	breaker   *circuitbreaker.Breaker
	usage     Usage
	penalizer Penalizer
	remover   ModelRemover

	now func() time.Time
}

// New creates an Executor.
func New(chat Chat, scorer Scorer, breaker *circuitbreaker.Breaker, usage Usage,
	penalizer Penalizer, remover ModelRemover) *Executor {
	return &Executor{
		chat:      chat,
		scorer:    scorer,
		breaker:   breaker,
		usage:     usage,
		penalizer: penalizer,
		remover:   remover,
		now:       time.Now,
	}
}

// Forward sends payload to the selected upstream. For success responses it
// writes the reply (streamed or buffered) to w and reports Handled. For
// failures it records the feedback and returns the error for the
// orchestrator's retry loop; nothing is written to w.
func (e *Executor) Forward(ctx context.Context, w http.ResponseWriter, sel dispatch.Selection, payload []byte, stream bool) Result {
	p := sel.Provider
	e.usage.TrackUsage(sel.Model, p.ID, p.Name)

	start := e.now()
	resp, err := e.chat.ChatCompletions(ctx, p, payload)
	if err != nil {
		elapsed := e.now().Sub(start).Milliseconds()
		e.scorer.Update(p.ID, sel.Model, false, elapsed)
		e.breaker.RecordFailure(circuitbreaker.ProviderKey(p.ID))
		e.usage.TrackUpstreamError(p.Name, sel.Model, err.Error())
		e.penalizer.Penalize(ctx, p.ID, sel.Model, 0, false)
		slog.LogAttrs(ctx, slog.LevelWarn, "upstream request failed",
			slog.String("provider_id", p.ID),
			slog.String("model", sel.Model),
			slog.String("error", err.Error()))
		return Result{Err: fmt.Errorf("%w: %v", gateway.ErrUpstream, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return e.failedAttempt(ctx, sel, resp, start)
	}

	// The breaker hears about this attempt only once the relay finishes: a
	// 2xx status line from a provider that then dies mid-body is a failure.
	if stream {
		e.relayStream(ctx, w, sel, resp, start)
	} else {
		e.relayBuffered(ctx, w, sel, resp, start)
	}
	return Result{Handled: true}
}

// failedAttempt records every feedback signal for a non-2xx upstream reply
// and hands the error back for retry or pass-through.
func (e *Executor) failedAttempt(ctx context.Context, sel dispatch.Selection, resp *http.Response, start time.Time) Result {
	p := sel.Provider
	elapsed := e.now().Sub(start).Milliseconds()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	e.scorer.Update(p.ID, sel.Model, false, elapsed)
	e.breaker.RecordFailure(circuitbreaker.ProviderKey(p.ID))
	e.usage.TrackUpstreamError(p.Name, sel.Model, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body, 500)))

	slog.LogAttrs(ctx, slog.LevelWarn, "upstream returned error",
		slog.String("provider_id", p.ID),
		slog.String("model", sel.Model),
		slog.Int("status", resp.StatusCode))

	if upstream.IsModelNotFound(resp.StatusCode, body) {
		if err := e.remover.HandleModelNotFound(ctx, p.ID, sel.Model); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "model removal failed",
				slog.String("provider_id", p.ID),
				slog.String("model", sel.Model),
				slog.String("error", err.Error()))
		}
		return Result{ModelGone: true, Status: resp.StatusCode, Body: body}
	}

	e.penalizer.Penalize(ctx, p.ID, sel.Model, retryAfter(resp), resp.StatusCode == http.StatusTooManyRequests)
	return Result{Status: resp.StatusCode, Body: body}
}

// relayStream copies the upstream SSE stream chunk by chunk, flushing after
// each write. Only a clean end counts as a success; an interruption on either
// side scores and counts a failure.
func (e *Executor) relayStream(ctx context.Context, w http.ResponseWriter, sel dispatch.Selection, resp *http.Response, start time.Time) {
	h := w.Header()
	h.Set("Content-Type", contentTypeOr(resp, "text/event-stream"))
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Set("X-Hermes-Provider", sel.Provider.Name)
	h.Set("X-Hermes-Model", sel.Model)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamBufSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				e.streamInterrupted(ctx, sel, werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			e.scorer.Update(sel.Provider.ID, sel.Model, true, e.now().Sub(start).Milliseconds())
			e.breaker.RecordSuccess(circuitbreaker.ProviderKey(sel.Provider.ID))
			return
		}
		if err != nil {
			e.streamInterrupted(ctx, sel, err)
			return
		}
	}
}

// streamInterrupted scores and counts a mid-stream failure. The zero latency
// sample keeps interrupted streams from inflating the EWMA with the time
// spent before the connection died.
func (e *Executor) streamInterrupted(ctx context.Context, sel dispatch.Selection, err error) {
	e.scorer.Update(sel.Provider.ID, sel.Model, false, 0)
	e.breaker.RecordFailure(circuitbreaker.ProviderKey(sel.Provider.ID))
	slog.LogAttrs(ctx, slog.LevelWarn, "stream interrupted",
		slog.String("provider_id", sel.Provider.ID),
		slog.String("model", sel.Model),
		slog.String("error", err.Error()))
}

func (e *Executor) relayBuffered(ctx context.Context, w http.ResponseWriter, sel dispatch.Selection, resp *http.Response, start time.Time) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.streamInterrupted(ctx, sel, err)
		http.Error(w, `{"error":{"message":"upstream read failed","type":"upstream_error"}}`,
			http.StatusBadGateway)
		return
	}
	elapsed := e.now().Sub(start).Milliseconds()
	e.scorer.Update(sel.Provider.ID, sel.Model, true, elapsed)
	e.breaker.RecordSuccess(circuitbreaker.ProviderKey(sel.Provider.ID))

	h := w.Header()
	h.Set("Content-Type", contentTypeOr(resp, "application/json"))
	h.Set("X-Hermes-Provider", sel.Provider.Name)
	h.Set("X-Hermes-Model", sel.Model)
	h.Set("X-Hermes-Latency", strconv.FormatInt(elapsed, 10)+"ms")
	h.Set("X-Hermes-Score", strconv.FormatFloat(sel.Score, 'f', 4, 64))
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

// retryAfter reads the Retry-After header as seconds; zero means "use the
// default penalty".
func retryAfter(resp *http.Response) time.Duration {
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func contentTypeOr(resp *http.Response, def string) string {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return def
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
