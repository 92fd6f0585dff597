package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/hermesgw/hermes/internal"
	"github.com/hermesgw/hermes/internal/circuitbreaker"
	"github.com/hermesgw/hermes/internal/dispatch"
	"github.com/hermesgw/hermes/internal/upstream"
)

type scorerCall struct {
	providerID string
	model      string
	success    bool
	latencyMs  int64
}

type fakeScorer struct {
	mu    sync.Mutex
	calls []scorerCall
}

func (s *fakeScorer) Update(providerID, model string, success bool, latencyMs int64) {
	s.mu.Lock()
	s.calls = append(s.calls, scorerCall{providerID, model, success, latencyMs})
	s.mu.Unlock()
}

func (s *fakeScorer) last(t *testing.T) scorerCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		t.Fatal("no scorer updates recorded")
	}
	return s.calls[len(s.calls)-1]
}

type fakeUsage struct {
	mu     sync.Mutex
	usage  int
	errors []string
}

func (u *fakeUsage) TrackUsage(model, providerID, providerName string) {
	u.mu.Lock()
	u.usage++
	u.mu.Unlock()
}

func (u *fakeUsage) TrackUpstreamError(providerName, model, message string) {
	u.mu.Lock()
	u.errors = append(u.errors, message)
	u.mu.Unlock()
}

type penalizeCall struct {
	providerID string
	model      string
	duration   time.Duration
	force      bool
}

type fakePenalizer struct {
	mu    sync.Mutex
	calls []penalizeCall
}

func (p *fakePenalizer) Penalize(_ context.Context, providerID, model string, duration time.Duration, force bool) {
	p.mu.Lock()
	p.calls = append(p.calls, penalizeCall{providerID, model, duration, force})
	p.mu.Unlock()
}

type fakeRemover struct {
	mu      sync.Mutex
	removed []string
}

func (r *fakeRemover) HandleModelNotFound(_ context.Context, providerID, model string) error {
	r.mu.Lock()
	r.removed = append(r.removed, providerID+":"+model)
	r.mu.Unlock()
	return nil
}

type harness struct {
	exec      *Executor
	scorer    *fakeScorer
	usage     *fakeUsage
	penalizer *fakePenalizer
	remover   *fakeRemover
	breaker   *circuitbreaker.Breaker
}

func newHarness(t *testing.T, client *http.Client) *harness {
	t.Helper()
	h := &harness{
		scorer:    &fakeScorer{},
		usage:     &fakeUsage{},
		penalizer: &fakePenalizer{},
		remover:   &fakeRemover{},
		breaker:   circuitbreaker.New(circuitbreaker.Config{}),
	}
	h.exec = New(upstream.NewWithHTTPClient(client),
		h.scorer, h.breaker, h.usage, h.penalizer, h.remover)
	return h
}

func selection(baseURL string) dispatch.Selection {
	return dispatch.Selection{
		Provider: &gateway.Provider{ID: "p1", Name: "openrouter", BaseURL: baseURL, APIKey: "sk"},
		Model:    "gpt-4o",
		Score:    0.91,
	}
}

func TestForwardBuffered(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"content":"hi"}}]}`)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client())
	rec := httptest.NewRecorder()
	result := h.exec.Forward(context.Background(), rec, selection(srv.URL), []byte(`{"model":"gpt-4o"}`), false)

	if !result.Handled {
		t.Fatal("result should be handled")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Hermes-Provider"); got != "openrouter" {
		t.Errorf("provider header = %q", got)
	}
	if got := rec.Header().Get("X-Hermes-Model"); got != "gpt-4o" {
		t.Errorf("model header = %q", got)
	}
	if got := rec.Header().Get("X-Hermes-Score"); got != "0.9100" {
		t.Errorf("score header = %q", got)
	}
	if !strings.HasSuffix(rec.Header().Get("X-Hermes-Latency"), "ms") {
		t.Errorf("latency header = %q", rec.Header().Get("X-Hermes-Latency"))
	}

	call := h.scorer.last(t)
	if !call.success {
		t.Error("success should be scored")
	}
	if h.usage.usage != 1 {
		t.Errorf("usage tracked %d times, want 1", h.usage.usage)
	}
	if !h.breaker.Allow(circuitbreaker.ProviderKey("p1")) {
		t.Error("breaker should remain closed")
	}
}

func TestForwardStream(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client())
	rec := httptest.NewRecorder()
	result := h.exec.Forward(context.Background(), rec, selection(srv.URL), nil, true)

	if !result.Handled {
		t.Fatal("result should be handled")
	}
	if got := rec.Header().Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("buffering header = %q", got)
	}
	if !strings.Contains(rec.Body.String(), "[DONE]") {
		t.Errorf("body = %q, want relayed stream", rec.Body.String())
	}
	call := h.scorer.last(t)
	if !call.success {
		t.Error("clean stream end should score success")
	}
}

func TestForwardUpstreamError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client())
	rec := httptest.NewRecorder()
	result := h.exec.Forward(context.Background(), rec, selection(srv.URL), nil, false)

	if result.Handled {
		t.Fatal("error attempt must not write to the client")
	}
	if result.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", result.Status)
	}
	if !strings.Contains(string(result.Body), "rate limited") {
		t.Errorf("body = %q", result.Body)
	}
	if rec.Body.Len() != 0 {
		t.Error("nothing should be written to the client on a retryable error")
	}

	call := h.scorer.last(t)
	if call.success {
		t.Error("failure should be scored")
	}
	h.penalizer.mu.Lock()
	defer h.penalizer.mu.Unlock()
	if len(h.penalizer.calls) != 1 {
		t.Fatalf("penalize calls = %d, want 1", len(h.penalizer.calls))
	}
	pc := h.penalizer.calls[0]
	if pc.duration != 17*time.Second || !pc.force {
		t.Errorf("penalize = %+v, want Retry-After 17s forced", pc)
	}
	if len(h.usage.errors) != 1 {
		t.Errorf("upstream errors tracked = %d, want 1", len(h.usage.errors))
	}
}

func TestForwardModelNotFound(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"code":"model_not_found"}}`)
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client())
	rec := httptest.NewRecorder()
	result := h.exec.Forward(context.Background(), rec, selection(srv.URL), nil, false)

	if !result.ModelGone {
		t.Fatal("result should flag the model as gone")
	}
	h.remover.mu.Lock()
	removed := append([]string(nil), h.remover.removed...)
	h.remover.mu.Unlock()
	if len(removed) != 1 || removed[0] != "p1:gpt-4o" {
		t.Errorf("removed = %v", removed)
	}
	h.penalizer.mu.Lock()
	defer h.penalizer.mu.Unlock()
	if len(h.penalizer.calls) != 0 {
		t.Error("model_not_found must not also penalize; the catalog handles it")
	}
}

func TestStreamInterruptionTripsBreaker(t *testing.T) {
	t.Parallel()
	// Declaring a larger Content-Length than is written makes the client's
	// body read fail partway through, like a provider dying mid-stream.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[]}\n\n")
	}))
	defer srv.Close()

	h := newHarness(t, srv.Client())
	h.breaker = circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 2,
	})
	h.exec = New(upstream.NewWithHTTPClient(srv.Client()),
		h.scorer, h.breaker, h.usage, h.penalizer, h.remover)

	key := circuitbreaker.ProviderKey("p1")
	for i := 0; i < 4; i++ {
		h.breaker.RecordFailure(key)
	}

	rec := httptest.NewRecorder()
	result := h.exec.Forward(context.Background(), rec, selection(srv.URL), nil, true)
	if !result.Handled {
		t.Fatal("a started stream is handled even when it dies partway")
	}
	if call := h.scorer.last(t); call.success {
		t.Error("interrupted stream should score a failure")
	}
	// The 2xx status line must not reset the failure streak; the interruption
	// is the fifth consecutive failure and opens the circuit.
	st := h.breaker.Status(key)
	if st.State != circuitbreaker.StateOpen || st.FailureCount != 5 {
		t.Errorf("circuit = %+v, want open with 5 failures", st)
	}
}

func TestForwardTransportError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediate connection refusal

	h := newHarness(t, http.DefaultClient)
	rec := httptest.NewRecorder()
	result := h.exec.Forward(context.Background(), rec, selection(srv.URL), nil, false)

	if result.Handled || result.Err == nil {
		t.Fatalf("result = %+v, want transport error", result)
	}
	call := h.scorer.last(t)
	if call.success {
		t.Error("transport failure should score a failure")
	}
	h.penalizer.mu.Lock()
	defer h.penalizer.mu.Unlock()
	if len(h.penalizer.calls) != 1 {
		t.Errorf("penalize calls = %d, want 1", len(h.penalizer.calls))
	}
}
