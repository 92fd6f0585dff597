// Package upstream provides the shared HTTP client for all calls to
// OpenAI-compatible provider endpoints: chat forwarding, catalog listing,
// and the verification/self-healing probes.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	gateway "github.com/hermesgw/hermes/internal"
)

const (
	connectTimeout = 5 * time.Second
	headerTimeout  = 120 * time.Second
	probeTimeout   = 5 * time.Second
	verifyTimeout  = 10 * time.Second
	listTimeout    = 10 * time.Second

	dnsRefreshInterval = 5 * time.Minute

	// maxErrorBody caps how much of an upstream error body is retained.
	maxErrorBody = 64 << 10
)

// probePrompt is sent when verifying that a listed model actually answers
// chat completions. Phrased as a trivial real question because some
// upstreams reject empty or nonsense prompts.
const probePrompt = "Quick check: in React, what does useEffect do? Reply 'ok' if you see this."

// Client is the shared upstream HTTP client. One instance serves the whole
// process so connections are pooled across providers.
type Client struct {
	http *http.Client
}

// NewTransport returns a tuned *http.Transport with connection pooling and
// cached DNS lookups when resolver is non-nil.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			d := net.Dialer{Timeout: connectTimeout}
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// New creates the shared client. A background goroutine refreshes the DNS
// cache until ctx is cancelled.
func New(ctx context.Context) *Client {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(dnsRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Client{
		http: &http.Client{Transport: NewTransport(resolver)},
	}
}

// NewWithHTTPClient wraps an existing http.Client; used by tests.
func NewWithHTTPClient(h *http.Client) *Client {
	return &Client{http: h}
}

// ChatCompletions posts a raw chat-completion payload to the provider and
// returns the response with its body unread, so the caller can stream it.
func (c *Client) ChatCompletions(ctx context.Context, p *gateway.Provider, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("upstream: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	return c.http.Do(req)
}

type probeRequest struct {
	Model     string         `json:"model"`
	Messages  []probeMessage `json:"messages"`
	MaxTokens int            `json:"max_tokens"`
}

type probeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) probe(ctx context.Context, p *gateway.Provider, model, content string, timeout time.Duration) (status int, errText string, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(probeRequest{
		Model:     model,
		Messages:  []probeMessage{{Role: "user", Content: content}},
		MaxTokens: 1,
	})
	if err != nil {
		return 0, err.Error(), false
	}

	resp, err := c.ChatCompletions(ctx, p, body)
	if err != nil {
		return 0, err.Error(), false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, "", true
	}
	text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return resp.StatusCode, string(text), false
}

// Probe is the dispatcher's cheap self-healing check: a one-token "ping"
// completion with a short timeout. Any transport error counts as failure.
func (c *Client) Probe(ctx context.Context, p *gateway.Provider, model string) bool {
	_, _, ok := c.probe(ctx, p, model, "ping", probeTimeout)
	return ok
}

// VerifyModel checks during catalog sync that a listed model actually
// answers chat completions. On failure errText carries the upstream status
// line or error body for the sync log.
func (c *Client) VerifyModel(ctx context.Context, p *gateway.Provider, model string) (status int, errText string, ok bool) {
	return c.probe(ctx, p, model, probePrompt, verifyTimeout)
}

// FetchModels lists the provider's model catalog via GET /models and
// returns the deduplicated IDs.
func (c *Client) FetchModels(ctx context.Context, p *gateway.Provider) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build models request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("upstream: %w: models endpoint responded with %d", gateway.ErrUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read models response: %w", err)
	}

	var (
		models []string
		seen   = make(map[string]struct{})
	)
	for _, entry := range gjson.GetBytes(body, "data.#.id").Array() {
		id := entry.String()
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		models = append(models, id)
	}
	return models, nil
}

// IsModelNotFound reports whether an upstream error response means the
// model is gone: HTTP 404, or "model_not_found" anywhere in the body.
func IsModelNotFound(status int, body []byte) bool {
	return status == http.StatusNotFound || strings.Contains(string(body), "model_not_found")
}
