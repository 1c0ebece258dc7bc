package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/vaultwatch/internal/indexing/metrics"
)

// maxErrorBody caps how much of an error response ends up in error messages.
const maxErrorBody = 512

// HTTPProvider implements Provider for JSON-RPC over HTTP.
type HTTPProvider struct {
	name       string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Uint64

	mu           sync.RWMutex
	health       HealthStatus
	totalLatency time.Duration
	successCount int
	failureCount int
	requestCount int
}

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

// WithRateLimit caps outgoing requests per second. Zero or less disables it.
func WithRateLimit(rps float64) Option {
	return func(p *HTTPProvider) {
		if rps > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
		}
	}
}

// NewHTTPProvider creates a new HTTP-based RPC provider.
func NewHTTPProvider(name, endpoint string, timeout time.Duration, opts ...Option) *HTTPProvider {
	p := &HTTPProvider{
		name:     name,
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		health: HealthStatus{
			Available:     true,
			LastSuccessAt: time.Now(),
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetName returns the provider's name.
func (p *HTTPProvider) GetName() string {
	return p.name
}

// GetHealth returns the provider's health status.
func (p *HTTPProvider) GetHealth() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// Call makes a single JSON-RPC call.
func (p *HTTPProvider) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	start := time.Now()
	metrics.RPCCallsTotal.WithLabelValues(p.name, method).Inc()
	defer func() {
		metrics.RPCLatency.WithLabelValues(p.name, method).Observe(time.Since(start).Seconds())
	}()

	if params == nil {
		params = []any{}
	}
	reqBody := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      p.nextID.Add(1),
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		p.recordFailure()
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), maxErrorBody),
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if rpcResp.Error != nil {
		p.recordFailure()
		return nil, rpcResp.Error
	}

	p.recordSuccess(time.Since(start))
	return rpcResp.Result, nil
}

func (p *HTTPProvider) recordSuccess(latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requestCount++
	p.successCount++
	p.totalLatency += latency

	p.health.Available = true
	p.health.LastSuccessAt = time.Now()
	p.health.Latency = p.totalLatency / time.Duration(p.successCount)
	p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)
}

func (p *HTTPProvider) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requestCount++
	p.failureCount++

	p.health.LastFailureAt = time.Now()
	p.health.ErrorRate = float64(p.failureCount) / float64(p.requestCount)
	// Mark unavailable once more than half of the recent traffic fails.
	if p.requestCount >= 10 && p.health.ErrorRate > 0.5 {
		p.health.Available = false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
