package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newRPCServer(t *testing.T, handler func(method string, params []any) (int, any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string `json:"jsonrpc"`
			Method  string `json:"method"`
			Params  []any  `json:"params"`
			ID      uint64 `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if req.JSONRPC != "2.0" {
			t.Errorf("expected jsonrpc 2.0, got %q", req.JSONRPC)
		}
		status, body := handler(req.Method, req.Params)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "3")
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func TestHTTPProvider_Call(t *testing.T) {
	server := newRPCServer(t, func(method string, params []any) (int, any) {
		if method != "eth_blockNumber" {
			t.Errorf("expected eth_blockNumber, got %s", method)
		}
		if len(params) != 0 {
			t.Errorf("expected empty params, got %v", params)
		}
		return http.StatusOK, map[string]any{"jsonrpc": "2.0", "id": 1, "result": "0x34"}
	})
	defer server.Close()

	p := NewHTTPProvider("mock", server.URL, 5*time.Second)
	raw, err := p.Call(context.Background(), "eth_blockNumber", nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	var result string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result != "0x34" {
		t.Errorf("expected 0x34, got %s", result)
	}
	if !p.GetHealth().Available {
		t.Error("provider should be available")
	}
}

func TestHTTPProvider_RPCError(t *testing.T) {
	server := newRPCServer(t, func(string, []any) (int, any) {
		return http.StatusOK, map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": -32602, "message": "invalid argument 0"},
		}
	})
	defer server.Close()

	p := NewHTTPProvider("mock", server.URL, 5*time.Second)
	_, err := p.Call(context.Background(), "eth_getLogs", []any{map[string]any{}})

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != -32602 {
		t.Errorf("expected code -32602, got %d", rpcErr.Code)
	}
}

func TestHTTPProvider_HTTPErrors(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
	}{
		{http.StatusTooManyRequests, "3"},
		{http.StatusBadGateway, ""},
		{http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		server := newRPCServer(t, func(string, []any) (int, any) {
			return tt.status, map[string]any{"message": "nope"}
		})

		p := NewHTTPProvider("mock", server.URL, 5*time.Second)
		_, err := p.Call(context.Background(), "eth_blockNumber", nil)
		server.Close()

		var httpErr *HTTPError
		if !errors.As(err, &httpErr) {
			t.Fatalf("status %d: expected *HTTPError, got %T", tt.status, err)
		}
		if httpErr.StatusCode != tt.status {
			t.Errorf("expected status %d, got %d", tt.status, httpErr.StatusCode)
		}
		if httpErr.RetryAfter != tt.retryAfter {
			t.Errorf("expected retry-after %q, got %q", tt.retryAfter, httpErr.RetryAfter)
		}
	}
}

func TestHTTPProvider_RateLimitHonorsContext(t *testing.T) {
	server := newRPCServer(t, func(string, []any) (int, any) {
		return http.StatusOK, map[string]any{"jsonrpc": "2.0", "id": 1, "result": "0x1"}
	})
	defer server.Close()

	p := NewHTTPProvider("mock", server.URL, 5*time.Second, WithRateLimit(0.001))
	if _, err := p.Call(context.Background(), "eth_blockNumber", nil); err != nil {
		t.Fatalf("first call should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Call(ctx, "eth_blockNumber", nil); err == nil {
		t.Fatal("expected limiter to fail within the deadline")
	}
}

func TestHTTPProvider_HealthDegrades(t *testing.T) {
	server := newRPCServer(t, func(string, []any) (int, any) {
		return http.StatusInternalServerError, map[string]any{}
	})
	defer server.Close()

	p := NewHTTPProvider("mock", server.URL, 5*time.Second)
	for i := 0; i < 10; i++ {
		_, _ = p.Call(context.Background(), "eth_blockNumber", nil)
	}

	health := p.GetHealth()
	if health.Available {
		t.Error("provider should be marked unavailable")
	}
	if health.ErrorRate != 1 {
		t.Errorf("expected error rate 1, got %f", health.ErrorRate)
	}
}
