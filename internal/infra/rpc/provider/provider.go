// Package provider implements JSON-RPC transport to chain data providers.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Provider defines a JSON-RPC endpoint.
type Provider interface {
	// GetName returns provider identifier (e.g., "alchemy", "public-node")
	GetName() string

	// GetHealth returns current health metrics
	GetHealth() HealthStatus

	// Call makes a single RPC request and returns the raw result.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// HealthStatus represents the health state of a provider.
type HealthStatus struct {
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
}

// HTTPError is a non-200 HTTP response.
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter string
}

func (e *HTTPError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("http %d: %s (retry after %s)", e.StatusCode, e.Body, e.RetryAfter)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// RPCError is a JSON-RPC error object returned by the provider.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
