package clawguard

import (
	"log/slog"
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithGatewayAddr sets the gateway base URL, e.g. "http://127.0.0.1:8473".
// If not set, defaults to the CLAWGUARD_GATEWAY_ADDR environment variable.
func WithGatewayAddr(addr string) Option {
	return func(c *Client) {
		c.gatewayAddr = addr
	}
}

// WithAgentKey sets the shared agent secret sent in X-ClawGuard-Key.
// If not set, defaults to the CLAWGUARD_AGENT_KEY environment variable.
func WithAgentKey(key string) Option {
	return func(c *Client) {
		c.agentKey = key
	}
}

// WithTimeout sets the HTTP client timeout. Zero means no timeout. Leave
// generous headroom above the gateway's approval deadline: a gated
// request is held open while a human decides.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient sets a custom http.Client for making requests.
// This is useful for testing, proxying, or custom transport configurations.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger for SDK diagnostics. Defaults to
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}
