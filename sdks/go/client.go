package clawguard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// maxErrorPeek bounds how much of a candidate error body is buffered for
// classification. Gateway error envelopes are far smaller.
const maxErrorPeek = 4096

// Client talks to a ClawGuard gateway. It is safe for concurrent use.
type Client struct {
	gatewayAddr string
	agentKey    string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a ClawGuard SDK client. It reads configuration from
// CLAWGUARD_* environment variables by default; options override them.
//
// The underlying http.Client carries no timeout unless CLAWGUARD_TIMEOUT
// or WithTimeout sets one: the gateway holds gated requests open until a
// human decides, so a short timeout would abandon prompts mid-decision.
func NewClient(opts ...Option) *Client {
	c := &Client{
		gatewayAddr: envOrDefault("CLAWGUARD_GATEWAY_ADDR", DefaultGatewayAddr),
		agentKey:    os.Getenv("CLAWGUARD_AGENT_KEY"),
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: parseDurationEnv("CLAWGUARD_TIMEOUT", 0),
		}
	}

	return c
}

// NewRequest builds a request addressed to the named service through the
// gateway. path is the upstream path plus optional query, e.g.
// "/repos/acme/app/issues?state=open". The agent key header is attached
// by Do.
func (c *Client) NewRequest(ctx context.Context, method, service, path string, body io.Reader) (*http.Request, error) {
	if service == "" {
		return nil, errors.New("clawguard: service name is empty")
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := strings.TrimRight(c.gatewayAddr, "/") + "/" + url.PathEscape(service) + path

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("clawguard: build request: %w", err)
	}
	return req, nil
}

// Do sends a request built by NewRequest and classifies the answer.
//
// Responses produced by the upstream service are returned as-is whatever
// their status; the caller owns resp.Body. Refusals originated by the
// gateway itself are consumed and returned as typed errors:
// *UnauthorizedError, *UnknownServiceError, *DeniedError, *GatewayError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get(HeaderAgentKey) == "" {
		req.Header.Set(HeaderAgentKey, c.agentKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if gwErr := gatewayRefusal(resp); gwErr != nil {
		resp.Body.Close()
		c.logger.Debug("gateway refused request",
			"method", req.Method,
			"url", req.URL.String(),
			"error", gwErr,
		)
		return nil, gwErr
	}
	return resp, nil
}

// Get issues a GET to the named service through the gateway.
func (c *Client) Get(ctx context.Context, service, path string) (*http.Response, error) {
	req, err := c.NewRequest(ctx, http.MethodGet, service, path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post issues a POST to the named service through the gateway.
func (c *Client) Post(ctx context.Context, service, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := c.NewRequest(ctx, http.MethodPost, service, path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Do(req)
}

// Status fetches gateway health, routable service names, and live
// approval grants.
func (c *Client) Status(ctx context.Context) (*GatewayStatus, error) {
	var out GatewayStatus
	if err := c.getJSON(ctx, "/__status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecentRequests fetches the newest audit rows, newest first. A limit of
// zero or less uses the gateway's default.
func (c *Client) RecentRequests(ctx context.Context, limit int) ([]AuditEntry, error) {
	path := "/__audit"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []AuditEntry
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// getJSON performs a GET against a gateway introspection endpoint and
// decodes the response. Unlike Do, every response here comes from the
// gateway, so any non-200 is an error.
func (c *Client) getJSON(ctx context.Context, path string, result any) error {
	target := strings.TrimRight(c.gatewayAddr, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("clawguard: build request: %w", err)
	}
	req.Header.Set(HeaderAgentKey, c.agentKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("clawguard: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if gwErr := classifyEnvelope(resp.StatusCode, raw); gwErr != nil {
			return gwErr
		}
		return &GatewayError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("http_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(raw)),
		}
	}

	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("clawguard: decode response: %w", err)
	}
	return nil
}

// gatewayRefusal inspects a response for a gateway-originated error. Only
// statuses the gateway emits are considered, and only bodies matching its
// fixed error catalog are treated as refusals; whatever was read during
// inspection is stitched back so an upstream's own response reaches the
// caller intact.
func gatewayRefusal(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusRequestEntityTooLarge,
		http.StatusInternalServerError,
		http.StatusBadGateway:
	default:
		return nil
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		return nil
	}

	peek, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorPeek+1))
	resp.Body = &restoredBody{
		Reader: io.MultiReader(bytes.NewReader(peek), resp.Body),
		closer: resp.Body,
	}
	if err != nil || len(peek) > maxErrorPeek {
		return nil
	}

	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(peek, &envelope) != nil || envelope.Error == "" {
		return nil
	}
	return classifyMessage(resp.StatusCode, envelope.Error)
}

// classifyEnvelope decodes a fully read error body and classifies it.
func classifyEnvelope(status int, raw []byte) error {
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) != nil || envelope.Error == "" {
		return nil
	}
	if err := classifyMessage(status, envelope.Error); err != nil {
		return err
	}
	return &GatewayError{
		StatusCode: status,
		Code:       fmt.Sprintf("http_%d", status),
		Message:    envelope.Error,
	}
}

// classifyMessage maps the gateway's fixed agent-visible error catalog to
// typed errors. A message outside the catalog returns nil: it is the
// upstream's own response, not a gateway refusal.
func classifyMessage(status int, msg string) error {
	switch {
	case status == http.StatusUnauthorized && msg == "Invalid or missing "+HeaderAgentKey:
		return &UnauthorizedError{Message: msg}

	case status == http.StatusNotFound && strings.HasPrefix(msg, "Unknown service: "):
		return &UnknownServiceError{Service: strings.TrimPrefix(msg, "Unknown service: ")}

	case status == http.StatusNotFound && strings.HasPrefix(msg, "Unknown host."):
		return &GatewayError{StatusCode: status, Code: "not_found", Message: msg}

	case status == http.StatusForbidden && msg == "Request blocked by security policy":
		return &DeniedError{Reason: ReasonBlocked, Message: msg}

	case status == http.StatusForbidden && msg == "Approval denied or timed out":
		return &DeniedError{Reason: ReasonDenied, Message: msg}

	case status == http.StatusForbidden && msg == "Redirect blocked by security policy":
		return &DeniedError{Reason: ReasonRedirectBlocked, Message: msg}

	case status == http.StatusRequestEntityTooLarge && msg == "Request body too large":
		return &GatewayError{StatusCode: status, Code: "body_too_large", Message: msg}

	case status == http.StatusBadRequest && msg == "Failed to read request body":
		return &GatewayError{StatusCode: status, Code: "bad_request", Message: msg}

	case status == http.StatusBadGateway && strings.HasPrefix(msg, "Upstream error: "):
		return &GatewayError{StatusCode: status, Code: "upstream_error", Message: msg}

	case status == http.StatusInternalServerError && strings.HasPrefix(msg, "Internal gateway error: "):
		return &GatewayError{StatusCode: status, Code: "internal", Message: msg}
	}
	return nil
}

// restoredBody re-attaches the original closer to a body whose head was
// consumed during classification.
type restoredBody struct {
	io.Reader
	closer io.Closer
}

func (b *restoredBody) Close() error {
	return b.closer.Close()
}

// Helper functions for env var parsing.

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Bare integers are taken as seconds.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}
