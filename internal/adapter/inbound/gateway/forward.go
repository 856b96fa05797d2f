package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clawguard/clawguard/internal/domain/audit"
	"github.com/clawguard/clawguard/internal/domain/guard"
	"github.com/clawguard/clawguard/internal/domain/service"
)

// hopByHopHeaders are connection-scoped and never forwarded (RFC 9110
// section 7.6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardResult summarizes the upstream exchange for the audit row and
// metrics. status is what the agent received.
type forwardResult struct {
	outcome      string
	status       int
	responseBody *string
}

// forward sends the approved request upstream and streams the response
// back. Redirects are never followed; a 3xx Location is re-checked by the
// guard and either passed through or converted to a 403.
func (h *Handler) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, def *service.Definition, upstreamURL *url.URL, token string, body []byte) forwardResult {
	logger := LoggerFromContext(r.Context())

	ctx, span := h.tracer.Start(ctx, "upstream.forward", trace.WithAttributes(
		attribute.String("service", def.Name),
		attribute.String("http.method", r.Method),
		attribute.String("server.address", upstreamURL.Host),
	))
	defer span.End()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL.String(), bytes.NewReader(body))
	if err != nil {
		logger.Error("building upstream request failed", "error", err)
		span.SetStatus(codes.Error, "request build failed")
		writeUpstreamError(w, err)
		return forwardResult{outcome: outcomeUpstreamError, status: http.StatusBadGateway}
	}

	shapeHeaders(outReq.Header, r.Header)
	injectCredential(outReq, def.Credential, token)

	resp, err := h.client.Do(outReq)
	if err != nil {
		logger.Warn("upstream request failed", "url", upstreamURL.Redacted(), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream request failed")
		writeUpstreamError(w, err)
		return forwardResult{outcome: outcomeUpstreamError, status: http.StatusBadGateway}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if loc := resp.Header.Get("Location"); loc != "" && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if _, err := guard.CheckRedirect(loc, outReq.URL, h.guard); err != nil {
			logger.Warn("upstream redirect blocked", "location", loc, "error", err)
			writeError(w, http.StatusForbidden, msgRedirectBlocked)
			return forwardResult{outcome: outcomeRedirectBlocked, status: http.StatusForbidden}
		}
	}

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	capture := &captureWriter{max: h.captureMax}
	reader := io.Reader(resp.Body)
	if h.capturePayloads {
		reader = io.TeeReader(resp.Body, capture)
	}
	_, copyErr := io.Copy(w, reader)
	if copyErr != nil {
		logger.Debug("response stream interrupted", "error", copyErr)
	}

	return forwardResult{
		outcome:      outcomeForwarded,
		status:       resp.StatusCode,
		responseBody: capture.captured(copyErr == nil),
	}
}

// shapeHeaders copies the inbound headers into dst, dropping the agent
// secret and every other vendor-prefixed header, Host, Content-Length,
// and the hop-by-hop set. The upstream must only ever see what the agent
// legitimately addressed to it.
func shapeHeaders(dst, src http.Header) {
	for key, values := range src {
		if skipHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func skipHeader(key string) bool {
	lower := strings.ToLower(key)
	for _, prefix := range vendorHeaderPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	if lower == "host" || lower == "content-length" {
		return true
	}
	for _, hop := range hopByHopHeaders {
		if strings.EqualFold(key, hop) {
			return true
		}
	}
	return false
}

// injectCredential applies the service's injection recipe after the
// strip, so a spoofed inbound Authorization or token parameter is always
// overwritten.
func injectCredential(req *http.Request, cred service.Credential, token string) {
	switch cred.Kind {
	case service.CredentialBearer:
		req.Header.Set("Authorization", "Bearer "+token)
	case service.CredentialHeader:
		req.Header.Set(cred.Name, token)
	case service.CredentialQuery:
		q := req.URL.Query()
		q.Set(cred.Name, token)
		req.URL.RawQuery = q.Encode()
	}
}

// captureWriter retains the first max bytes that stream through it.
type captureWriter struct {
	buf   []byte
	max   int
	total int64
}

func (c *captureWriter) Write(p []byte) (int, error) {
	c.total += int64(len(p))
	if room := c.max - len(c.buf); room > 0 {
		if len(p) > room {
			c.buf = append(c.buf, p[:room]...)
		} else {
			c.buf = append(c.buf, p...)
		}
	}
	return len(p), nil
}

// captured renders the capped capture. A complete stream records the
// exact total; an interrupted one carries the bare truncation marker
// because the true length is unknown.
func (c *captureWriter) captured(complete bool) *string {
	if c.max <= 0 || c.total == 0 {
		return nil
	}
	if complete && c.total <= int64(len(c.buf)) {
		s := string(c.buf)
		return &s
	}
	if !complete {
		s := string(c.buf) + audit.TruncationMarker
		return &s
	}
	s := fmt.Sprintf("%s... [truncated, %d bytes total]", c.buf, c.total)
	return &s
}
