// Package gateway implements the agent-facing HTTP surface: the gated
// proxy pipeline (route, guard, policy, approval, credential injection,
// forward, audit) and the double-underscore introspection endpoints.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clawguard/clawguard/internal/domain/approval"
	"github.com/clawguard/clawguard/internal/domain/audit"
	"github.com/clawguard/clawguard/internal/domain/guard"
	"github.com/clawguard/clawguard/internal/domain/service"
	"github.com/clawguard/clawguard/internal/port/outbound"
	svc "github.com/clawguard/clawguard/internal/service"
)

// reservedPrefix marks request paths that can never name a service.
const reservedPrefix = "__"

// Handler runs the proxy pipeline for one request. Routing resolution
// happens per request against the live table; everything after a denial
// or block is skipped, and exactly one audit row is written per terminal
// outcome that reaches the pipeline.
type Handler struct {
	table     *service.Table
	policy    *svc.PolicyService
	approvals *approval.Coordinator
	guard     guard.Policy
	store     outbound.Store
	metrics   *Metrics
	client    *http.Client
	tracer    trace.Tracer
	logger    *slog.Logger

	maxBodyBytes    int64
	capturePayloads bool
	captureMax      int
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := LoggerFromContext(r.Context())
	agentIP := AgentIPFromContext(r.Context(), r)

	// Audit writes, approval waits, and the upstream exchange must not
	// be retracted by an agent that hangs up; only the client timeout
	// bounds them.
	ctx := context.WithoutCancel(r.Context())

	def, target, ok := h.route(r)
	if !ok {
		h.writeRouteError(w, r, logger)
		return
	}
	logger = logger.With("service", def.Name)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		logger.Warn("request body read failed", "error", err)
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	rec := &audit.RequestRecord{
		Timestamp: time.Now().UTC(),
		Service:   def.Name,
		Method:    r.Method,
		Path:      target,
		AgentIP:   agentIP,
	}
	if h.capturePayloads {
		rec.RequestBody = audit.Truncate(body, h.captureMax)
	}

	base, err := def.ParseBase()
	if err != nil {
		// Definitions are validated before installation; a bad base here
		// means the table was corrupted, not that the agent erred.
		logger.Error("service has unparseable upstream", "upstream", def.Upstream, "error", err)
		writeInternalError(w, err.Error())
		return
	}

	_, guardSpan := h.tracer.Start(ctx, "guard.check", trace.WithAttributes(
		attribute.String("service", def.Name),
	))
	upstreamURL, policyPath, err := buildUpstreamURL(base, target)
	if err == nil {
		err = guard.CheckUpstream(upstreamURL, base, h.guard)
	}
	if err != nil {
		guardSpan.RecordError(err)
		guardSpan.SetStatus(codes.Error, "blocked")
		guardSpan.End()
		logger.Warn("request blocked", "target", target, "error", err)
		h.finish(ctx, logger, rec, start, outcomeBlocked, http.StatusForbidden, false)
		writeError(w, http.StatusForbidden, msgBlocked)
		return
	}
	guardSpan.End()

	token, err := def.Credential.ResolveToken()
	if err != nil {
		// Resolved before the approval wait so a missing credential env
		// never costs the human a wasted prompt.
		logger.Error("credential resolution failed", "error", err)
		writeInternalError(w, err.Error())
		return
	}

	action := h.policy.Resolve(def.Name, r.Method, policyPath, agentIP, time.Now())

	checkReq := approval.CheckRequest{
		Service: def.Name,
		Action:  action,
		Method:  r.Method,
		Path:    target,
		AgentIP: agentIP,
	}
	waitCtx, waitSpan := h.tracer.Start(ctx, "approval.wait", trace.WithAttributes(
		attribute.String("service", def.Name),
		attribute.String("action", string(action)),
	))
	waitStart := time.Now()
	res := h.approvals.Check(waitCtx, checkReq)
	waitSpan.SetAttributes(attribute.Bool("approved", res.Approved))
	waitSpan.End()
	if action == service.ActionRequireApproval {
		h.metrics.ApprovalWait.Observe(time.Since(waitStart).Seconds())
	}
	if !res.Approved {
		logger.Warn("request denied", "decided_by", res.DecidedBy)
		h.finish(ctx, logger, rec, start, outcomeDenied, http.StatusForbidden, false)
		writeError(w, http.StatusForbidden, msgDenied)
		return
	}

	fwd := h.forward(ctx, w, r, def, upstreamURL, token, body)
	rec.ResponseBody = fwd.responseBody
	h.finish(ctx, logger, rec, start, fwd.outcome, fwd.status, true)
}

// finish records the audit row and metrics for a terminal outcome. The
// response is already decided; a failed audit write is logged and
// swallowed.
func (h *Handler) finish(ctx context.Context, logger *slog.Logger, rec *audit.RequestRecord, start time.Time, outcome string, status int, approved bool) {
	rec.Approved = approved
	rec.ResponseStatus = &status

	if _, err := h.store.InsertRequest(ctx, rec); err != nil {
		logger.Error("audit write failed", "error", err)
	}

	h.metrics.RequestsTotal.WithLabelValues(rec.Service, outcome).Inc()
	h.metrics.RequestDuration.WithLabelValues(rec.Service).Observe(time.Since(start).Seconds())
	if outcome == outcomeUpstreamError {
		h.metrics.UpstreamErrors.WithLabelValues(rec.Service).Inc()
	}

	logger.Info("request completed",
		"method", rec.Method,
		"path", rec.Path,
		"outcome", outcome,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// route resolves the request to a service definition and the upstream
// target (path plus query). Path-prefix mode is tried first, then the
// Host header against intercept hostnames.
func (h *Handler) route(r *http.Request) (*service.Definition, string, bool) {
	name, rest := splitService(r.URL.EscapedPath())
	if name != "" && !strings.HasPrefix(name, reservedPrefix) {
		if def, ok := h.table.Get(name); ok {
			target := rest
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			return def, target, true
		}
	}
	if def, ok := h.table.MatchHost(r.Host); ok {
		return def, r.URL.RequestURI(), true
	}
	return nil, "", false
}

// writeRouteError picks the 404 flavor: a usable first path segment
// means the agent was naming a service; otherwise the request only made
// sense as Host-header traffic.
func (h *Handler) writeRouteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	name, _ := splitService(r.URL.EscapedPath())
	logger.Warn("no route for request", "path", r.URL.Path, "host", r.Host)
	if name != "" && !strings.HasPrefix(name, reservedPrefix) {
		if dec, err := url.PathUnescape(name); err == nil {
			name = dec
		}
		writeUnknownService(w, name)
		return
	}
	writeError(w, http.StatusNotFound, msgUnknownHost)
}

// splitService splits an escaped request path into its first segment and
// the remainder after exactly "/<segment>". An empty remainder becomes
// "/".
func splitService(escapedPath string) (name, rest string) {
	p := strings.TrimPrefix(escapedPath, "/")
	if p == "" {
		return "", "/"
	}
	name, rest, found := strings.Cut(p, "/")
	if !found || rest == "" {
		return name, "/"
	}
	return name, "/" + rest
}

// buildUpstreamURL resolves the request target against the service base.
// Same-origin references keep the base path mounted as a prefix; a
// reference carrying its own scheme or host is resolved as-is so the
// guard's host pin can reject the swing. The returned policyPath is the
// decoded service-relative path rules match against.
func buildUpstreamURL(base *url.URL, target string) (u *url.URL, policyPath string, err error) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, "", err
	}
	policyPath = ref.Path
	if policyPath == "" {
		policyPath = "/"
	}
	if ref.Scheme != "" || ref.Host != "" {
		return base.ResolveReference(ref), policyPath, nil
	}

	joined := *base
	joined.Path = joinPath(base.Path, ref.Path)
	if ref.RawPath != "" {
		joined.RawPath = joinPath(base.EscapedPath(), ref.RawPath)
	}
	joined.RawQuery = ref.RawQuery
	joined.Fragment = ref.Fragment
	return &joined, policyPath, nil
}

// joinPath concatenates a base path (trailing slash already trimmed) and
// a request path, keeping exactly one slash between them.
func joinPath(basePath, reqPath string) string {
	if reqPath == "" {
		reqPath = "/"
	}
	if !strings.HasPrefix(reqPath, "/") {
		reqPath = "/" + reqPath
	}
	return basePath + reqPath
}
