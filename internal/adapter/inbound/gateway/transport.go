package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/clawguard/clawguard/internal/domain/approval"
	"github.com/clawguard/clawguard/internal/domain/guard"
	"github.com/clawguard/clawguard/internal/domain/service"
	"github.com/clawguard/clawguard/internal/port/outbound"
	svc "github.com/clawguard/clawguard/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

// Transport is the inbound HTTP adapter: one listener carrying the proxy
// pipeline, the introspection endpoints, and optionally the admin plane.
type Transport struct {
	table     *service.Table
	policy    *svc.PolicyService
	approvals *approval.Coordinator
	store     outbound.Store

	server       *http.Server
	addr         string
	agentKey     string
	acceptLegacy bool
	guard        guard.Policy
	adminHandler http.Handler
	version      string

	upstreamTimeout time.Duration
	maxBodyBytes    int64
	capturePayloads bool
	captureMax      int

	logger *slog.Logger
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8473".
func WithAddr(addr string) Option {
	return func(t *Transport) {
		t.addr = addr
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithAgentKey sets the shared agent secret and whether the legacy
// header alias is accepted.
func WithAgentKey(key string, acceptLegacy bool) Option {
	return func(t *Transport) {
		t.agentKey = key
		t.acceptLegacy = acceptLegacy
	}
}

// WithGuard sets the security guard policy applied to upstream URLs and
// redirects.
func WithGuard(pol guard.Policy) Option {
	return func(t *Transport) {
		t.guard = pol
	}
}

// WithAdminHandler mounts the admin plane under /__admin. The handler
// carries its own authentication; the agent secret is not required.
func WithAdminHandler(h http.Handler) Option {
	return func(t *Transport) {
		t.adminHandler = h
	}
}

// WithVersion sets the version string reported by /__status.
func WithVersion(v string) Option {
	return func(t *Transport) {
		t.version = v
	}
}

// WithUpstreamTimeout bounds the whole upstream exchange per request.
func WithUpstreamTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.upstreamTimeout = d
		}
	}
}

// WithMaxBodyBytes caps the inbound request body.
func WithMaxBodyBytes(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxBodyBytes = n
		}
	}
}

// WithPayloadCapture enables audit payload capture with the given cap in
// bytes per direction.
func WithPayloadCapture(enabled bool, maxBytes int) Option {
	return func(t *Transport) {
		t.capturePayloads = enabled
		if maxBytes > 0 {
			t.captureMax = maxBytes
		}
	}
}

// New creates the gateway transport. The table, policy service,
// coordinator, and store are required; everything else has defaults.
func New(table *service.Table, policy *svc.PolicyService, approvals *approval.Coordinator, store outbound.Store, opts ...Option) *Transport {
	t := &Transport{
		table:           table,
		policy:          policy,
		approvals:       approvals,
		store:           store,
		addr:            "127.0.0.1:8473",
		version:         "dev",
		upstreamTimeout: 30 * time.Second,
		maxBodyBytes:    10 << 20,
		captureMax:      2048,
		logger:          slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Handler assembles the full route set with middleware applied. Exposed
// so tests can drive the transport through httptest without a listener.
func (t *Transport) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return t.buildHandler(reg)
}

func (t *Transport) buildHandler(reg *prometheus.Registry) http.Handler {
	metrics := NewMetrics(reg, func() int { return len(t.approvals.Grants()) })

	pipeline := &Handler{
		table:     t.table,
		policy:    t.policy,
		approvals: t.approvals,
		guard:     t.guard,
		store:     t.store,
		metrics:   metrics,
		client: &http.Client{
			Timeout: t.upstreamTimeout,
			// Redirects pass back to the agent after the guard re-check;
			// the gateway never chases them.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tracer:          otel.Tracer("clawguard/gateway"),
		logger:          t.logger,
		maxBodyBytes:    t.maxBodyBytes,
		capturePayloads: t.capturePayloads,
		captureMax:      t.captureMax,
	}

	intro := &introspection{
		table:     t.table,
		approvals: t.approvals,
		store:     t.store,
		version:   t.version,
	}

	// Outermost first: Recover -> RequestID -> RealIP -> Auth.
	agentChain := func(next http.Handler) http.Handler {
		next = AuthMiddleware(t.agentKey, t.acceptLegacy)(next)
		next = RealIPMiddleware(next)
		next = RequestIDMiddleware(t.logger)(next)
		next = RecoverMiddleware(t.logger)(next)
		return next
	}

	mux := http.NewServeMux()
	if t.adminHandler != nil {
		// The admin plane authenticates by IP allowlist and PIN session,
		// not by agent secret.
		admin := RealIPMiddleware(t.adminHandler)
		admin = RequestIDMiddleware(t.logger)(admin)
		admin = RecoverMiddleware(t.logger)(admin)
		mux.Handle("/__admin", admin)
		mux.Handle("/__admin/", admin)
	}
	mux.Handle("GET /__status", agentChain(http.HandlerFunc(intro.status)))
	mux.Handle("GET /__audit", agentChain(http.HandlerFunc(intro.recent)))
	mux.Handle("GET /__metrics", agentChain(promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	})))
	mux.Handle("/", agentChain(pipeline))

	return mux
}

// Start begins serving and blocks until the context is cancelled or the
// server fails.
func (t *Transport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: t.buildHandler(reg),
	}

	errCh := make(chan error, 1)

	go func() {
		t.logger.Info("starting gateway", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down gateway")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests with a 10 second grace.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during gateway shutdown", "error", err)
		return err
	}

	t.logger.Info("gateway shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
