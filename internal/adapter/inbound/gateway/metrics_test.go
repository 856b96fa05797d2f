package gateway

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/clawguard/clawguard/internal/domain/approval"
	"github.com/clawguard/clawguard/internal/domain/guard"
	"github.com/clawguard/clawguard/internal/domain/service"
	svc "github.com/clawguard/clawguard/internal/service"
)

// newMetricsFixture is the pipeline fixture with the Prometheus registry
// held by the test instead of buried inside Handler().
func newMetricsFixture(t *testing.T, defs []service.Definition, opts ...Option) (*fixture, *prometheus.Registry) {
	t.Helper()
	logger := testLogger()
	store := openStore(t)

	notifier := &promptNotifier{decision: approval.Decision{Approved: true, TTL: time.Hour, Approver: "alice"}}
	coord := approval.NewCoordinator(store, notifier, logger, approval.WithDeadline(200*time.Millisecond))
	notifier.resolver = coord

	table := service.NewTable(defs)
	policy, err := svc.NewPolicyService(logger)
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	if err := policy.Load(table.Snapshot().Definitions()); err != nil {
		t.Fatalf("load policies: %v", err)
	}

	base := []Option{WithLogger(logger), WithAgentKey(testAgentKey, true)}
	tr := New(table, policy, coord, store, append(base, opts...)...)

	reg := prometheus.NewRegistry()
	return &fixture{
		handler:  tr.buildHandler(reg),
		store:    store,
		notifier: notifier,
		coord:    coord,
		table:    table,
	}, reg
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// findMetric returns the sample of the named family matching the label
// set, or nil when no sample matches.
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range fams {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	m := findMetric(t, reg, name, labels)
	if m == nil {
		t.Fatalf("metric %s%v not found", name, labels)
	}
	return m.GetCounter().GetValue()
}

func TestMetricsCountOutcomes(t *testing.T) {
	up, _ := captureUpstream(t, http.StatusOK, "ok")
	fx, reg := newMetricsFixture(t, []service.Definition{
		autoDef("gh", up.URL),
		autoDef("evil", "http://api.evil.test"),
		autoDef("down", "http://127.0.0.1:1"),
		{
			Name:     "prod",
			Upstream: up.URL,
			Policy:   service.Policy{Default: service.ActionRequireApproval},
		},
	}, WithGuard(guard.Policy{Allowlist: []string{"127.0.0.1"}}))

	if rec := fx.do(t, http.MethodGet, "/gh/user", nil); rec.Code != http.StatusOK {
		t.Fatalf("gh status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	if rec := fx.do(t, http.MethodGet, "/evil/x", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("evil status = %d, want 403", rec.Code)
	}
	if rec := fx.do(t, http.MethodGet, "/down/x", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("down status = %d, want 502", rec.Code)
	}
	fx.notifier.decision = approval.Decision{Approved: false, Approver: "alice"}
	if rec := fx.do(t, http.MethodDelete, "/prod/db", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("prod status = %d, want 403", rec.Code)
	}

	outcomes := map[string]string{
		"gh":   outcomeForwarded,
		"evil": outcomeBlocked,
		"down": outcomeUpstreamError,
		"prod": outcomeDenied,
	}
	for svcName, outcome := range outcomes {
		got := counterValue(t, reg, "clawguard_requests_total",
			map[string]string{"service": svcName, "outcome": outcome})
		if got != 1 {
			t.Errorf("requests_total{service=%s,outcome=%s} = %v, want 1", svcName, outcome, got)
		}
	}

	if got := counterValue(t, reg, "clawguard_upstream_errors_total",
		map[string]string{"service": "down"}); got != 1 {
		t.Errorf("upstream_errors_total{service=down} = %v, want 1", got)
	}

	// Duration is observed for every terminal outcome, blocked included.
	for _, svcName := range []string{"gh", "evil", "down", "prod"} {
		m := findMetric(t, reg, "clawguard_request_duration_seconds",
			map[string]string{"service": svcName})
		if m == nil {
			t.Fatalf("no duration histogram for %s", svcName)
		}
		if m.GetHistogram().GetSampleCount() != 1 {
			t.Errorf("duration count for %s = %d, want 1", svcName, m.GetHistogram().GetSampleCount())
		}
	}

	// Only prod's request waited on a human.
	wait := findMetric(t, reg, "clawguard_approval_wait_seconds", nil)
	if wait == nil {
		t.Fatal("no approval wait histogram")
	}
	if wait.GetHistogram().GetSampleCount() != 1 {
		t.Errorf("approval wait count = %d, want 1", wait.GetHistogram().GetSampleCount())
	}

	// The denial left no grant behind.
	grants := findMetric(t, reg, "clawguard_active_grants", nil)
	if grants == nil {
		t.Fatal("no active grants gauge")
	}
	if grants.GetGauge().GetValue() != 0 {
		t.Errorf("active_grants = %v, want 0", grants.GetGauge().GetValue())
	}
}

func TestMetricsActiveGrantsGauge(t *testing.T) {
	up, _ := captureUpstream(t, http.StatusOK, "ok")
	fx, reg := newMetricsFixture(t, []service.Definition{{
		Name:     "prod",
		Upstream: up.URL,
		Policy:   service.Policy{Default: service.ActionRequireApproval},
	}})

	if rec := fx.do(t, http.MethodDelete, "/prod/instances/7", nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	// The gauge samples the coordinator at gather time.
	grants := findMetric(t, reg, "clawguard_active_grants", nil)
	if grants == nil {
		t.Fatal("no active grants gauge")
	}
	if grants.GetGauge().GetValue() != 1 {
		t.Errorf("active_grants = %v, want 1 after approval", grants.GetGauge().GetValue())
	}
}
