package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/clawguard/clawguard/internal/adapter/outbound/sqlite"
	"github.com/clawguard/clawguard/internal/domain/approval"
	"github.com/clawguard/clawguard/internal/domain/auth"
	"github.com/clawguard/clawguard/internal/domain/guard"
	"github.com/clawguard/clawguard/internal/domain/service"
	"github.com/clawguard/clawguard/internal/domain/session"
	svc "github.com/clawguard/clawguard/internal/service"
)

const testPIN = "4242"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// approveNotifier resolves prompts inline so tests can install grants
// through the coordinator without a chat transport.
type approveNotifier struct {
	resolver *approval.Coordinator
	silent   bool
}

func (n *approveNotifier) SendPrompt(_ context.Context, p *approval.PendingApproval) error {
	if n.silent {
		return nil
	}
	n.resolver.Resolve(p.ID, approval.Decision{Approved: true, TTL: time.Hour, Approver: "alice"})
	return nil
}

// adminFixture wires the admin plane over a real SQLite store, the same
// dependency set serve assembles.
type adminFixture struct {
	handler   http.Handler
	store     *sqlite.Store
	coord     *approval.Coordinator
	notifier  *approveNotifier
	table     *service.Table
	overrides *svc.OverrideService
	sessions  *session.Manager
}

func newAdminFixture(t *testing.T, guardPol guard.Policy, base []service.Definition, opts ...Option) *adminFixture {
	t.Helper()
	logger := testLogger()
	store := openStore(t)

	notifier := &approveNotifier{}
	coord := approval.NewCoordinator(store, notifier, logger, approval.WithDeadline(time.Second))
	notifier.resolver = coord

	table := service.NewTable(nil)
	policy, err := svc.NewPolicyService(logger)
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	overrides := svc.NewOverrideService(store, table, policy, guardPol, base, logger)
	if err := overrides.Load(context.Background()); err != nil {
		t.Fatalf("load overrides: %v", err)
	}

	sessions := session.NewManager(time.Hour)
	all := []Option{
		WithOverrideService(overrides),
		WithTable(table),
		WithCoordinator(coord),
		WithStore(store),
		WithSessions(sessions),
		WithPINHash(auth.HashPINSHA256(testPIN)),
		WithLogger(logger),
	}
	h := New(append(all, opts...)...)

	return &adminFixture{
		handler:   h.Routes(),
		store:     store,
		coord:     coord,
		notifier:  notifier,
		table:     table,
		overrides: overrides,
		sessions:  sessions,
	}
}

// doFrom sends a request with an explicit peer address. The allowlist
// reads RemoteAddr only, never forwarding headers.
func (f *adminFixture) doFrom(t *testing.T, remoteAddr, method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = remoteAddr
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// do sends a request from a loopback peer, which the default allowlist
// admits.
func (f *adminFixture) do(t *testing.T, method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	return f.doFrom(t, "127.0.0.1:5555", method, target, token, body)
}

func (f *adminFixture) login(t *testing.T) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/__admin/login", "", strings.NewReader(`{"pin":"`+testPIN+`"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d; body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("login response %q: %v", rec.Body.String(), err)
	}
	return resp.Token
}

// grant installs a live 1h grant for svc through the coordinator.
func (f *adminFixture) grant(t *testing.T, svcName string) {
	t.Helper()
	res := f.coord.Check(context.Background(), approval.CheckRequest{
		Service: svcName,
		Action:  service.ActionRequireApproval,
		Method:  "DELETE",
		Path:    "/x",
		AgentIP: "203.0.113.9",
	})
	if !res.Approved || res.Grant == nil {
		t.Fatalf("grant for %s not installed: %+v", svcName, res)
	}
}

// baseDef is a config-file style definition with a real token so masking
// is observable.
func baseDef(name string) service.Definition {
	return service.Definition{
		Name:     name,
		Upstream: "https://" + name + ".example.com",
		Credential: service.Credential{
			Kind:  service.CredentialBearer,
			Token: name + "-secret",
		},
		Policy: service.Policy{Default: service.ActionRequireApproval},
	}
}

func adminErrorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}
