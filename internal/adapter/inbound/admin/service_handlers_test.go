package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clawguard/clawguard/internal/domain/guard"
	"github.com/clawguard/clawguard/internal/domain/service"
)

func putOverride(t *testing.T, fx *adminFixture, token, name string, def service.Definition) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(def)
	if err != nil {
		t.Fatalf("marshal definition: %v", err)
	}
	rec := fx.do(t, http.MethodPut, "/__admin/overrides/"+name, token, bytes.NewReader(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT override status = %d; body %s", rec.Code, rec.Body.String())
	}
	return rec.Body
}

func TestServicesEndpoint(t *testing.T) {
	fx := newAdminFixture(t, guard.Policy{}, []service.Definition{baseDef("slack"), baseDef("gh")})
	token := fx.login(t)

	rec := fx.do(t, http.MethodGet, "/__admin/services", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}

	var defs []service.Definition
	if err := json.Unmarshal(rec.Body.Bytes(), &defs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("got %d services, want 2", len(defs))
	}
	if defs[0].Name != "gh" || defs[1].Name != "slack" {
		t.Errorf("order = [%s %s], want [gh slack]", defs[0].Name, defs[1].Name)
	}
	for _, d := range defs {
		if d.Credential.Token != "***" {
			t.Errorf("service %s: token = %q, want masked", d.Name, d.Credential.Token)
		}
	}
}

func TestOverrideLifecycle(t *testing.T) {
	fx := newAdminFixture(t, guard.Policy{}, []service.Definition{baseDef("gh")})
	token := fx.login(t)

	override := service.Definition{
		Name:     "gh",
		Upstream: "https://gh-staging.example.com",
		Credential: service.Credential{
			Kind:  service.CredentialBearer,
			Token: "staging-secret",
		},
		Policy: service.Policy{Default: service.ActionAutoApprove},
	}

	body := putOverride(t, fx, token, "gh", override)
	var installed service.Definition
	if err := json.Unmarshal(body.Bytes(), &installed); err != nil {
		t.Fatalf("decode PUT response: %v", err)
	}
	if installed.Upstream != override.Upstream {
		t.Errorf("upstream = %q, want %q", installed.Upstream, override.Upstream)
	}
	if installed.Credential.Token != "***" {
		t.Errorf("PUT response token = %q, want masked", installed.Credential.Token)
	}

	// The live table routes to the override immediately.
	if def, ok := fx.table.Get("gh"); !ok || def.Upstream != override.Upstream {
		t.Fatalf("table.Get(gh) = %+v, %v; want override upstream", def, ok)
	}

	rec := fx.do(t, http.MethodGet, "/__admin/overrides/gh", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET override status = %d", rec.Code)
	}
	var got struct {
		Service    string             `json:"service"`
		Definition service.Definition `json:"definition"`
		CreatedAt  time.Time          `json:"created_at"`
		UpdatedAt  time.Time          `json:"updated_at"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Service != "gh" {
		t.Errorf("service = %q", got.Service)
	}
	if got.Definition.Upstream != override.Upstream {
		t.Errorf("definition upstream = %q", got.Definition.Upstream)
	}
	if got.Definition.Credential.Token != "***" {
		t.Errorf("stored token = %q, want masked", got.Definition.Credential.Token)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Errorf("row timestamps missing: created %v updated %v", got.CreatedAt, got.UpdatedAt)
	}

	rec = fx.do(t, http.MethodGet, "/__admin/overrides", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d overrides, want 1", len(list))
	}

	rec = fx.do(t, http.MethodDelete, "/__admin/overrides/gh", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d; body %s", rec.Code, rec.Body.String())
	}
	var deleted map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &deleted); err != nil {
		t.Fatalf("decode delete response: %v", err)
	}
	if deleted["status"] != "deleted" || deleted["service"] != "gh" {
		t.Errorf("delete response = %v", deleted)
	}

	// Deleting the override restores the base definition.
	if def, ok := fx.table.Get("gh"); !ok || def.Upstream != "https://gh.example.com" {
		t.Fatalf("table.Get(gh) after delete = %+v, %v; want base upstream", def, ok)
	}

	rec = fx.do(t, http.MethodGet, "/__admin/overrides/gh", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET deleted override status = %d, want 404", rec.Code)
	}
	if msg := adminErrorMessage(t, rec); msg != "no override for service gh" {
		t.Errorf("error = %q", msg)
	}

	rec = fx.do(t, http.MethodDelete, "/__admin/overrides/gh", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", rec.Code)
	}
}

func TestOverrideValidation(t *testing.T) {
	fx := newAdminFixture(t, guard.Policy{BlockPrivate: true}, []service.Definition{baseDef("gh")})
	token := fx.login(t)

	put := func(t *testing.T, name, body string) *httptest.ResponseRecorder {
		t.Helper()
		return fx.do(t, http.MethodPut, "/__admin/overrides/"+name, token, strings.NewReader(body))
	}

	t.Run("name mismatch", func(t *testing.T) {
		rec := put(t, "gh", `{"name":"other","upstream":"https://x.example.com"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if msg := adminErrorMessage(t, rec); msg != "definition name does not match URL" {
			t.Errorf("error = %q", msg)
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		rec := put(t, "gh", `{`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if msg := adminErrorMessage(t, rec); !strings.HasPrefix(msg, "invalid JSON body") {
			t.Errorf("error = %q", msg)
		}
	})

	t.Run("private upstream rejected by guard", func(t *testing.T) {
		rec := put(t, "gh", `{"upstream":"http://169.254.169.254/latest"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if msg := adminErrorMessage(t, rec); !strings.Contains(msg, "upstream rejected") {
			t.Errorf("error = %q", msg)
		}
	})

	t.Run("unknown credential kind", func(t *testing.T) {
		rec := put(t, "gh", `{"upstream":"https://x.example.com","credential":{"kind":"magic","token":"x"}}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if msg := adminErrorMessage(t, rec); !strings.Contains(msg, `unknown credential kind "magic"`) {
			t.Errorf("error = %q", msg)
		}
	})

	t.Run("header credential needs a name", func(t *testing.T) {
		rec := put(t, "gh", `{"upstream":"https://x.example.com","credential":{"kind":"header","token":"x"}}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if msg := adminErrorMessage(t, rec); !strings.Contains(msg, "needs a name") {
			t.Errorf("error = %q", msg)
		}
	})

	t.Run("unknown default action", func(t *testing.T) {
		rec := put(t, "gh", `{"upstream":"https://x.example.com","policy":{"default":"sometimes"}}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if msg := adminErrorMessage(t, rec); !strings.Contains(msg, `unknown default action "sometimes"`) {
			t.Errorf("error = %q", msg)
		}
	})

	t.Run("invalid service name", func(t *testing.T) {
		rec := put(t, "bad%20name", `{"upstream":"https://x.example.com"}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if msg := adminErrorMessage(t, rec); !strings.Contains(msg, "invalid service name") {
			t.Errorf("error = %q", msg)
		}
	})

	// Nothing above may have touched the live table.
	if def, ok := fx.table.Get("gh"); !ok || def.Upstream != "https://gh.example.com" {
		t.Fatalf("table.Get(gh) = %+v, %v; want base untouched", def, ok)
	}
}

func TestExportEndpoint(t *testing.T) {
	fx := newAdminFixture(t, guard.Policy{}, []service.Definition{baseDef("slack"), baseDef("gh")})
	token := fx.login(t)

	rec := fx.do(t, http.MethodGet, "/__admin/export", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-yaml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "clawguard-services.yaml") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	var doc struct {
		Services []service.Definition `yaml:"services"`
	}
	if err := yaml.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if len(doc.Services) != 2 {
		t.Fatalf("got %d services, want 2", len(doc.Services))
	}
	if doc.Services[0].Name != "gh" || doc.Services[1].Name != "slack" {
		t.Errorf("order = [%s %s], want [gh slack]", doc.Services[0].Name, doc.Services[1].Name)
	}
	for _, d := range doc.Services {
		if d.Credential.Token != "***" {
			t.Errorf("service %s: exported token = %q, want masked", d.Name, d.Credential.Token)
		}
	}
}
