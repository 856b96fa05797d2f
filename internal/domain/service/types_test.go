package service

import (
	"encoding/json"
	"testing"
)

func TestRuleMatches(t *testing.T) {
	cases := []struct {
		name   string
		rule   Rule
		method string
		path   string
		want   bool
	}{
		{"empty rule matches all", Rule{Action: ActionAutoApprove}, "GET", "/x", true},
		{"method match case-insensitive", Rule{Method: "get"}, "GET", "/x", true},
		{"method mismatch", Rule{Method: "POST"}, "GET", "/x", false},
		{"path prefix match", Rule{PathPrefix: "/user"}, "GET", "/user/repos", true},
		{"path prefix exact", Rule{PathPrefix: "/user"}, "GET", "/user", true},
		{"path prefix mismatch", Rule{PathPrefix: "/user"}, "GET", "/repos", false},
		{"both predicates", Rule{Method: "GET", PathPrefix: "/user"}, "GET", "/user/x", true},
		{"both predicates method fails", Rule{Method: "POST", PathPrefix: "/user"}, "GET", "/user/x", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rule.Matches(tc.method, tc.path); got != tc.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tc.method, tc.path, got, tc.want)
			}
		})
	}
}

func TestParseBase(t *testing.T) {
	d := Definition{Name: "gh", Upstream: "https://api.github.com/"}
	u, err := d.ParseBase()
	if err != nil {
		t.Fatalf("ParseBase: %v", err)
	}
	if u.String() != "https://api.github.com" {
		t.Errorf("base = %q, want trailing slash trimmed", u.String())
	}

	if _, err := (Definition{Name: "x"}).ParseBase(); err == nil {
		t.Error("ParseBase with empty upstream = nil, want error")
	}
	if _, err := (Definition{Name: "x", Upstream: "/relative/only"}).ParseBase(); err == nil {
		t.Error("ParseBase with hostless upstream = nil, want error")
	}
}

func TestInterceptsHost(t *testing.T) {
	d := Definition{Name: "gh", InterceptHosts: []string{"api.github.com", "Uploads.GitHub.com"}}

	if !d.InterceptsHost("api.github.com") {
		t.Error("exact intercept host missed")
	}
	if !d.InterceptsHost("uploads.github.com") {
		t.Error("intercept host match should be case-insensitive")
	}
	if d.InterceptsHost("github.com") {
		t.Error("unlisted host matched")
	}
}

func TestMaskedRoundTrip(t *testing.T) {
	d := Definition{
		Name:     "gh",
		Upstream: "https://api.github.com",
		Credential: Credential{
			Kind:  CredentialBearer,
			Token: "ghp_secret",
		},
		Policy: Policy{Default: ActionRequireApproval, Rules: []Rule{{Method: "GET", Action: ActionAutoApprove}}},
	}

	m := d.Masked()
	if m.Credential.Token != "***" {
		t.Errorf("masked token = %q, want \"***\"", m.Credential.Token)
	}
	if d.Credential.Token != "ghp_secret" {
		t.Error("Masked mutated the original definition")
	}

	// Everything except the token survives a JSON round trip.
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Definition
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Name != d.Name || back.Upstream != d.Upstream {
		t.Errorf("round trip lost identity: %+v", back)
	}
	if len(back.Policy.Rules) != 1 || back.Policy.Rules[0].Action != ActionAutoApprove {
		t.Errorf("round trip lost policy: %+v", back.Policy)
	}
	if back.Credential.Token != "ghp_secret" {
		t.Errorf("round trip lost token: %q", back.Credential.Token)
	}
}

func TestResolveToken(t *testing.T) {
	tok, err := Credential{Kind: CredentialBearer, Token: "abc"}.ResolveToken()
	if err != nil || tok != "abc" {
		t.Errorf("literal token = %q, %v", tok, err)
	}

	t.Setenv("CLAWGUARD_TEST_TOKEN", "from-env")
	tok, err = Credential{Kind: CredentialHeader, Name: "X-Api-Key", TokenEnv: "CLAWGUARD_TEST_TOKEN"}.ResolveToken()
	if err != nil || tok != "from-env" {
		t.Errorf("env token = %q, %v", tok, err)
	}

	if _, err := (Credential{Kind: CredentialBearer, TokenEnv: "CLAWGUARD_TEST_UNSET"}).ResolveToken(); err == nil {
		t.Error("unset env var should error")
	}
	if _, err := (Credential{Kind: CredentialBearer}).ResolveToken(); err == nil {
		t.Error("bearer with no token should error")
	}
}

func TestNormalizeFillsDefaultPolicy(t *testing.T) {
	d := Definition{Name: "gh", Upstream: "https://api.github.com"}
	d.Normalize()
	if d.Policy.Default != ActionRequireApproval {
		t.Errorf("normalized default = %q, want require_approval", d.Policy.Default)
	}
}

func TestValidName(t *testing.T) {
	valid := []string{"gh", "billing", "my-svc", "svc_2", "a", "s3"}
	for _, name := range valid {
		if !ValidName(name) {
			t.Errorf("ValidName(%q) = false, want true", name)
		}
	}

	invalid := []string{"", "GH", "__status", "_x", "-x", "has space", "dots.not.ok", "x/y", string(make([]byte, 65))}
	for _, name := range invalid {
		if ValidName(name) {
			t.Errorf("ValidName(%q) = true, want false", name)
		}
	}
}
