package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAuthMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	cases := []struct {
		name         string
		key          string
		acceptLegacy bool
		header       string
		value        string
		wantStatus   int
	}{
		{"canonical match", "k1", false, HeaderAgentKey, "k1", http.StatusNoContent},
		{"canonical mismatch", "k1", false, HeaderAgentKey, "k2", http.StatusUnauthorized},
		{"missing header", "k1", false, "", "", http.StatusUnauthorized},
		{"legacy accepted", "k1", true, HeaderLegacyAgentKey, "k1", http.StatusNoContent},
		{"legacy refused", "k1", false, HeaderLegacyAgentKey, "k1", http.StatusUnauthorized},
		{"empty configured key rejects empty header", "", false, HeaderAgentKey, "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := AuthMiddleware(tc.key, tc.acceptLegacy)(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/gh/user", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusUnauthorized {
				if got := rec.Body.String(); got != `{"error":"Invalid or missing X-ClawGuard-Key"}` {
					t.Errorf("body = %s", got)
				}
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seenID string
	h := RequestIDMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestIDFromContext(r.Context())
		if LoggerFromContext(r.Context()) == nil {
			t.Error("no logger in context")
		}
	}))

	t.Run("echoes provided id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "req-42")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if seenID != "req-42" {
			t.Errorf("context id = %q, want req-42", seenID)
		}
		if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
			t.Errorf("response id = %q, want req-42", got)
		}
	})

	t.Run("generates when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if seenID == "" {
			t.Fatal("no id generated")
		}
		if got := rec.Header().Get("X-Request-ID"); got != seenID {
			t.Errorf("response id = %q, context id = %q", got, seenID)
		}
	})
}

func TestExtractRealIP(t *testing.T) {
	cases := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"remote addr host", "203.0.113.9:4431", "", "", "203.0.113.9"},
		{"remote addr without port", "203.0.113.9", "", "", "203.0.113.9"},
		{"forwarded single", "10.0.0.1:80", "198.51.100.7", "", "198.51.100.7"},
		{"forwarded chain takes first", "10.0.0.1:80", "198.51.100.7, 70.1.1.1", "", "198.51.100.7"},
		{"forwarded padded", "10.0.0.1:80", "  198.51.100.7 , 70.1.1.1", "", "198.51.100.7"},
		{"real ip fallback", "10.0.0.1:80", "", "198.51.100.8", "198.51.100.8"},
		{"forwarded wins over real ip", "10.0.0.1:80", "198.51.100.7", "198.51.100.8", "198.51.100.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xri != "" {
				req.Header.Set("X-Real-IP", tc.xri)
			}
			if got := extractRealIP(req); got != tc.want {
				t.Errorf("extractRealIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRealIPMiddlewareStoresContextValue(t *testing.T) {
	var got string
	h := RealIPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = AgentIPFromContext(r.Context(), r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "198.51.100.7" {
		t.Errorf("agent ip = %q, want 198.51.100.7", got)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	t.Run("panic becomes 500", func(t *testing.T) {
		h := RecoverMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
		if got := rec.Body.String(); got != `{"error":"Internal gateway error: boom"}` {
			t.Errorf("body = %s", got)
		}
	})

	t.Run("abort handler passes through", func(t *testing.T) {
		h := RecoverMiddleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		defer func() {
			if rec := recover(); rec != http.ErrAbortHandler {
				t.Errorf("recovered %v, want ErrAbortHandler to propagate", rec)
			}
		}()
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}
