package admin

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/clawguard/clawguard/internal/domain/auth"
	"github.com/clawguard/clawguard/internal/domain/guard"
)

// Login brute-force budget per source IP.
const (
	loginAttemptsPerWindow = 5
	loginWindow            = time.Minute
)

// clientIP returns the connection peer address. X-Forwarded-For is
// deliberately ignored here: the admin allowlist must not be satisfiable
// by a spoofed header.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipAllowMiddleware rejects requests whose peer address fails the admin
// allowlist. An empty allowlist admits loopback only.
func (h *Handler) ipAllowMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !guard.IPAllowed(ip, h.ipAllowlist) {
			h.logger.Warn("admin request from disallowed address", "ip", ip, "path", r.URL.Path)
			h.respondError(w, http.StatusForbidden, "admin access not allowed from this address")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionMiddleware requires a live bearer token issued by handleLogin.
func (h *Handler) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || h.sessions == nil || !h.sessions.Validate(token) {
			h.respondError(w, http.StatusUnauthorized, "missing or expired session token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

type loginRequest struct {
	PIN string `json:"pin"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// handleLogin verifies the admin PIN and issues a session token.
// POST /__admin/login
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.pinHash == "" || h.sessions == nil {
		h.respondError(w, http.StatusServiceUnavailable, "admin PIN is not configured")
		return
	}

	var req loginRequest
	if err := h.readJSON(r, &req); err != nil || req.PIN == "" {
		h.respondError(w, http.StatusBadRequest, "pin is required")
		return
	}

	ok, err := auth.VerifyPIN(req.PIN, h.pinHash)
	if err != nil {
		h.logger.Error("PIN verification failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "PIN verification failed")
		return
	}
	if !ok {
		h.logger.Warn("admin login rejected", "ip", clientIP(r))
		h.respondError(w, http.StatusUnauthorized, "invalid PIN")
		return
	}

	sess := h.sessions.Create()
	h.logger.Info("admin login", "ip", clientIP(r))
	h.respondJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleLogout drops the caller's session.
// POST /__admin/logout
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" && h.sessions != nil {
		h.sessions.Delete(token)
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// --- login rate limiting ---

type rateLimitEntry struct {
	count   int
	resetAt time.Time
}

// loginRateLimiter counts login attempts per IP so the PIN cannot be
// brute-forced. Loopback is exempt, matching the allowlist default.
type loginRateLimiter struct {
	mu          sync.Mutex
	entries     map[string]*rateLimitEntry
	maxAttempts int
	window      time.Duration
}

func newLoginRateLimiter(maxAttempts int, window time.Duration) *loginRateLimiter {
	return &loginRateLimiter{
		entries:     make(map[string]*rateLimitEntry),
		maxAttempts: maxAttempts,
		window:      window,
	}
}

// allow reports whether ip may attempt another login, and if not, the
// seconds until the window resets.
func (rl *loginRateLimiter) allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	for k, e := range rl.entries {
		if now.After(e.resetAt) {
			delete(rl.entries, k)
		}
	}

	entry, ok := rl.entries[ip]
	if !ok || now.After(entry.resetAt) {
		rl.entries[ip] = &rateLimitEntry{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}

	if entry.count >= rl.maxAttempts {
		retryAfter := int(entry.resetAt.Sub(now).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	entry.count++
	return true, 0
}

func loginRateLimitMiddleware(maxAttempts int, window time.Duration, next http.Handler) http.Handler {
	limiter := newLoginRateLimiter(maxAttempts, window)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if parsed := net.ParseIP(ip); parsed != nil && parsed.IsLoopback() {
			next.ServeHTTP(w, r)
			return
		}

		allowed, retryAfter := limiter.allow(ip)
		if !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprint(w, `{"error":"too many login attempts"}`)
			return
		}

		next.ServeHTTP(w, r)
	})
}
