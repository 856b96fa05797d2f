package admin

import (
	"net/http"
	"time"
)

// grantResponse is one live grant in admin views.
type grantResponse struct {
	Service          string `json:"service"`
	ApprovedBy       string `json:"approved_by"`
	GrantedAt        string `json:"granted_at"`
	ExpiresAt        string `json:"expires_at"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// pendingResponse is one request currently awaiting a human decision.
type pendingResponse struct {
	ID        string `json:"id"`
	Service   string `json:"service"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	AgentIP   string `json:"agent_ip"`
	CreatedAt string `json:"created_at"`
}

type approvalsResponse struct {
	Grants  []grantResponse   `json:"grants"`
	Pending []pendingResponse `json:"pending"`
}

// handleListApprovals returns live grants and waiting prompts.
// GET /__admin/approvals
func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	grants := h.approvals.Grants()
	resp := approvalsResponse{
		Grants:  make([]grantResponse, 0, len(grants)),
		Pending: []pendingResponse{},
	}
	for svc, g := range grants {
		resp.Grants = append(resp.Grants, grantResponse{
			Service:          svc,
			ApprovedBy:       g.ApprovedBy,
			GrantedAt:        g.GrantedAt.UTC().Format(time.RFC3339),
			ExpiresAt:        g.ExpiresAt.UTC().Format(time.RFC3339),
			RemainingSeconds: int(g.Remaining(now).Seconds()),
		})
	}

	for _, p := range h.approvals.Pending() {
		resp.Pending = append(resp.Pending, pendingResponse{
			ID:        p.ID,
			Service:   p.Service,
			Method:    p.Method,
			Path:      p.Path,
			AgentIP:   p.AgentIP,
			CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	h.respondJSON(w, http.StatusOK, resp)
}

type revokeRequest struct {
	Service string `json:"service"`
}

// handleRevoke drops the live grant for one service.
// POST /__admin/approvals/revoke
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := h.readJSON(r, &req); err != nil || req.Service == "" {
		h.respondError(w, http.StatusBadRequest, "service is required")
		return
	}

	found, err := h.approvals.Revoke(r.Context(), req.Service)
	if err != nil {
		h.logger.Error("revocation failed", "service", req.Service, "error", err)
		h.respondError(w, http.StatusInternalServerError, "revocation failed")
		return
	}
	if !found {
		h.respondError(w, http.StatusNotFound, "no live grant for service "+req.Service)
		return
	}

	h.logger.Info("grant revoked", "service", req.Service, "ip", clientIP(r))
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "revoked", "service": req.Service})
}

// handleRevokeAll drops every live grant.
// POST /__admin/approvals/revoke_all
func (h *Handler) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	count, err := h.approvals.RevokeAll(r.Context())
	if err != nil {
		h.logger.Error("bulk revocation failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "revocation failed")
		return
	}

	h.logger.Info("all grants revoked", "count", count, "ip", clientIP(r))
	h.respondJSON(w, http.StatusOK, map[string]int{"revoked": count})
}
