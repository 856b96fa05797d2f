package gateway

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/clawguard/clawguard/internal/domain/approval"
	"github.com/clawguard/clawguard/internal/domain/audit"
	"github.com/clawguard/clawguard/internal/domain/service"
	"github.com/clawguard/clawguard/internal/port/outbound"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// introspection serves the agent-authenticated read-only endpoints under
// the reserved double-underscore prefix.
type introspection struct {
	table     *service.Table
	approvals *approval.Coordinator
	store     outbound.Store
	version   string
}

// grantView is the per-service grant summary exposed by /__status.
type grantView struct {
	ExpiresAt        string `json:"expiresAt"`
	ApprovedBy       string `json:"approvedBy"`
	RemainingMinutes int    `json:"remainingMinutes"`
}

type statusResponse struct {
	Status    string               `json:"status"`
	Version   string               `json:"version"`
	Services  []string             `json:"services"`
	Approvals map[string]grantView `json:"approvals"`
}

func (i *introspection) status(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	names := i.table.Names()
	sort.Strings(names)
	if names == nil {
		names = []string{}
	}

	grants := i.approvals.Grants()
	approvals := make(map[string]grantView, len(grants))
	for svc, g := range grants {
		approvals[svc] = grantView{
			ExpiresAt:        g.ExpiresAt.UTC().Format(time.RFC3339),
			ApprovedBy:       g.ApprovedBy,
			RemainingMinutes: int(g.Remaining(now).Minutes()),
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "ok",
		Version:   i.version,
		Services:  names,
		Approvals: approvals,
	})
}

func (i *introspection) recent(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	records, err := i.store.RecentRequests(r.Context(), limit)
	if err != nil {
		LoggerFromContext(r.Context()).Error("audit query failed", "error", err)
		writeInternalError(w, "audit query failed")
		return
	}
	if records == nil {
		records = []audit.RequestRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
