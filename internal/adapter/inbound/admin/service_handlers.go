package admin

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/clawguard/clawguard/internal/domain/service"
	"gopkg.in/yaml.v3"
)

// handleListServices returns the live routing table with secrets masked.
// GET /__admin/services
func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	defs := h.table.Snapshot().Definitions()
	out := make([]service.Definition, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Masked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	h.respondJSON(w, http.StatusOK, out)
}

// overrideResponse is one admin-written definition with row metadata.
// The embedded definition is masked.
type overrideResponse struct {
	Service    string             `json:"service"`
	Definition service.Definition `json:"definition"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// handleListOverrides returns every stored override.
// GET /__admin/overrides
func (h *Handler) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	rows, err := h.overrides.List(r.Context())
	if err != nil {
		h.logger.Error("override list failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list overrides")
		return
	}

	out := make([]overrideResponse, 0, len(rows))
	for _, row := range rows {
		var def service.Definition
		if err := json.Unmarshal([]byte(row.ConfigJSON), &def); err != nil {
			h.logger.Warn("skipping unreadable override row", "service", row.ServiceName, "error", err)
			continue
		}
		out = append(out, overrideResponse{
			Service:    row.ServiceName,
			Definition: def.Masked(),
			CreatedAt:  row.CreatedAt,
			UpdatedAt:  row.UpdatedAt,
		})
	}
	h.respondJSON(w, http.StatusOK, out)
}

// handleGetOverride returns a single override.
// GET /__admin/overrides/{service}
func (h *Handler) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	name := h.pathParam(r, "service")
	row, err := h.store.GetOverride(r.Context(), name)
	if err != nil {
		h.logger.Error("override read failed", "service", name, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to read override")
		return
	}
	if row == nil {
		h.respondError(w, http.StatusNotFound, "no override for service "+name)
		return
	}

	var def service.Definition
	if err := json.Unmarshal([]byte(row.ConfigJSON), &def); err != nil {
		h.respondError(w, http.StatusInternalServerError, "stored override is unreadable")
		return
	}
	h.respondJSON(w, http.StatusOK, overrideResponse{
		Service:    row.ServiceName,
		Definition: def.Masked(),
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	})
}

// handleUpsertOverride validates and installs an override, then swaps the
// live table.
// PUT /__admin/overrides/{service}
func (h *Handler) handleUpsertOverride(w http.ResponseWriter, r *http.Request) {
	name := h.pathParam(r, "service")

	var def service.Definition
	if err := h.readJSON(r, &def); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if def.Name == "" {
		def.Name = name
	}
	if def.Name != name {
		h.respondError(w, http.StatusBadRequest, "definition name does not match URL")
		return
	}

	if err := h.overrides.Upsert(r.Context(), def); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("override installed", "service", name, "ip", clientIP(r))
	h.respondJSON(w, http.StatusOK, def.Masked())
}

// handleDeleteOverride removes an override and swaps the live table.
// DELETE /__admin/overrides/{service}
func (h *Handler) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	name := h.pathParam(r, "service")

	found, err := h.overrides.Delete(r.Context(), name)
	if err != nil {
		h.logger.Error("override delete failed", "service", name, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to delete override")
		return
	}
	if !found {
		h.respondError(w, http.StatusNotFound, "no override for service "+name)
		return
	}

	h.logger.Info("override removed", "service", name, "ip", clientIP(r))
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "service": name})
}

// exportDocument is the YAML shape written by handleExport. It matches
// the services block of the config file so an export can seed a new
// deployment.
type exportDocument struct {
	Services []service.Definition `yaml:"services"`
}

// handleExport renders the live table as YAML with secrets masked.
// GET /__admin/export
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	defs := h.table.Snapshot().Definitions()
	doc := exportDocument{Services: make([]service.Definition, 0, len(defs))}
	for _, d := range defs {
		doc.Services = append(doc.Services, d.Masked())
	}
	sort.Slice(doc.Services, func(i, j int) bool { return doc.Services[i].Name < doc.Services[j].Name })

	out, err := yaml.Marshal(doc)
	if err != nil {
		h.logger.Error("export marshal failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to render export")
		return
	}

	w.Header().Set("Content-Type", "application/x-yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="clawguard-services.yaml"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
