package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/reachflow/libs/httpx"
	"github.com/md-rashed-zaman/reachflow/services/journey-service/internal/dids"
)

// DIDAdmin is the operator surface over the DID pool. The allocator itself never adds or
// disables numbers.
type DIDAdmin interface {
	Import(ctx context.Context, tenantID string, in []dids.DID) (int, error)
	Disable(ctx context.Context, tenantID, number string) error
	List(ctx context.Context, tenantID, trunk string) ([]dids.DID, error)
}

type DIDHandler struct {
	store  DIDAdmin
	logger *slog.Logger
}

func NewDIDHandler(store DIDAdmin, logger *slog.Logger) *DIDHandler {
	return &DIDHandler{store: store, logger: logger}
}

type didItem struct {
	ID         string `json:"id,omitempty"`
	Number     string `json:"number"`
	Segment    string `json:"segment,omitempty"`
	Trunk      string `json:"trunk"`
	Status     string `json:"status,omitempty"`
	UsageCount int64  `json:"usage_count"`
	ReservedAt string `json:"reserved_at,omitempty"`
}

const maxImportBatch = 5000

func (h *DIDHandler) Import(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := tenantFrom(r)
	if tenantID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "X-Tenant-Id header required")
		return
	}
	var req struct {
		DIDs []didItem `json:"dids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.DIDs) == 0 || len(req.DIDs) > maxImportBatch {
		httpx.WriteError(w, http.StatusBadRequest, "dids must hold between 1 and 5000 entries")
		return
	}

	in := make([]dids.DID, 0, len(req.DIDs))
	for i, d := range req.DIDs {
		number := strings.TrimSpace(d.Number)
		trunk := strings.TrimSpace(d.Trunk)
		if number == "" || trunk == "" {
			httpx.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "number and trunk are required", "index": i})
			return
		}
		in = append(in, dids.DID{Number: number, Trunk: trunk, Segment: strings.TrimSpace(d.Segment)})
	}

	n, err := h.store.Import(r.Context(), tenantID, in)
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	h.logger.Info("dids imported", "tenant_id", tenantID, "requested", len(in), "imported", n)
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"requested": len(in), "imported": n})
}

func (h *DIDHandler) Disable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := tenantFrom(r)
	if tenantID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "X-Tenant-Id header required")
		return
	}
	var req struct {
		Number string `json:"number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Number) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "number is required")
		return
	}
	if err := h.store.Disable(r.Context(), tenantID, strings.TrimSpace(req.Number)); err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DIDHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenantID := tenantFrom(r)
	if tenantID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "X-Tenant-Id header required")
		return
	}
	list, err := h.store.List(r.Context(), tenantID, strings.TrimSpace(r.URL.Query().Get("trunk")))
	if err != nil {
		writeStoreError(w, h.logger, err)
		return
	}
	resp := make([]didItem, 0, len(list))
	for _, d := range list {
		item := didItem{
			ID:         d.ID,
			Number:     d.Number,
			Segment:    d.Segment,
			Trunk:      d.Trunk,
			Status:     string(d.Status),
			UsageCount: d.UsageCount,
		}
		if d.ReservedAt != nil {
			item.ReservedAt = d.ReservedAt.UTC().Format(time.RFC3339)
		}
		resp = append(resp, item)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
