package api

import (
	"encoding/json"
	"net/http"

	"github.com/packhouse/stockline/migration"
	"github.com/packhouse/stockline/store/sqlite"
)

// Handler serves the read-only status endpoints for one run.
type Handler struct {
	orch    *migration.Orchestrator
	mc      *migration.Context
	metrics *Metrics
}

// NewHandler builds the handler and registers the metric set.
func NewHandler(orch *migration.Orchestrator, mc *migration.Context) *Handler {
	return &Handler{
		orch:    orch,
		mc:      mc,
		metrics: NewMetrics(orch),
	}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Run          string `json:"run"`
	State        string `json:"state"`
	Scanned      int64  `json:"scanned"`
	Migrated     int64  `json:"migrated"`
	Skipped      int64  `json:"skipped"`
	LotsCreated  int64  `json:"lots_created"`
	ChecksPassed int64  `json:"checks_passed"`
}

// GetStatus reports the phase state and rebuild counters.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.orch.Stats()
	writeJSON(w, StatusResponse{
		Run:          h.mc.RunID,
		State:        h.orch.State().String(),
		Scanned:      stats.Scanned.Load(),
		Migrated:     stats.Migrated.Load(),
		Skipped:      stats.Skipped.Load(),
		LotsCreated:  stats.LotsCreated.Load(),
		ChecksPassed: h.orch.ChecksPassed(),
	})
}

// RunLogResponse is the body of GET /api/runlog.
type RunLogResponse struct {
	Lines []string `json:"lines"`
}

// GetRunLog returns the recent run-log tail.
func (h *Handler) GetRunLog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, RunLogResponse{Lines: h.mc.Log.Tail()})
}

// CatalogResponse is the body of GET /api/catalog.
type CatalogResponse struct {
	Products int64 `json:"products"`
	Lots     int64 `json:"lots"`
}

// GetCatalog reports the catalog row counts. Before prework the tables do
// not exist yet; both counts are zero then.
func (h *Handler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := CatalogResponse{}

	db := h.mc.DB()
	if db == nil {
		// Mid-restore the live handle is briefly closed.
		writeJSON(w, resp)
		return
	}
	for _, t := range []struct {
		name string
		dst  *int64
	}{
		{"products", &resp.Products},
		{"lots", &resp.Lots},
	} {
		exists, err := sqlite.TableExists(ctx, db, t.name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !exists {
			continue
		}
		if *t.dst, err = sqlite.CountRows(ctx, db, t.name); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
