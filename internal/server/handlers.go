package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/latticeworks/propagator/pkg/inventory"
)

// HTTPError is the JSON error envelope.
type HTTPError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body HTTPError
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// entityView is the JSON shape of one inventory row.
type entityView struct {
	ID                  string             `json:"id"`
	Composition         string             `json:"composition"`
	Stage               string             `json:"stage"`
	SearchStatus        string             `json:"search_status,omitempty"`
	RefineStep          int                `json:"refine_step,omitempty"`
	RefineStatus        string             `json:"refine_status,omitempty"`
	RefineTotalSteps    int                `json:"refine_total_steps"`
	AttemptCount        int                `json:"attempt_count"`
	AbandonReason       string             `json:"abandon_reason,omitempty"`
	JobHandle           string             `json:"job_handle,omitempty"`
	JobDir              string             `json:"job_dir,omitempty"`
	BestStructurePath   string             `json:"best_structure_path,omitempty"`
	PredictedProperties map[string]float64 `json:"predicted_properties,omitempty"`
	LastObservedAt      *time.Time         `json:"last_observed_at,omitempty"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

func viewOf(rec *inventory.EntityRecord) entityView {
	v := entityView{
		ID:                  rec.ID,
		Composition:         rec.Composition,
		Stage:               string(rec.Stage),
		SearchStatus:        string(rec.SearchStatus),
		RefineStep:          rec.RefineStep,
		RefineStatus:        string(rec.RefineStatus),
		RefineTotalSteps:    rec.RefineTotalSteps,
		AttemptCount:        rec.AttemptCount,
		AbandonReason:       rec.AbandonReason,
		JobHandle:           rec.JobHandle,
		JobDir:              rec.JobDir,
		BestStructurePath:   rec.BestStructurePath,
		PredictedProperties: rec.PredictedProperties,
		UpdatedAt:           rec.UpdatedAt,
	}
	if !rec.LastObservedAt.IsZero() {
		t := rec.LastObservedAt
		v.LastObservedAt = &t
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": s.version,
	})
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}

	stageFilter := r.URL.Query().Get("stage")
	views := make([]entityView, 0, len(records))
	for i := range records {
		if stageFilter != "" && string(records[i].Stage) != stageFilter {
			continue
		}
		views = append(views, viewOf(&records[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entities": views,
		"count":    len(views),
	})
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.Get(id)
	if err != nil {
		if inventory.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no entity "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(&rec))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no transition ledger configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	id := chi.URLParam(r, "id")
	transitions, err := s.history.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LEDGER_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id":   id,
		"transitions": transitions,
	})
}

// stageSummary aggregates the inventory per stage and per active status.
type stageSummary struct {
	Total     int            `json:"total"`
	ByStage   map[string]int `json:"by_stage"`
	ByStatus  map[string]int `json:"by_status"`
	Abandoned []string       `json:"abandoned_ids,omitempty"`
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	records, err := s.store.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}

	sum := stageSummary{
		Total:    len(records),
		ByStage:  make(map[string]int),
		ByStatus: make(map[string]int),
	}
	for i := range records {
		rec := &records[i]
		sum.ByStage[string(rec.Stage)]++
		if !rec.Stage.Terminal() && rec.Stage != inventory.StageNotStarted {
			sum.ByStatus[string(rec.ActiveStatus())]++
		}
		if rec.Stage == inventory.StageAbandoned {
			sum.Abandoned = append(sum.Abandoned, rec.ID)
		}
	}
	writeJSON(w, http.StatusOK, sum)
}
