package events

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"sitewatch/internal/database"
	"sitewatch/internal/dedup"
	"sitewatch/internal/pipeline"
	"sitewatch/internal/registry"
)

// PipelineStatus is the scheduler surface the API reports on.
type PipelineStatus interface {
	RunningCount() int
	QueuedCount() int
	WorkerState(cameraID string) pipeline.WorkerState
}

// api implements the management and query endpoints.
type api struct {
	db       *database.Database
	registry *registry.Registry
	dedup    *dedup.Deduplicator
	status   PipelineStatus
}

func (a *api) routes(r chi.Router) {
	r.Get("/api/status", a.getStatus)

	r.Route("/api/incidents", func(r chi.Router) {
		r.Get("/", a.listIncidents)
		r.Get("/{id}", a.getIncident)
		r.Post("/{id}/status", a.setIncidentStatus)
	})

	r.Route("/api/cameras", func(r chi.Router) {
		r.Get("/", a.listCameras)
		r.Post("/", a.saveCamera)
		r.Post("/{id}/active", a.setCameraActive)
		r.Delete("/{id}", a.deleteCamera)
	})

	r.Route("/api/models", func(r chi.Router) {
		r.Get("/", a.listModels)
		r.Post("/", a.saveModel)
		r.Post("/{id}/enabled", a.setModelEnabled)
	})

	r.Post("/api/assignments", a.assign)
	r.Delete("/api/assignments/{camera_id}/{model_id}", a.unassign)
}

func (a *api) getStatus(w http.ResponseWriter, r *http.Request) {
	cameras, err := a.db.ListCameras(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	workers := make(map[string]string)
	for _, cam := range cameras {
		workers[cam.ID] = string(a.status.WorkerState(cam.ID))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": a.status.RunningCount(),
		"queued":  a.status.QueuedCount(),
		"workers": workers,
	})
}

func (a *api) listIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := database.IncidentFilter{
		CameraID: q.Get("camera_id"),
		Type:     pipeline.ViolationType(q.Get("type")),
		Severity: pipeline.Severity(q.Get("severity")),
		Status:   dedup.IncidentStatus(q.Get("status")),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.Since = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	incidents, err := a.db.ListIncidents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if incidents == nil {
		incidents = []*dedup.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (a *api) getIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := a.db.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if inc == nil {
		http.Error(w, "incident not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (a *api) setIncidentStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status       dedup.IncidentStatus `json:"status"`
		Investigator string               `json:"investigator"`
		Notes        string               `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch req.Status {
	case dedup.StatusNew, dedup.StatusInvestigating, dedup.StatusResolved, dedup.StatusFalsePositive:
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	if err := a.db.SetIncidentStatus(r.Context(), id, req.Status, req.Investigator, req.Notes); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Closing an incident frees its (camera, type) slot so the next
	// candidate opens a fresh one.
	if !req.Status.IsOpen() {
		a.dedup.Evict(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listCameras(w http.ResponseWriter, r *http.Request) {
	cameras, err := a.db.ListCameras(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if cameras == nil {
		cameras = []pipeline.Camera{}
	}
	writeJSON(w, http.StatusOK, cameras)
}

func (a *api) saveCamera(w http.ResponseWriter, r *http.Request) {
	var cam pipeline.Camera
	if err := json.NewDecoder(r.Body).Decode(&cam); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.registry.SaveCamera(r.Context(), cam); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, cam)
}

func (a *api) setCameraActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.registry.SetCameraActive(r.Context(), chi.URLParam(r, "id"), req.Active); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) deleteCamera(w http.ResponseWriter, r *http.Request) {
	if err := a.registry.DeleteCamera(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := a.db.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if models == nil {
		models = []pipeline.ModelSpec{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (a *api) saveModel(w http.ResponseWriter, r *http.Request) {
	var m pipeline.ModelSpec
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.registry.SaveModel(r.Context(), m); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *api) setModelEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.registry.SetModelEnabled(r.Context(), chi.URLParam(r, "id"), req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) assign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CameraID string `json:"camera_id"`
		ModelID  string `json:"model_id"`
		Active   bool   `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.registry.Assign(r.Context(), req.CameraID, req.ModelID, req.Active); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) unassign(w http.ResponseWriter, r *http.Request) {
	if err := a.registry.Unassign(r.Context(), chi.URLParam(r, "camera_id"), chi.URLParam(r, "model_id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
