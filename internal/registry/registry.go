// Package registry layers an in-memory, change-notifying roster over
// the persisted camera, model and assignment tables. The scheduler
// reads the roster; the management surface mutates through it.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"sitewatch/internal/database"
	"sitewatch/internal/logging"
	"sitewatch/internal/pipeline"
)

// Registry caches the three tables and serves the scheduler's roster
// reads without touching SQLite on the hot path. Implements
// pipeline.Registry.
type Registry struct {
	db  *database.Database
	log zerolog.Logger

	mu          sync.RWMutex
	loaded      bool
	stale       bool
	cameras     map[string]pipeline.Camera
	models      map[string]pipeline.ModelSpec
	assignments []pipeline.Assignment

	subMu sync.Mutex
	subs  map[int]chan struct{}
	nextS int
}

// New builds a registry. Call Load before handing it to the scheduler.
func New(db *database.Database) *Registry {
	return &Registry{
		db:   db,
		log:  logging.Component("registry"),
		subs: make(map[int]chan struct{}),
	}
}

// Load refreshes the cache from the database. On failure the previous
// cache is kept but marked stale, and roster reads report
// ErrRegistryUnavailable until the next successful Load.
func (r *Registry) Load(ctx context.Context) error {
	cameras, err := r.db.ListCameras(ctx)
	if err != nil {
		return r.failLoad(err)
	}
	models, err := r.db.ListModels(ctx)
	if err != nil {
		return r.failLoad(err)
	}
	assignments, err := r.db.ListAssignments(ctx)
	if err != nil {
		return r.failLoad(err)
	}

	camIndex := make(map[string]pipeline.Camera, len(cameras))
	for _, c := range cameras {
		camIndex[c.ID] = c
	}
	modelIndex := make(map[string]pipeline.ModelSpec, len(models))
	for _, m := range models {
		modelIndex[m.ID] = m
	}

	r.mu.Lock()
	r.cameras = camIndex
	r.models = modelIndex
	r.assignments = assignments
	r.loaded = true
	r.stale = false
	r.mu.Unlock()

	r.log.Debug().
		Int("cameras", len(cameras)).
		Int("models", len(models)).
		Int("assignments", len(assignments)).
		Msg("registry cache loaded")
	return nil
}

func (r *Registry) failLoad(err error) error {
	r.mu.Lock()
	r.stale = true
	r.mu.Unlock()
	r.log.Error().Err(err).Msg("registry load failed, cache marked stale")
	return fmt.Errorf("%w: %v", pipeline.ErrRegistryUnavailable, err)
}

// Eligible implements pipeline.Registry: active cameras, not parked in
// maintenance, with at least one active assignment to an enabled model.
func (r *Registry) Eligible() ([]pipeline.Camera, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.loaded || r.stale {
		return nil, pipeline.ErrRegistryUnavailable
	}

	assigned := make(map[string]bool)
	for _, a := range r.assignments {
		if !a.Active {
			continue
		}
		if m, ok := r.models[a.ModelID]; ok && m.Enabled {
			assigned[a.CameraID] = true
		}
	}

	var eligible []pipeline.Camera
	for _, cam := range r.cameras {
		if cam.Active && cam.Status != pipeline.CameraMaintenance && assigned[cam.ID] {
			eligible = append(eligible, cam)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	return eligible, nil
}

// ActiveModelsFor implements pipeline.Registry. Order is stable across
// calls: sorted by model id.
func (r *Registry) ActiveModelsFor(cameraID string) []pipeline.ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var specs []pipeline.ModelSpec
	for _, a := range r.assignments {
		if a.CameraID != cameraID || !a.Active {
			continue
		}
		if m, ok := r.models[a.ModelID]; ok && m.Enabled {
			specs = append(specs, m)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// Subscribe implements pipeline.Registry. Notifications are coalesced:
// the channel has capacity one and a pending signal absorbs new ones.
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	id := r.nextS
	r.nextS++
	ch := make(chan struct{}, 1)
	r.subs[id] = ch

	cancel := func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
	return ch, cancel
}

func (r *Registry) notify() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SetCameraStatus implements pipeline.Registry.
func (r *Registry) SetCameraStatus(cameraID string, status pipeline.CameraStatus, reason string) error {
	if err := r.db.UpdateCameraStatus(context.Background(), cameraID, status); err != nil {
		return err
	}

	r.mu.Lock()
	if cam, ok := r.cameras[cameraID]; ok {
		cam.Status = status
		r.cameras[cameraID] = cam
	}
	r.mu.Unlock()

	r.log.Info().
		Str("camera_id", cameraID).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("camera status changed")
	r.notify()
	return nil
}

var _ pipeline.Registry = (*Registry)(nil)
