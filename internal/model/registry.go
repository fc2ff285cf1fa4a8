package model

import (
	"fmt"
	"net/http"
	"sync"

	"sitewatch/internal/logging"
	"sitewatch/internal/pipeline"
)

// Registry holds the loaded model runtimes, keyed by model id.
// Implements pipeline.RuntimeRegistry.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]pipeline.ModelRuntime
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]pipeline.ModelRuntime)}
}

// Register adds a runtime. Duplicate ids are an error.
func (r *Registry) Register(rt pipeline.ModelRuntime) error {
	if rt == nil {
		return fmt.Errorf("runtime cannot be nil")
	}
	id := rt.Spec().ID
	if id == "" {
		return fmt.Errorf("runtime model id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runtimes[id]; exists {
		return fmt.Errorf("model %q already registered", id)
	}
	r.runtimes[id] = rt
	return nil
}

// Runtime implements pipeline.RuntimeRegistry.
func (r *Registry) Runtime(modelID string) (pipeline.ModelRuntime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[modelID]
	return rt, ok
}

// Unregister removes a runtime, e.g. when a model is disabled.
func (r *Registry) Unregister(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runtimes, modelID)
}

// IDs returns the ids of all loaded runtimes.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runtimes))
	for id := range r.runtimes {
		ids = append(ids, id)
	}
	return ids
}

// Sync reconciles the registry against the current model table:
// registers runtimes for newly enabled models, rebuilds runtimes whose
// descriptor changed, and unloads models that were disabled or removed.
func (r *Registry) Sync(specs []pipeline.ModelSpec, client *http.Client) {
	log := logging.Component("model")

	desired := make(map[string]pipeline.ModelSpec, len(specs))
	for _, spec := range specs {
		if !spec.Enabled || spec.Endpoint == "" || spec.ID == "" {
			continue
		}
		desired[spec.ID] = spec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rt := range r.runtimes {
		spec, ok := desired[id]
		if !ok {
			delete(r.runtimes, id)
			log.Info().Str("model_id", id).Msg("model runtime unloaded")
			continue
		}
		if rt.Spec() != spec {
			r.runtimes[id] = NewHTTPRuntime(spec, client)
			log.Info().Str("model_id", id).Str("endpoint", spec.Endpoint).Msg("model runtime reloaded")
		}
		delete(desired, id)
	}
	for id, spec := range desired {
		r.runtimes[id] = NewHTTPRuntime(spec, client)
		log.Info().Str("model_id", id).Str("type", string(spec.Type)).
			Str("endpoint", spec.Endpoint).Msg("model runtime loaded")
	}
}

// LoadAll builds HTTP runtimes for every enabled model descriptor and
// registers them. Disabled models are skipped; a model without an
// endpoint is logged and skipped rather than failing startup.
func LoadAll(specs []pipeline.ModelSpec, client *http.Client) *Registry {
	log := logging.Component("model")
	reg := NewRegistry()
	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		if spec.Endpoint == "" {
			log.Warn().Str("model_id", spec.ID).Msg("model has no sidecar endpoint, skipping")
			continue
		}
		if err := reg.Register(NewHTTPRuntime(spec, client)); err != nil {
			log.Warn().Err(err).Str("model_id", spec.ID).Msg("model registration failed")
			continue
		}
		log.Info().Str("model_id", spec.ID).Str("type", string(spec.Type)).
			Str("endpoint", spec.Endpoint).Msg("model runtime loaded")
	}
	return reg
}

var _ pipeline.RuntimeRegistry = (*Registry)(nil)
