package registry

import (
	"context"
	"fmt"
	"time"

	"sitewatch/internal/pipeline"
)

// Write-through mutators for the management surface. Each persists,
// reloads the cache, and wakes roster subscribers.

// SaveCamera creates or updates a camera.
func (r *Registry) SaveCamera(ctx context.Context, cam pipeline.Camera) error {
	if cam.ID == "" {
		return fmt.Errorf("camera id cannot be empty")
	}
	if cam.FeedURL == "" {
		return fmt.Errorf("camera feed url cannot be empty")
	}
	if cam.Status == "" {
		cam.Status = pipeline.CameraOffline
	}
	if err := r.db.SaveCamera(ctx, &cam); err != nil {
		return err
	}
	return r.reload(ctx)
}

// SetCameraActive flips a camera's active flag. Re-activating also
// clears a maintenance status so the scheduler picks the camera up
// again.
func (r *Registry) SetCameraActive(ctx context.Context, cameraID string, active bool) error {
	if err := r.db.SetCameraActive(ctx, cameraID, active); err != nil {
		return err
	}
	if active {
		r.mu.RLock()
		cam, ok := r.cameras[cameraID]
		r.mu.RUnlock()
		if ok && cam.Status == pipeline.CameraMaintenance {
			if err := r.db.UpdateCameraStatus(ctx, cameraID, pipeline.CameraOffline); err != nil {
				return err
			}
		}
	}
	return r.reload(ctx)
}

// DeleteCamera removes a camera and its assignments.
func (r *Registry) DeleteCamera(ctx context.Context, cameraID string) error {
	if err := r.db.DeleteCamera(ctx, cameraID); err != nil {
		return err
	}
	return r.reload(ctx)
}

// SaveModel creates or updates a model descriptor.
func (r *Registry) SaveModel(ctx context.Context, m pipeline.ModelSpec) error {
	if m.ID == "" {
		return fmt.Errorf("model id cannot be empty")
	}
	if m.Threshold < 0 || m.Threshold > 1 {
		return fmt.Errorf("model threshold must be in [0,1], got %v", m.Threshold)
	}
	if err := r.db.SaveModel(ctx, &m); err != nil {
		return err
	}
	return r.reload(ctx)
}

// SetModelEnabled flips a model's enabled flag.
func (r *Registry) SetModelEnabled(ctx context.Context, modelID string, enabled bool) error {
	if err := r.db.SetModelEnabled(ctx, modelID, enabled); err != nil {
		return err
	}
	return r.reload(ctx)
}

// Assign links a camera to a model. Activating stamps last_activated.
func (r *Registry) Assign(ctx context.Context, cameraID, modelID string, active bool) error {
	r.mu.RLock()
	_, camOK := r.cameras[cameraID]
	_, modelOK := r.models[modelID]
	r.mu.RUnlock()
	if !camOK {
		return fmt.Errorf("unknown camera %q", cameraID)
	}
	if !modelOK {
		return fmt.Errorf("unknown model %q", modelID)
	}

	a := pipeline.Assignment{
		CameraID: cameraID,
		ModelID:  modelID,
		Active:   active,
	}
	if active {
		a.LastActivated = time.Now().UTC()
	}
	if err := r.db.SaveAssignment(ctx, &a); err != nil {
		return err
	}
	return r.reload(ctx)
}

// Unassign removes a camera-model link.
func (r *Registry) Unassign(ctx context.Context, cameraID, modelID string) error {
	if err := r.db.DeleteAssignment(ctx, cameraID, modelID); err != nil {
		return err
	}
	return r.reload(ctx)
}

func (r *Registry) reload(ctx context.Context) error {
	if err := r.Load(ctx); err != nil {
		return err
	}
	r.notify()
	return nil
}
