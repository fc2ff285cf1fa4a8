package pipeline

import (
	"context"
)

// FrameSource wraps one camera's feed as a lazy, infinite, restartable
// sequence of frames. Implementations live in internal/framesource;
// tests use fakes.
type FrameSource interface {
	// Connect opens the feed. Single attempt, no backoff.
	Connect(ctx context.Context) error

	// Reconnect re-opens the feed after ErrConnectionLost, applying
	// exponential backoff (base 1s, cap 30s, full jitter) between
	// attempts. Blocks until connected, the context is canceled, or
	// the attempt budget is exhausted (then returns ErrAdapterFatal).
	Reconnect(ctx context.Context) error

	// Next yields the next frame. Blocks until a frame is available
	// or returns one of ErrFrameTimeout, ErrConnectionLost,
	// ErrCameraDisabled, or the context error.
	Next(ctx context.Context) (*Frame, error)

	// Close releases the feed.
	Close() error
}

// SourceFactory builds a FrameSource for a camera descriptor.
type SourceFactory interface {
	NewSource(cam Camera) FrameSource
}

// ModelRuntime wraps one loaded detection model. Detect must be
// side-effect-free with respect to shared state and must honor the
// context deadline; a deadline overrun is reported as ErrModelTimeout.
// Confidence in returned findings is normalized to [0,1].
type ModelRuntime interface {
	// Spec returns the descriptor the runtime was loaded from.
	Spec() ModelSpec

	Detect(ctx context.Context, frame *Frame, cam Camera) ([]Finding, error)
}

// RuntimeRegistry resolves model ids to loaded runtimes.
type RuntimeRegistry interface {
	Runtime(modelID string) (ModelRuntime, bool)
}

// CandidateSink receives violation candidates from camera workers.
// Submit must be fast and idempotent with respect to bursts; the
// deduplicator implements it.
type CandidateSink interface {
	Submit(ctx context.Context, c Candidate) error
}

// Registry is the scheduler's view of the camera/model/assignment
// registries. Reads may fail with ErrRegistryUnavailable; the
// scheduler then keeps its last-known-good roster.
type Registry interface {
	// Eligible lists cameras that are active, online, and have at
	// least one active assignment to an enabled model.
	Eligible() ([]Camera, error)

	// ActiveModelsFor returns the enabled models actively assigned to
	// a camera, in stable order.
	ActiveModelsFor(cameraID string) []ModelSpec

	// Subscribe returns a change-notification channel and a cancel
	// function. The channel receives a signal (coalesced) whenever
	// cameras, models, or assignments change.
	Subscribe() (<-chan struct{}, func())

	// SetCameraStatus records operator-visible operational status,
	// e.g. maintenance after fault-budget exhaustion. Telemetry, not
	// a pipeline decision input.
	SetCameraStatus(cameraID string, status CameraStatus, reason string) error
}

// StateListener observes worker state transitions for telemetry.
type StateListener interface {
	WorkerStateChanged(cameraID string, from, to WorkerState)
}
