package pipeline

import (
	"errors"
)

// Frame source signals. Adapters return these (possibly wrapped) from
// Connect/Next so workers can tell a recoverable stall from a dead feed.
var (
	// ErrFrameTimeout means the source produced no frame within its
	// read deadline. Recoverable; the worker keeps pulling.
	ErrFrameTimeout = errors.New("frame source: timeout waiting for frame")

	// ErrConnectionLost means the transport dropped. Recoverable via
	// Reconnect with backoff.
	ErrConnectionLost = errors.New("frame source: connection lost")

	// ErrCameraDisabled means the camera was disabled at the source.
	// The worker drains and stops; the scheduler decides what's next.
	ErrCameraDisabled = errors.New("frame source: camera disabled")

	// ErrAdapterFatal means the reconnect retry budget is exhausted.
	// The worker faults and the supervisor takes over.
	ErrAdapterFatal = errors.New("frame source: retry budget exhausted")
)

// Model runtime signals. Both are contained within the worker: the
// affected model contributes no findings for that frame and the loop
// continues.
var (
	// ErrModelTimeout means an invocation exceeded its inference
	// deadline. Never retried for the same frame.
	ErrModelTimeout = errors.New("model runtime: inference deadline exceeded")
)

// ErrRegistryUnavailable means the camera/model registry could not be
// read. The scheduler holds its last-known-good roster and retries;
// running workers are not stopped.
var ErrRegistryUnavailable = errors.New("registry unavailable")
