package pipeline

import (
	"time"
)

// ViolationType tags the kind of safety violation a model detects.
// The set is extensible: unknown tags are carried through unchanged and
// treated like ViolationGeneric by the severity policy.
type ViolationType string

const (
	ViolationPPE            ViolationType = "ppe"
	ViolationFall           ViolationType = "fall"
	ViolationFireSmoke      ViolationType = "fire_smoke"
	ViolationRestrictedArea ViolationType = "restricted_area"
	ViolationGeneric        ViolationType = "generic"
)

// Severity of a violation incident, derived from type and confidence.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for escalation comparison. Higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// CameraStatus is the operational status of a camera as surfaced to
// operators. The pipeline only writes it on stop/restart decisions.
type CameraStatus string

const (
	CameraOnline      CameraStatus = "online"
	CameraOffline     CameraStatus = "offline"
	CameraMaintenance CameraStatus = "maintenance"
)

// Camera is the read-only descriptor the scheduler caches from the
// camera registry.
type Camera struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Location string       `json:"location"`
	FeedURL  string       `json:"feed_url"` // connection endpoint
	FPS      int          `json:"fps"`      // declared source frame rate
	Active   bool         `json:"active"`
	Status   CameraStatus `json:"status"`
}

// ModelSpec describes one loaded detection model.
type ModelSpec struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      ViolationType `json:"type"`
	Version   string        `json:"version"`
	Endpoint  string        `json:"endpoint"`  // inference sidecar endpoint
	Threshold float32       `json:"threshold"` // hard confidence gate in [0,1]
	Deadline  time.Duration `json:"deadline"`  // inference deadline, 0 = pipeline default
	Enabled   bool          `json:"enabled"`
}

// Assignment links a camera to a model. Many-to-many; mutated by the
// external management surface, observed here.
type Assignment struct {
	CameraID      string    `json:"camera_id"`
	ModelID       string    `json:"model_id"`
	Active        bool      `json:"active"`
	LastActivated time.Time `json:"last_activated"`
}

// Frame is one captured image from a camera feed. Ephemeral: its
// lifetime is one pass through the camera's assigned models.
type Frame struct {
	CameraID  string
	Seq       uint64 // strictly increasing per camera
	Timestamp time.Time
	Data      []byte // opaque JPEG payload
}

// BBox locates a finding within a frame, pixel coordinates.
type BBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

// Finding is a candidate detection from one model for one frame,
// before the threshold gate. Confidence is always normalized to [0,1];
// runtimes convert at the boundary.
type Finding struct {
	Type       ViolationType `json:"type"`
	Confidence float32       `json:"confidence"`
	BBox       *BBox         `json:"bbox,omitempty"`
	ModelID    string        `json:"model_id"`
}

// Candidate is a Finding that passed its model's threshold, bound to
// its source frame. Candidates are what workers hand to the
// deduplicator.
type Candidate struct {
	CameraID   string        `json:"camera_id"`
	Location   string        `json:"location"`
	Type       ViolationType `json:"type"`
	Confidence float32       `json:"confidence"` // [0,1]
	ModelID    string        `json:"model_id"`
	FrameSeq   uint64        `json:"frame_seq"`
	Timestamp  time.Time     `json:"timestamp"`
	BBox       *BBox         `json:"bbox,omitempty"`
	FrameData  []byte        `json:"-"` // evidence payload, not serialized
}

// WorkerState is the lifecycle state of a camera worker.
type WorkerState string

const (
	WorkerStopped  WorkerState = "stopped"
	WorkerStarting WorkerState = "starting"
	WorkerRunning  WorkerState = "running"
	WorkerDraining WorkerState = "draining"
	WorkerFaulted  WorkerState = "faulted"
)
