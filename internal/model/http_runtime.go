// Package model loads detection models and exposes them to the
// pipeline as runtimes. Inference runs in per-model sidecar services
// reached over HTTP; the runtime is a thin, stateless client around
// one sidecar.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"sitewatch/internal/pipeline"
)

// HTTPRuntime invokes one detection model through its sidecar's
// /detect endpoint. It holds no shared mutable state; Detect is a pure
// function of (frame, camera context) plus the loaded model behind the
// sidecar.
type HTTPRuntime struct {
	spec   pipeline.ModelSpec
	client *http.Client
}

// NewHTTPRuntime builds a runtime for a model descriptor. The client
// carries no global timeout; each invocation is bounded by the
// caller's context deadline.
func NewHTTPRuntime(spec pipeline.ModelSpec, client *http.Client) *HTTPRuntime {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRuntime{spec: spec, client: client}
}

// Spec implements pipeline.ModelRuntime.
func (r *HTTPRuntime) Spec() pipeline.ModelSpec { return r.spec }

// sidecarDetection is one detection in the sidecar's response.
type sidecarDetection struct {
	Type       string    `json:"type"`
	Class      string    `json:"class"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

// sidecarResponse is the sidecar's /detect response envelope.
type sidecarResponse struct {
	Detections      []sidecarDetection `json:"detections"`
	Count           int                `json:"count"`
	InferenceTimeMs float32            `json:"inference_time_ms"`
	Device          string             `json:"device"`
}

// Detect implements pipeline.ModelRuntime. The frame travels as a
// multipart JPEG upload; findings come back with confidence normalized
// to [0,1] regardless of the sidecar's native scale.
func (r *HTTPRuntime) Detect(ctx context.Context, frame *pipeline.Frame, cam pipeline.Camera) ([]pipeline.Finding, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if _, err := part.Write(frame.Data); err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	mw.WriteField("camera_id", cam.ID)
	mw.WriteField("location", cam.Location)
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.spec.Endpoint+"/detect", &body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, pipeline.ErrModelTimeout
		}
		return nil, fmt.Errorf("sidecar %s: %w", r.spec.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar %s: status %d", r.spec.ID, resp.StatusCode)
	}

	var parsed sidecarResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("sidecar %s: decoding response: %w", r.spec.ID, err)
	}

	findings := make([]pipeline.Finding, 0, len(parsed.Detections))
	for _, d := range parsed.Detections {
		f := pipeline.Finding{
			Type:       r.spec.Type,
			Confidence: NormalizeConfidence(d.Confidence),
			ModelID:    r.spec.ID,
		}
		if d.Type != "" {
			f.Type = pipeline.ViolationType(d.Type)
		}
		if len(d.BBox) == 4 {
			f.BBox = &pipeline.BBox{X1: d.BBox[0], Y1: d.BBox[1], X2: d.BBox[2], Y2: d.BBox[3]}
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// NormalizeConfidence maps sidecar confidence values onto [0,1].
// Sidecars report either fractions or percentages; anything above 1 is
// taken as a percentage. The conversion happens here, at the boundary,
// and nowhere else.
func NormalizeConfidence(c float32) float32 {
	if c > 1 {
		c = c / 100
	}
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

var _ pipeline.ModelRuntime = (*HTTPRuntime)(nil)
