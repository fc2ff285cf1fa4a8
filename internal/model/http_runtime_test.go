package model

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitewatch/internal/pipeline"
)

func testSpec(endpoint string) pipeline.ModelSpec {
	return pipeline.ModelSpec{
		ID:        "ppe-1",
		Name:      "PPE Detector",
		Type:      pipeline.ViolationPPE,
		Endpoint:  endpoint,
		Threshold: 0.75,
		Enabled:   true,
	}
}

func testFrame() *pipeline.Frame {
	return &pipeline.Frame{CameraID: "cam-1", Seq: 7, Timestamp: time.Now(), Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
}

func TestDetectParsesSidecarResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/detect", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "cam-1", r.FormValue("camera_id"))
		assert.Equal(t, "dock", r.FormValue("location"))
		_, _, err := r.FormFile("image")
		require.NoError(t, err)

		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"type": "ppe", "class": "no_helmet", "confidence": 0.91, "bbox": []float32{10, 20, 110, 220}},
				{"class": "no_vest", "confidence": 0.52},
			},
			"count":             2,
			"inference_time_ms": 12.5,
			"device":            "cuda:0",
		})
	}))
	defer srv.Close()

	rt := NewHTTPRuntime(testSpec(srv.URL), srv.Client())
	findings, err := rt.Detect(context.Background(), testFrame(), pipeline.Camera{ID: "cam-1", Location: "dock"})
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, pipeline.ViolationPPE, findings[0].Type)
	assert.InDelta(t, 0.91, findings[0].Confidence, 1e-6)
	require.NotNil(t, findings[0].BBox)
	assert.Equal(t, float32(10), findings[0].BBox.X1)
	assert.Equal(t, float32(220), findings[0].BBox.Y2)

	// Untyped detection inherits the model's violation type.
	assert.Equal(t, pipeline.ViolationPPE, findings[1].Type)
	assert.Nil(t, findings[1].BBox)
}

func TestDetectNormalizesPercentConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{{"confidence": 91.0}},
			"count":      1,
		})
	}))
	defer srv.Close()

	rt := NewHTTPRuntime(testSpec(srv.URL), srv.Client())
	findings, err := rt.Detect(context.Background(), testFrame(), pipeline.Camera{ID: "cam-1"})
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.InDelta(t, 0.91, findings[0].Confidence, 1e-6)
}

func TestDetectTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the upload first so the server notices the client
		// abort; otherwise Close would wait on this handler forever.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	rt := NewHTTPRuntime(testSpec(srv.URL), srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := rt.Detect(ctx, testFrame(), pipeline.Camera{ID: "cam-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrModelTimeout))
}

func TestDetectNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rt := NewHTTPRuntime(testSpec(srv.URL), srv.Client())
	_, err := rt.Detect(context.Background(), testFrame(), pipeline.Camera{ID: "cam-1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, pipeline.ErrModelTimeout)
}

func TestNormalizeConfidence(t *testing.T) {
	tests := []struct {
		in   float32
		want float32
	}{
		{0.5, 0.5},
		{0, 0},
		{1, 1},
		{91, 0.91},
		{100, 1},
		{250, 1},
		{-0.5, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, NormalizeConfidence(tt.in), 1e-6, "NormalizeConfidence(%v)", tt.in)
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	spec := testSpec("http://sidecar:9001")
	require.NoError(t, reg.Register(NewHTTPRuntime(spec, nil)))

	rt, ok := reg.Runtime("ppe-1")
	require.True(t, ok)
	assert.Equal(t, spec, rt.Spec())

	require.Error(t, reg.Register(NewHTTPRuntime(spec, nil)), "duplicate ids are rejected")

	reg.Unregister("ppe-1")
	_, ok = reg.Runtime("ppe-1")
	assert.False(t, ok)
}

func TestLoadAllSkipsDisabledAndEndpointless(t *testing.T) {
	specs := []pipeline.ModelSpec{
		{ID: "a", Type: pipeline.ViolationPPE, Endpoint: "http://sidecar:9001", Enabled: true},
		{ID: "b", Type: pipeline.ViolationFall, Endpoint: "http://sidecar:9002", Enabled: false},
		{ID: "c", Type: pipeline.ViolationFireSmoke, Enabled: true},
	}
	reg := LoadAll(specs, nil)
	assert.ElementsMatch(t, []string{"a"}, reg.IDs())
}
