package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitewatch/internal/database"
	"sitewatch/internal/dedup"
	"sitewatch/internal/pipeline"
	"sitewatch/internal/registry"
)

type stubStatus struct{}

func (stubStatus) RunningCount() int { return 1 }
func (stubStatus) QueuedCount() int  { return 0 }
func (stubStatus) WorkerState(string) pipeline.WorkerState {
	return pipeline.WorkerRunning
}

func apiServer(t *testing.T) (*httptest.Server, *database.Database, *dedup.Deduplicator) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	reg := registry.New(db)
	require.NoError(t, reg.Load(context.Background()))
	dd := dedup.New(db, nil, nil, dedup.DefaultSeverityPolicy(), dedup.DefaultConfig())

	router := chi.NewRouter()
	a := &api{db: db, registry: reg, dedup: dd, status: stubStatus{}}
	a.routes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, db, dd
}

func doJSON(t *testing.T, method, url string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCameraAndAssignmentFlow(t *testing.T) {
	srv, db, _ := apiServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/cameras",
		`{"id":"cam-1","name":"Gate A","location":"north gate","feed_url":"http://cams/1","fps":5,"active":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/models",
		`{"id":"ppe-1","name":"PPE","type":"ppe","endpoint":"http://sidecar:9001","threshold":0.75,"enabled":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/assignments",
		`{"camera_id":"cam-1","model_id":"ppe-1","active":true}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	as, err := db.ListAssignments(context.Background())
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.True(t, as[0].Active)

	// Invalid threshold is rejected at the surface.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/models",
		`{"id":"bad","type":"ppe","threshold":1.5}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIncidentQueryAndStatusFlow(t *testing.T) {
	srv, db, dd := apiServer(t)
	ctx := context.Background()

	require.NoError(t, db.SaveCamera(ctx, &pipeline.Camera{ID: "cam-1", Name: "c", FeedURL: "http://x", Status: pipeline.CameraOffline}))
	require.NoError(t, dd.Submit(ctx, pipeline.Candidate{
		CameraID:   "cam-1",
		Location:   "dock",
		Type:       pipeline.ViolationPPE,
		Confidence: 0.94,
		ModelID:    "ppe-1",
		Timestamp:  time.Now().UTC(),
	}))

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/incidents?camera_id=cam-1&status=new", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var incidents []dedup.Incident
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&incidents))
	require.Len(t, incidents, 1)
	assert.Equal(t, 94, incidents[0].Confidence)
	id := incidents[0].ID

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/incidents/"+id+"/status",
		`{"status":"resolved","investigator":"j.doe","notes":"handled"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Resolution evicts the dedup slot: the next candidate opens a new
	// incident instead of updating the resolved one.
	require.NoError(t, dd.Submit(ctx, pipeline.Candidate{
		CameraID:   "cam-1",
		Location:   "dock",
		Type:       pipeline.ViolationPPE,
		Confidence: 0.8,
		ModelID:    "ppe-1",
		Timestamp:  time.Now().UTC(),
	}))
	all, err := db.ListIncidents(ctx, database.IncidentFilter{CameraID: "cam-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/incidents/"+id+"/status", `{"status":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/incidents/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	srv, db, _ := apiServer(t)
	require.NoError(t, db.SaveCamera(context.Background(), &pipeline.Camera{ID: "cam-1", Name: "c", FeedURL: "http://x", Status: pipeline.CameraOnline}))

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Running int               `json:"running"`
		Queued  int               `json:"queued"`
		Workers map[string]string `json:"workers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Running)
	assert.Equal(t, "running", body.Workers["cam-1"])
}
