package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitewatch/internal/database"
	"sitewatch/internal/pipeline"
)

func testRegistry(t *testing.T) (*Registry, *database.Database) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	r := New(db)
	require.NoError(t, r.Load(context.Background()))
	return r, db
}

func seed(t *testing.T, r *Registry) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.SaveCamera(ctx, pipeline.Camera{
		ID: "cam-1", Name: "Gate A", FeedURL: "http://cams/1", Active: true,
	}))
	require.NoError(t, r.SaveCamera(ctx, pipeline.Camera{
		ID: "cam-2", Name: "Dock", FeedURL: "http://cams/2", Active: true,
	}))
	require.NoError(t, r.SaveModel(ctx, pipeline.ModelSpec{
		ID: "ppe-1", Name: "PPE", Type: pipeline.ViolationPPE, Threshold: 0.75, Enabled: true,
	}))
	require.NoError(t, r.SaveModel(ctx, pipeline.ModelSpec{
		ID: "fall-1", Name: "Fall", Type: pipeline.ViolationFall, Threshold: 0.8, Enabled: true,
	}))
}

func eligibleIDs(t *testing.T, r *Registry) []string {
	t.Helper()
	cams, err := r.Eligible()
	require.NoError(t, err)
	ids := make([]string, 0, len(cams))
	for _, c := range cams {
		ids = append(ids, c.ID)
	}
	return ids
}

func TestEligibilityRequiresActiveAssignment(t *testing.T) {
	r, _ := testRegistry(t)
	seed(t, r)
	ctx := context.Background()

	// No assignments yet: nobody is eligible.
	assert.Empty(t, eligibleIDs(t, r))

	require.NoError(t, r.Assign(ctx, "cam-1", "ppe-1", true))
	assert.Equal(t, []string{"cam-1"}, eligibleIDs(t, r))

	// An inactive assignment does not qualify.
	require.NoError(t, r.Assign(ctx, "cam-2", "fall-1", false))
	assert.Equal(t, []string{"cam-1"}, eligibleIDs(t, r))

	require.NoError(t, r.Assign(ctx, "cam-2", "fall-1", true))
	assert.Equal(t, []string{"cam-1", "cam-2"}, eligibleIDs(t, r))
}

func TestEligibilityDropsWithDisabledModel(t *testing.T) {
	r, _ := testRegistry(t)
	seed(t, r)
	ctx := context.Background()

	require.NoError(t, r.Assign(ctx, "cam-1", "ppe-1", true))
	require.NoError(t, r.SetModelEnabled(ctx, "ppe-1", false))
	assert.Empty(t, eligibleIDs(t, r), "disabling the only assigned model removes the camera")

	require.NoError(t, r.SetModelEnabled(ctx, "ppe-1", true))
	assert.Equal(t, []string{"cam-1"}, eligibleIDs(t, r))
}

func TestEligibilityExcludesInactiveAndMaintenance(t *testing.T) {
	r, _ := testRegistry(t)
	seed(t, r)
	ctx := context.Background()

	require.NoError(t, r.Assign(ctx, "cam-1", "ppe-1", true))
	require.NoError(t, r.SetCameraActive(ctx, "cam-1", false))
	assert.Empty(t, eligibleIDs(t, r))

	require.NoError(t, r.SetCameraActive(ctx, "cam-1", true))
	require.NoError(t, r.SetCameraStatus("cam-1", pipeline.CameraMaintenance, "retry budget exhausted"))
	assert.Empty(t, eligibleIDs(t, r), "maintenance cameras stay out of the rotation")

	// Operator re-activation clears maintenance.
	require.NoError(t, r.SetCameraActive(ctx, "cam-1", true))
	assert.Equal(t, []string{"cam-1"}, eligibleIDs(t, r))
}

func TestActiveModelsForStableOrder(t *testing.T) {
	r, _ := testRegistry(t)
	seed(t, r)
	ctx := context.Background()

	require.NoError(t, r.Assign(ctx, "cam-1", "ppe-1", true))
	require.NoError(t, r.Assign(ctx, "cam-1", "fall-1", true))

	specs := r.ActiveModelsFor("cam-1")
	require.Len(t, specs, 2)
	assert.Equal(t, "fall-1", specs[0].ID)
	assert.Equal(t, "ppe-1", specs[1].ID)

	assert.Empty(t, r.ActiveModelsFor("cam-2"))
}

func TestSubscribeCoalescedNotifications(t *testing.T) {
	r, _ := testRegistry(t)
	seed(t, r)
	ctx := context.Background()

	ch, cancel := r.Subscribe()
	defer cancel()

	// Drain anything pending from seeding, then mutate twice; the
	// buffered channel coalesces to at least one signal.
	select {
	case <-ch:
	default:
	}
	require.NoError(t, r.Assign(ctx, "cam-1", "ppe-1", true))
	require.NoError(t, r.Assign(ctx, "cam-2", "ppe-1", true))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change notification received")
	}
}

func TestAssignUnknownIDs(t *testing.T) {
	r, _ := testRegistry(t)
	seed(t, r)
	ctx := context.Background()

	require.Error(t, r.Assign(ctx, "ghost", "ppe-1", true))
	require.Error(t, r.Assign(ctx, "cam-1", "ghost", true))
}

func TestAssignStampsActivation(t *testing.T) {
	r, db := testRegistry(t)
	seed(t, r)
	ctx := context.Background()

	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, r.Assign(ctx, "cam-1", "ppe-1", true))

	as, err := db.ListAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.True(t, as[0].LastActivated.After(before), "activation must stamp last_activated")
}
