// Package database is the SQLite persistence layer: cameras, models,
// camera-model assignments and violation incidents.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"sitewatch/internal/dedup"
	"sitewatch/internal/logging"
	"sitewatch/internal/pipeline"
)

// Database handles SQLite database operations.
type Database struct {
	db *sql.DB
}

// New creates a new database connection.
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations.
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			location TEXT,
			feed_url TEXT NOT NULL,
			fps INTEGER DEFAULT 1,
			active INTEGER DEFAULT 1,
			status TEXT DEFAULT 'offline',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			version TEXT,
			endpoint TEXT,
			threshold REAL NOT NULL,
			deadline_ms INTEGER DEFAULT 0,
			enabled INTEGER DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			camera_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			active INTEGER DEFAULT 1,
			last_activated DATETIME,
			PRIMARY KEY (camera_id, model_id),
			FOREIGN KEY (camera_id) REFERENCES cameras(id) ON DELETE CASCADE,
			FOREIGN KEY (model_id) REFERENCES models(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			location TEXT,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'new',
			confidence INTEGER NOT NULL,
			description TEXT,
			evidence_url TEXT,
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL,
			investigator TEXT,
			resolved_at DATETIME,
			notes TEXT,
			FOREIGN KEY (camera_id) REFERENCES cameras(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_camera_type ON incidents(camera_id, type, status)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_last_seen ON incidents(last_seen DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_camera ON assignments(camera_id)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log := logging.Component("database")
	log.Info().Msg("database migrations completed")
	return nil
}

// SaveCamera saves or updates a camera.
func (d *Database) SaveCamera(ctx context.Context, cam *pipeline.Camera) error {
	query := `INSERT INTO cameras (id, name, location, feed_url, fps, active, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			location = excluded.location,
			feed_url = excluded.feed_url,
			fps = excluded.fps,
			active = excluded.active,
			status = excluded.status`

	_, err := d.db.ExecContext(ctx, query, cam.ID, cam.Name, cam.Location, cam.FeedURL,
		cam.FPS, boolInt(cam.Active), string(cam.Status))
	if err != nil {
		return fmt.Errorf("failed to save camera: %w", err)
	}
	return nil
}

// GetCamera retrieves a camera by ID. Returns nil when missing.
func (d *Database) GetCamera(ctx context.Context, id string) (*pipeline.Camera, error) {
	query := `SELECT id, name, location, feed_url, fps, active, status FROM cameras WHERE id = ?`

	var (
		cam    pipeline.Camera
		active int
		status string
	)
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&cam.ID, &cam.Name, &cam.Location, &cam.FeedURL, &cam.FPS, &active, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}
	cam.Active = active == 1
	cam.Status = pipeline.CameraStatus(status)
	return &cam, nil
}

// ListCameras returns all cameras.
func (d *Database) ListCameras(ctx context.Context) ([]pipeline.Camera, error) {
	query := `SELECT id, name, location, feed_url, fps, active, status FROM cameras ORDER BY created_at`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	var cameras []pipeline.Camera
	for rows.Next() {
		var (
			cam    pipeline.Camera
			active int
			status string
		)
		if err := rows.Scan(&cam.ID, &cam.Name, &cam.Location, &cam.FeedURL, &cam.FPS, &active, &status); err != nil {
			return nil, fmt.Errorf("failed to scan camera: %w", err)
		}
		cam.Active = active == 1
		cam.Status = pipeline.CameraStatus(status)
		cameras = append(cameras, cam)
	}
	return cameras, rows.Err()
}

// DeleteCamera deletes a camera by ID. Assignments cascade.
func (d *Database) DeleteCamera(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM cameras WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete camera: %w", err)
	}
	return nil
}

// UpdateCameraStatus updates only the status of a camera.
func (d *Database) UpdateCameraStatus(ctx context.Context, id string, status pipeline.CameraStatus) error {
	_, err := d.db.ExecContext(ctx, "UPDATE cameras SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update camera status: %w", err)
	}
	return nil
}

// SetCameraActive flips the operator-controlled active flag.
func (d *Database) SetCameraActive(ctx context.Context, id string, active bool) error {
	_, err := d.db.ExecContext(ctx, "UPDATE cameras SET active = ? WHERE id = ?", boolInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to update camera active flag: %w", err)
	}
	return nil
}

// SaveModel saves or updates a model descriptor.
func (d *Database) SaveModel(ctx context.Context, m *pipeline.ModelSpec) error {
	query := `INSERT INTO models (id, name, type, version, endpoint, threshold, deadline_ms, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			version = excluded.version,
			endpoint = excluded.endpoint,
			threshold = excluded.threshold,
			deadline_ms = excluded.deadline_ms,
			enabled = excluded.enabled`

	_, err := d.db.ExecContext(ctx, query, m.ID, m.Name, string(m.Type), m.Version,
		m.Endpoint, m.Threshold, m.Deadline.Milliseconds(), boolInt(m.Enabled))
	if err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	return nil
}

// ListModels returns all model descriptors.
func (d *Database) ListModels(ctx context.Context) ([]pipeline.ModelSpec, error) {
	query := `SELECT id, name, type, version, endpoint, threshold, deadline_ms, enabled FROM models ORDER BY created_at`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()

	var models []pipeline.ModelSpec
	for rows.Next() {
		var (
			m          pipeline.ModelSpec
			mtype      string
			deadlineMs int64
			enabled    int
		)
		if err := rows.Scan(&m.ID, &m.Name, &mtype, &m.Version, &m.Endpoint, &m.Threshold, &deadlineMs, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		m.Type = pipeline.ViolationType(mtype)
		m.Deadline = time.Duration(deadlineMs) * time.Millisecond
		m.Enabled = enabled == 1
		models = append(models, m)
	}
	return models, rows.Err()
}

// SetModelEnabled flips a model's enabled flag.
func (d *Database) SetModelEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := d.db.ExecContext(ctx, "UPDATE models SET enabled = ? WHERE id = ?", boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to update model enabled flag: %w", err)
	}
	return nil
}

// SaveAssignment links a camera to a model, stamping last_activated
// when the link becomes active.
func (d *Database) SaveAssignment(ctx context.Context, a *pipeline.Assignment) error {
	query := `INSERT INTO assignments (camera_id, model_id, active, last_activated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(camera_id, model_id) DO UPDATE SET
			active = excluded.active,
			last_activated = CASE WHEN excluded.active = 1 THEN excluded.last_activated ELSE assignments.last_activated END`

	lastActivated := a.LastActivated
	if a.Active && lastActivated.IsZero() {
		lastActivated = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx, query, a.CameraID, a.ModelID, boolInt(a.Active), lastActivated)
	if err != nil {
		return fmt.Errorf("failed to save assignment: %w", err)
	}
	return nil
}

// DeleteAssignment removes a camera-model link.
func (d *Database) DeleteAssignment(ctx context.Context, cameraID, modelID string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM assignments WHERE camera_id = ? AND model_id = ?", cameraID, modelID)
	if err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	return nil
}

// ListAssignments returns all camera-model links.
func (d *Database) ListAssignments(ctx context.Context) ([]pipeline.Assignment, error) {
	query := `SELECT camera_id, model_id, active, last_activated FROM assignments`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []pipeline.Assignment
	for rows.Next() {
		var (
			a             pipeline.Assignment
			active        int
			lastActivated sql.NullTime
		)
		if err := rows.Scan(&a.CameraID, &a.ModelID, &active, &lastActivated); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		a.Active = active == 1
		if lastActivated.Valid {
			a.LastActivated = lastActivated.Time
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ dedup.IncidentStore = (*Database)(nil)
