package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sitewatch/internal/dedup"
	"sitewatch/internal/pipeline"
)

// IncidentFilter narrows ListIncidents.
type IncidentFilter struct {
	CameraID string
	Type     pipeline.ViolationType
	Severity pipeline.Severity
	Status   dedup.IncidentStatus
	Since    *time.Time
	Limit    int
}

const incidentColumns = `id, camera_id, location, type, severity, status, confidence,
	description, evidence_url, first_seen, last_seen, investigator, resolved_at, notes`

// CreateIncident implements dedup.IncidentStore.
func (d *Database) CreateIncident(ctx context.Context, inc *dedup.Incident) error {
	query := `INSERT INTO incidents (` + incidentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.ExecContext(ctx, query,
		inc.ID, inc.CameraID, inc.Location, string(inc.Type), string(inc.Severity),
		string(inc.Status), inc.Confidence, inc.Description, inc.EvidenceURL,
		inc.FirstSeen, inc.LastSeen, inc.Investigator, inc.ResolvedAt, inc.Notes)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// UpdateIncident implements dedup.IncidentStore.
func (d *Database) UpdateIncident(ctx context.Context, inc *dedup.Incident) error {
	query := `UPDATE incidents SET
		severity = ?, status = ?, confidence = ?, description = ?, evidence_url = ?,
		last_seen = ?, investigator = ?, resolved_at = ?, notes = ?
		WHERE id = ?`

	res, err := d.db.ExecContext(ctx, query,
		string(inc.Severity), string(inc.Status), inc.Confidence, inc.Description,
		inc.EvidenceURL, inc.LastSeen, inc.Investigator, inc.ResolvedAt, inc.Notes, inc.ID)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to update incident: no row for id %s", inc.ID)
	}
	return nil
}

// OpenIncidents implements dedup.IncidentStore: all incidents whose
// status still blocks a new one for the same (camera, type) pair.
func (d *Database) OpenIncidents(ctx context.Context) ([]*dedup.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE status IN ('new', 'investigating') ORDER BY last_seen`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list open incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// GetIncident retrieves an incident by ID. Returns nil when missing.
func (d *Database) GetIncident(ctx context.Context, id string) (*dedup.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = ?`

	inc, err := scanIncident(d.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns incidents matching the filter, newest first.
func (d *Database) ListIncidents(ctx context.Context, f IncidentFilter) ([]*dedup.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	args := []any{}

	if f.CameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, f.CameraID)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(f.Severity))
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Since != nil {
		query += " AND last_seen >= ?"
		args = append(args, *f.Since)
	}

	query += " ORDER BY last_seen DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// SetIncidentStatus advances an incident through the investigation
// workflow, stamping resolved_at on terminal statuses.
func (d *Database) SetIncidentStatus(ctx context.Context, id string, status dedup.IncidentStatus, investigator, notes string) error {
	var resolvedAt *time.Time
	if !status.IsOpen() {
		now := time.Now().UTC()
		resolvedAt = &now
	}

	query := `UPDATE incidents SET status = ?, investigator = ?, notes = ?, resolved_at = ? WHERE id = ?`
	res, err := d.db.ExecContext(ctx, query, string(status), investigator, notes, resolvedAt, id)
	if err != nil {
		return fmt.Errorf("failed to set incident status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to set incident status: no row for id %s", id)
	}
	return nil
}

// DeleteOldIncidents deletes closed incidents last seen before the
// cutoff. Open incidents are never purged.
func (d *Database) DeleteOldIncidents(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		"DELETE FROM incidents WHERE last_seen < ? AND status IN ('resolved', 'false_positive')", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old incidents: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*dedup.Incident, error) {
	var (
		inc          dedup.Incident
		vtype        string
		severity     string
		status       string
		evidenceURL  sql.NullString
		investigator sql.NullString
		resolvedAt   sql.NullTime
		notes        sql.NullString
	)
	err := row.Scan(&inc.ID, &inc.CameraID, &inc.Location, &vtype, &severity, &status,
		&inc.Confidence, &inc.Description, &evidenceURL, &inc.FirstSeen, &inc.LastSeen,
		&investigator, &resolvedAt, &notes)
	if err != nil {
		return nil, err
	}
	inc.Type = pipeline.ViolationType(vtype)
	inc.Severity = pipeline.Severity(severity)
	inc.Status = dedup.IncidentStatus(status)
	inc.EvidenceURL = evidenceURL.String
	inc.Investigator = investigator.String
	inc.Notes = notes.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		inc.ResolvedAt = &t
	}
	return &inc, nil
}

func scanIncidents(rows *sql.Rows) ([]*dedup.Incident, error) {
	var incidents []*dedup.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}
