package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sitewatch/internal/logging"
	"sitewatch/internal/pipeline"
	"sitewatch/internal/telemetry"
)

// IncidentStore persists incidents. Implemented by the database layer.
type IncidentStore interface {
	CreateIncident(ctx context.Context, inc *Incident) error
	UpdateIncident(ctx context.Context, inc *Incident) error
	OpenIncidents(ctx context.Context) ([]*Incident, error)
}

// Publisher pushes incident events to connected clients.
type Publisher interface {
	Publish(event string, cameraID string, inc *Incident)
}

// MultiPublisher fans one event out to several publishers in order.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(event string, cameraID string, inc *Incident) {
	for _, p := range m {
		if p != nil {
			p.Publish(event, cameraID, inc)
		}
	}
}

// EvidenceWriter captures an annotated evidence image for a candidate
// and returns a URL for it. Failures must not block incident creation.
type EvidenceWriter interface {
	Write(ctx context.Context, cand pipeline.Candidate, incidentID string) (string, error)
}

// Config tunes deduplication behavior.
type Config struct {
	// EscalationMargin is how much (on the [0,1] scale) a repeat
	// candidate's confidence must exceed the stored confidence before
	// the incident escalates. Zero means any increase escalates.
	EscalationMargin float32 `koanf:"escalation_margin"`
}

// DefaultConfig escalates on any confidence increase.
func DefaultConfig() Config {
	return Config{EscalationMargin: 0}
}

type key struct {
	camera string
	vtype  pipeline.ViolationType
}

// entry is one (camera, type) slot. Each slot carries its own lock so
// evidence capture and store writes for one pair never serialize the
// other cameras' submissions; the outer map lock is only held for slot
// lookup. inc is nil while no incident is open for the pair.
type entry struct {
	mu      sync.Mutex
	inc     *Incident
	evicted bool
}

// Deduplicator collapses candidate bursts into single open incidents.
// One open incident exists per (camera, type) pair; repeats bump
// last-seen and may escalate, but never create a second record or
// re-emit violation:new. Implements pipeline.CandidateSink.
type Deduplicator struct {
	store    IncidentStore
	pub      Publisher
	evidence EvidenceWriter
	policy   SeverityPolicy
	cfg      Config
	log      zerolog.Logger

	mu   sync.Mutex
	open map[key]*entry
}

// New builds a deduplicator. pub and evidence may be nil.
func New(store IncidentStore, pub Publisher, evidence EvidenceWriter, policy SeverityPolicy, cfg Config) *Deduplicator {
	if cfg.EscalationMargin < 0 {
		cfg.EscalationMargin = 0
	}
	return &Deduplicator{
		store:    store,
		pub:      pub,
		evidence: evidence,
		policy:   policy,
		cfg:      cfg,
		log:      logging.Component("dedup"),
		open:     make(map[key]*entry),
	}
}

// Rehydrate loads open incidents from the store so that dedup survives
// restarts. Called once before the pipeline starts submitting.
func (d *Deduplicator) Rehydrate(ctx context.Context) error {
	incidents, err := d.store.OpenIncidents(ctx)
	if err != nil {
		return fmt.Errorf("loading open incidents: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, inc := range incidents {
		k := key{camera: inc.CameraID, vtype: inc.Type}
		// If two open rows exist for the same pair, keep the newest.
		if prev, ok := d.open[k]; ok && prev.inc != nil && prev.inc.LastSeen.After(inc.LastSeen) {
			continue
		}
		d.open[k] = &entry{inc: inc}
	}
	d.log.Info().Int("open_incidents", len(d.open)).Msg("dedup index rehydrated")
	return nil
}

// Submit implements pipeline.CandidateSink. Exactly one of three
// outcomes happens atomically under the pair's slot lock: a new
// incident is created, an existing one is updated (bump or
// escalation), or the candidate is suppressed.
func (d *Deduplicator) Submit(ctx context.Context, cand pipeline.Candidate) error {
	k := key{camera: cand.CameraID, vtype: cand.Type}
	for {
		e := d.slot(k)
		e.mu.Lock()
		if e.evicted {
			// Lost a race with Evict; the slot is gone from the map.
			e.mu.Unlock()
			continue
		}
		var err error
		if e.inc != nil {
			err = d.update(ctx, e, cand)
		} else {
			err = d.create(ctx, e, cand)
		}
		e.mu.Unlock()
		return err
	}
}

// slot returns the pair's entry, creating an empty one if needed.
func (d *Deduplicator) slot(k key) *entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.open[k]
	if !ok {
		e = &entry{}
		d.open[k] = e
	}
	return e
}

// Evict drops the in-memory slot for an incident that was closed
// through the investigation workflow, so the next candidate for the
// pair opens a fresh incident.
func (d *Deduplicator) Evict(incidentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, e := range d.open {
		e.mu.Lock()
		match := e.inc != nil && e.inc.ID == incidentID
		if match {
			e.evicted = true
		}
		e.mu.Unlock()
		if match {
			delete(d.open, k)
			return
		}
	}
}

// create opens a new incident on an empty slot. Caller holds the slot
// lock. On store failure the slot stays empty, so the pair is not
// poisoned and the next candidate retries the create.
func (d *Deduplicator) create(ctx context.Context, e *entry, cand pipeline.Candidate) error {
	pct := ToPercent(cand.Confidence)
	inc := &Incident{
		ID:          uuid.NewString(),
		CameraID:    cand.CameraID,
		Location:    cand.Location,
		Type:        cand.Type,
		Severity:    d.policy.Severity(cand.Type, cand.Confidence),
		Status:      StatusNew,
		Confidence:  pct,
		Description: describeViolation(cand.Type, cand.Location, pct),
		FirstSeen:   cand.Timestamp,
		LastSeen:    cand.Timestamp,
	}

	if d.evidence != nil && len(cand.FrameData) > 0 {
		url, err := d.evidence.Write(ctx, cand, inc.ID)
		if err != nil {
			d.log.Warn().Err(err).Str("incident_id", inc.ID).Msg("evidence capture failed")
		} else {
			inc.EvidenceURL = url
		}
	}

	if err := d.store.CreateIncident(ctx, inc); err != nil {
		return fmt.Errorf("creating incident: %w", err)
	}
	e.inc = inc

	telemetry.IncidentsCreated.WithLabelValues(inc.CameraID, string(inc.Type)).Inc()
	d.log.Info().
		Str("incident_id", inc.ID).
		Str("camera_id", inc.CameraID).
		Str("type", string(inc.Type)).
		Str("severity", string(inc.Severity)).
		Int("confidence", inc.Confidence).
		Msg("incident created")

	if d.pub != nil {
		d.pub.Publish(EventViolationNew, inc.CameraID, inc)
	}
	return nil
}

// update handles a repeat candidate against an open incident. Caller
// holds the slot lock. Mutations happen on a copy and are committed to
// the index only after the store write succeeds, so a failed write
// leaves the cached incident matching the persisted row.
func (d *Deduplicator) update(ctx context.Context, e *entry, cand pipeline.Candidate) error {
	upd := *e.inc
	changed := false
	if cand.Timestamp.After(upd.LastSeen) {
		upd.LastSeen = cand.Timestamp
		changed = true
	}

	newPct := ToPercent(cand.Confidence)
	newSev := d.policy.Severity(cand.Type, cand.Confidence)
	marginPct := ToPercent(d.cfg.EscalationMargin)
	escalated := newPct > upd.Confidence+marginPct || newSev.Rank() > upd.Severity.Rank()

	if escalated {
		if newPct > upd.Confidence {
			upd.Confidence = newPct
			upd.Description = describeViolation(upd.Type, upd.Location, newPct)
		}
		if newSev.Rank() > upd.Severity.Rank() {
			upd.Severity = newSev
		}
		changed = true
	}

	if changed {
		if err := d.store.UpdateIncident(ctx, &upd); err != nil {
			return fmt.Errorf("updating incident: %w", err)
		}
		e.inc = &upd
	}

	inc := e.inc
	if escalated {
		telemetry.IncidentsEscalated.WithLabelValues(inc.CameraID, string(inc.Type)).Inc()
		d.log.Info().
			Str("incident_id", inc.ID).
			Str("severity", string(inc.Severity)).
			Int("confidence", inc.Confidence).
			Msg("incident escalated")
		if d.pub != nil {
			d.pub.Publish(EventViolationEscalated, inc.CameraID, inc)
		}
	} else {
		telemetry.IncidentsSuppressed.WithLabelValues(inc.CameraID, string(inc.Type)).Inc()
	}
	return nil
}

func describeViolation(t pipeline.ViolationType, location string, pct int) string {
	if location == "" {
		location = "unknown location"
	}
	return fmt.Sprintf("%s detected at %s with %d%% confidence", violationLabel(t), location, pct)
}

func violationLabel(t pipeline.ViolationType) string {
	switch t {
	case pipeline.ViolationPPE:
		return "PPE violation"
	case pipeline.ViolationFall:
		return "Fall"
	case pipeline.ViolationFireSmoke:
		return "Fire or smoke"
	case pipeline.ViolationRestrictedArea:
		return "Restricted area entry"
	default:
		return "Safety violation"
	}
}

var _ pipeline.CandidateSink = (*Deduplicator)(nil)
