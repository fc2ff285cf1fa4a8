package dedup

import (
	"sitewatch/internal/pipeline"
)

// SeverityPolicy derives incident severity from violation type and
// confidence. Two rules are fixed product behavior; the per-type
// defaults and the bump band are tunable configuration, not pipeline
// invariants.
type SeverityPolicy struct {
	// TypeDefaults maps each violation type to its baseline severity.
	// Unknown types fall back to the generic default.
	TypeDefaults map[pipeline.ViolationType]pipeline.Severity `koanf:"type_defaults"`

	// BumpThreshold raises the baseline one level when confidence
	// reaches it. Zero disables the bump.
	BumpThreshold float32 `koanf:"bump_threshold"`
}

// DefaultSeverityPolicy mirrors the severities the detection models
// historically reported per type.
func DefaultSeverityPolicy() SeverityPolicy {
	return SeverityPolicy{
		TypeDefaults: map[pipeline.ViolationType]pipeline.Severity{
			pipeline.ViolationPPE:            pipeline.SeverityHigh,
			pipeline.ViolationFall:           pipeline.SeverityCritical,
			pipeline.ViolationFireSmoke:      pipeline.SeverityCritical,
			pipeline.ViolationRestrictedArea: pipeline.SeverityMedium,
			pipeline.ViolationGeneric:        pipeline.SeverityMedium,
		},
		BumpThreshold: 0.95,
	}
}

// Severity applies the fixed rules first, then the configured table.
// Confidence is on the internal [0,1] scale.
func (p SeverityPolicy) Severity(t pipeline.ViolationType, confidence float32) pipeline.Severity {
	if confidence >= 0.90 && (t == pipeline.ViolationFall || t == pipeline.ViolationFireSmoke) {
		return pipeline.SeverityCritical
	}
	if confidence >= 0.85 && t == pipeline.ViolationPPE {
		return pipeline.SeverityHigh
	}

	base, ok := p.TypeDefaults[t]
	if !ok {
		base = p.TypeDefaults[pipeline.ViolationGeneric]
		if base == "" {
			base = pipeline.SeverityMedium
		}
	}
	if p.BumpThreshold > 0 && confidence >= p.BumpThreshold {
		base = bump(base)
	}
	return base
}

func bump(s pipeline.Severity) pipeline.Severity {
	switch s {
	case pipeline.SeverityLow:
		return pipeline.SeverityMedium
	case pipeline.SeverityMedium:
		return pipeline.SeverityHigh
	default:
		return pipeline.SeverityCritical
	}
}
