// Package trust implements the inter-agent trust layer: capability
// manifests, deterministic trust scoring, and the warning rules the
// sidecar applies to cross-agent traffic.
package trust

import "fmt"

// TrustLevel classifies the relationship with an agent.
type TrustLevel string

const (
	LevelVerifiedPartner TrustLevel = "verified_partner"
	LevelTrusted         TrustLevel = "trusted"
	LevelStandard        TrustLevel = "standard"
	LevelUnknown         TrustLevel = "unknown"
	LevelUntrusted       TrustLevel = "untrusted"
)

// Reversibility states how much of an action the agent can undo.
type Reversibility string

const (
	ReversibilityFull    Reversibility = "full"
	ReversibilityPartial Reversibility = "partial"
	ReversibilityNone    Reversibility = "none"
)

// Retention states how long the agent keeps data it receives.
type Retention string

const (
	RetentionEphemeral Retention = "ephemeral"
	RetentionTemporary Retention = "temporary"
	RetentionPermanent Retention = "permanent"
	RetentionForever   Retention = "forever"
)

// ScoreThreshold is the minimum trust score that passes without a
// warning.
const ScoreThreshold = 7

// CapabilityManifest describes an agent to its peers. Served at
// /.well-known/agent-manifest and attached to cross-agent requests.
type CapabilityManifest struct {
	AgentID           string            `json:"agent_id"`
	Version           string            `json:"version"`
	AgentMetadata     map[string]string `json:"agent_metadata,omitempty"`
	TrustLevel        TrustLevel        `json:"trust_level"`
	Reversibility     Reversibility     `json:"reversibility"`
	UndoWindowSeconds int               `json:"undo_window_seconds"`
	SLALatencyMS      int               `json:"sla_latency_ms"`
	Retention         Retention         `json:"retention"`
	StorageLocation   string            `json:"storage_location,omitempty"`
	HumanReview       bool              `json:"human_review"`
	Capabilities      []string          `json:"capabilities"`
	// TrustScore is derived; Score recomputes it from the other fields.
	TrustScore int `json:"trust_score"`
}

var levelBase = map[TrustLevel]int{
	LevelVerifiedPartner: 10,
	LevelTrusted:         8,
	LevelStandard:        5,
	LevelUnknown:         3,
	LevelUntrusted:       0,
}

// Score derives the trust score from the manifest fields and clamps it
// to [0, 10]. An unrecognized trust level scores as unknown.
func Score(m CapabilityManifest) int {
	score, ok := levelBase[m.TrustLevel]
	if !ok {
		score = levelBase[LevelUnknown]
	}

	switch m.Reversibility {
	case ReversibilityNone:
		score -= 2
	case ReversibilityPartial:
		score -= 1
	}
	switch m.Retention {
	case RetentionPermanent:
		score -= 2
	case RetentionForever:
		score -= 3
	}
	if m.HumanReview {
		score -= 1
	}
	if m.HasCapability("idempotent") {
		score += 1
	}
	if m.UndoWindowSeconds >= 24*60*60 {
		score += 1
	}

	if score < 0 {
		return 0
	}
	if score > 10 {
		return 10
	}
	return score
}

// HasCapability reports whether the manifest declares a capability.
func (m CapabilityManifest) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Validate checks the enum fields. The zero values are invalid: a
// manifest must state its trust level, reversibility, and retention.
func Validate(m CapabilityManifest) error {
	if m.AgentID == "" {
		return fmt.Errorf("manifest: agent_id is required")
	}
	if _, ok := levelBase[m.TrustLevel]; !ok {
		return fmt.Errorf("manifest: unknown trust_level %q", m.TrustLevel)
	}
	switch m.Reversibility {
	case ReversibilityFull, ReversibilityPartial, ReversibilityNone:
	default:
		return fmt.Errorf("manifest: unknown reversibility %q", m.Reversibility)
	}
	switch m.Retention {
	case RetentionEphemeral, RetentionTemporary, RetentionPermanent, RetentionForever:
	default:
		return fmt.Errorf("manifest: unknown retention %q", m.Retention)
	}
	return nil
}

// Warning is one recoverable objection to a cross-agent request. The
// caller may bypass warnings with an explicit user override, which
// quarantines the trace.
type Warning struct {
	// Code is machine-readable.
	Code string `json:"code"`
	// Message explains the objection.
	Message string `json:"message"`
	// Policy names the rule that raised the warning.
	Policy string `json:"policy"`
}

// Warnings applies the recoverable rules to a manifest: low trust
// score, irreversibility, long retention, and mandatory human review.
func Warnings(m CapabilityManifest) []Warning {
	var out []Warning
	if s := Score(m); s < ScoreThreshold {
		out = append(out, Warning{
			Code:    "low_trust_score",
			Message: fmt.Sprintf("trust score %d is below %d", s, ScoreThreshold),
			Policy:  "minimum_trust_score",
		})
	}
	if m.Reversibility == ReversibilityNone {
		out = append(out, Warning{
			Code:    "irreversible",
			Message: "the receiving agent cannot undo this action",
			Policy:  "reversibility",
		})
	}
	if m.Retention == RetentionPermanent || m.Retention == RetentionForever {
		out = append(out, Warning{
			Code:    "long_retention",
			Message: fmt.Sprintf("the receiving agent retains data with %s retention", m.Retention),
			Policy:  "retention",
		})
	}
	if m.HumanReview {
		out = append(out, Warning{
			Code:    "human_review_required",
			Message: "the receiving agent routes requests through human review",
			Policy:  "human_review",
		})
	}
	return out
}
