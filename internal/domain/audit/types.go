// Package audit contains the flight recorder domain types: hash-chained
// audit entries, the canonical hashing rules, and the store contract.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// EventType constants categorize recorder entries.
const (
	EventPolicyEvaluated   = "policy_evaluated"
	EventSignalDelivered   = "signal_delivered"
	EventStateTransition   = "state_transition"
	EventSandboxViolation  = "sandbox_violation"
	EventMemoryWrite       = "memory_write"
	EventMemoryTampered    = "memory_tampered"
	EventProxyRequest      = "proxy_request"
	EventProxyBlocked      = "proxy_blocked"
	EventProxyQuarantined  = "proxy_quarantined"
	EventBreakerTransition = "breaker_transition"
	EventRegexTimeout      = "regex_timeout"
)

// GenesisHash is the all-zero digest used as prev_hash for the first entry.
var GenesisHash = strings.Repeat("0", 64)

// Entry is a single append-only audit record. Once written it is never
// mutated; EntryHash seals it into the chain.
type Entry struct {
	// Seq is the monotonic sequence number, starting at 1.
	Seq uint64 `json:"seq"`
	// TS is the entry timestamp in UTC milliseconds.
	TS int64 `json:"ts"`
	// AgentID is the acting agent.
	AgentID string `json:"agent_id"`
	// EventType categorizes the entry.
	EventType string `json:"event_type"`
	// ActionType is the governed action category, if any.
	ActionType string `json:"action_type,omitempty"`
	// ToolName is the tool being invoked, if any.
	ToolName string `json:"tool_name,omitempty"`
	// ArgsDigest is the sha256 of the pre-redaction arguments, hex encoded.
	ArgsDigest string `json:"args_digest,omitempty"`
	// Decision is the evaluation effect (allow/deny/warn/...), if any.
	Decision string `json:"decision,omitempty"`
	// Reason explains the decision.
	Reason string `json:"reason,omitempty"`
	// MatchedRule is the rule that produced the decision.
	MatchedRule string `json:"matched_rule,omitempty"`
	// Severity grades the event.
	Severity string `json:"severity,omitempty"`
	// Signals lists signal kinds dispatched as part of this event.
	Signals []string `json:"signals,omitempty"`
	// Details carries redacted, event-specific payload.
	Details map[string]interface{} `json:"details,omitempty"`
	// PrevHash is the hex sha256 of the previous entry (GenesisHash for seq 1).
	PrevHash string `json:"prev_hash"`
	// EntryHash is sha256(prev_hash_bytes || canonical_json_excluding_entry_hash).
	EntryHash string `json:"entry_hash"`
}

// Time returns the entry timestamp as a time.Time.
func (e *Entry) Time() time.Time { return time.UnixMilli(e.TS).UTC() }

// canonicalBytes returns the RFC 8785 canonical JSON of the entry with
// EntryHash excluded. Hashing over canonical bytes makes the chain
// independent of Go's map iteration and field ordering.
func (e *Entry) canonicalBytes() ([]byte, error) {
	shadow := *e
	shadow.EntryHash = ""
	raw, err := json.Marshal(&shadow)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize entry: %w", err)
	}
	return canonical, nil
}

// ComputeHash derives the entry hash from PrevHash and the canonical
// entry bytes. It does not modify the entry.
func (e *Entry) ComputeHash() (string, error) {
	prev, err := hex.DecodeString(e.PrevHash)
	if err != nil || len(prev) != sha256.Size {
		return "", fmt.Errorf("invalid prev_hash %q", e.PrevHash)
	}
	canonical, err := e.canonicalBytes()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(prev)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal links the entry to prevHash and fills in EntryHash.
func (e *Entry) Seal(prevHash string) error {
	e.PrevHash = prevHash
	sum, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.EntryHash = sum
	return nil
}

// VerifyHash recomputes the entry hash and compares it to EntryHash.
func (e *Entry) VerifyHash() bool {
	sum, err := e.ComputeHash()
	if err != nil {
		return false
	}
	return sum == e.EntryHash
}

// DigestArgs returns the hex sha256 over the JSON encoding of args.
// The digest is taken before redaction so chain-of-custody survives
// scrubbing.
func DigestArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// NewEntry builds an unsealed entry stamped with the current time. The
// recorder assigns Seq and seals the chain under its writer lock.
func NewEntry(agentID, eventType string) *Entry {
	return &Entry{
		TS:        time.Now().UTC().UnixMilli(),
		AgentID:   agentID,
		EventType: eventType,
	}
}

// IntegrityReport is the result of a chain verification pass.
type IntegrityReport struct {
	// OK is true if the whole chain verified.
	OK bool
	// FirstBreak is the index (0-based position in scan order) of the
	// first entry where the chain breaks. Only meaningful when !OK.
	FirstBreak int
	// Entries is the number of entries scanned.
	Entries int
	// Reason describes the break.
	Reason string
}
