// Package memory guards agent long-term memory against poisoning.
// Writes are screened for injection and unicode manipulation before
// they persist. Stored content is hashed and reads verify the hash.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/imran-siddique/agentos/internal/domain/action"
	"github.com/imran-siddique/agentos/internal/domain/audit"
	"github.com/imran-siddique/agentos/internal/domain/scan"
	"github.com/imran-siddique/agentos/internal/kernelerr"
	"github.com/imran-siddique/agentos/internal/metrics"
)

// Entry is one stored memory record.
type Entry struct {
	// ID identifies the entry within the agent's store.
	ID string `json:"id"`
	// Content is the stored text.
	Content string `json:"content"`
	// Source names who or what wrote it.
	Source string `json:"source"`
	// WrittenAt is the UTC write time.
	WrittenAt time.Time `json:"written_at"`
	// ContentHash is hex sha256 of Content, computed at write time.
	ContentHash string `json:"content_hash"`
	// IntegrityVerified is set on read after the hash check passes.
	IntegrityVerified bool `json:"integrity_verified"`
}

// Store persists memory entries per agent.
type Store interface {
	Put(ctx context.Context, agentID string, e *Entry) error
	Get(ctx context.Context, agentID, id string) (*Entry, error)
	List(ctx context.Context, agentID string) ([]*Entry, error)
}

// Alert is one batch-scan or write-time finding worth surfacing.
type Alert struct {
	// AgentID and EntryID locate the content.
	AgentID string `json:"agent_id"`
	EntryID string `json:"entry_id"`
	// Pattern names the detector that fired.
	Pattern string `json:"pattern"`
	// Severity is high or critical.
	Severity string `json:"severity"`
}

// Guard is the K-side memory interface agents go through.
type Guard struct {
	store    Store
	scanner  *scan.InjectionScanner
	recorder audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewGuard builds a Guard over a store.
func NewGuard(store Store, rec audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Guard {
	return &Guard{
		store:    store,
		scanner:  scan.NewInjectionScanner(),
		recorder: rec,
		metrics:  m,
		logger:   logger,
	}
}

// HashContent returns the hex sha256 of content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Write screens and persists content. Critical findings reject the
// write; high findings persist it with an alert. The returned alerts
// are whatever fired below the rejection threshold.
func (g *Guard) Write(ctx context.Context, agentID, content, source string) (*Entry, []Alert, error) {
	res := g.scanner.Scan(content)

	entry := &Entry{
		ID:          uuid.NewString(),
		Content:     content,
		Source:      source,
		WrittenAt:   time.Now().UTC(),
		ContentHash: HashContent(content),
	}

	var alerts []Alert
	for _, f := range res.Findings {
		alerts = append(alerts, Alert{
			AgentID:  agentID,
			EntryID:  entry.ID,
			Pattern:  f.PatternName,
			Severity: string(f.Severity),
		})
	}

	if res.MaxSeverity() == scan.InjectionCritical {
		g.metrics.MemoryRejections.WithLabelValues("critical").Inc()
		g.auditWrite(ctx, agentID, entry, "deny", res.Findings[0].PatternName, action.SeverityCritical)
		return nil, alerts, kernelerr.New(kernelerr.KindMemoryIntegrity, action.SeverityCritical,
			fmt.Sprintf("memory write rejected: %s", res.Findings[0].PatternName))
	}

	if err := g.store.Put(ctx, agentID, entry); err != nil {
		return nil, nil, fmt.Errorf("memory store: %w", err)
	}

	if res.MaxSeverity() == scan.InjectionHigh {
		g.metrics.MemoryRejections.WithLabelValues("high").Inc()
		g.auditWrite(ctx, agentID, entry, "allow_with_alert", res.Findings[0].PatternName, action.SeverityHigh)
		g.logger.Warn("suspicious memory write allowed",
			"agent_id", agentID, "entry_id", entry.ID, "pattern", res.Findings[0].PatternName)
		return entry, alerts, nil
	}

	g.auditWrite(ctx, agentID, entry, "allow", "", action.SeverityInfo)
	return entry, nil, nil
}

// Read loads an entry and verifies its hash. A mismatch is a
// MemoryIntegrity failure and the entry is never returned.
func (g *Guard) Read(ctx context.Context, agentID, id string) (*Entry, error) {
	entry, err := g.store.Get(ctx, agentID, id)
	if err != nil {
		return nil, err
	}
	if HashContent(entry.Content) != entry.ContentHash {
		g.auditTamper(ctx, agentID, entry)
		return nil, kernelerr.New(kernelerr.KindMemoryIntegrity, action.SeverityCritical,
			fmt.Sprintf("memory entry %s failed integrity check", id))
	}
	entry.IntegrityVerified = true
	return entry, nil
}

// BatchScan re-screens every stored entry for an agent and reports
// alerts, including hash mismatches. It never mutates the store.
func (g *Guard) BatchScan(ctx context.Context, agentID string) ([]Alert, error) {
	entries, err := g.store.List(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	for _, entry := range entries {
		if HashContent(entry.Content) != entry.ContentHash {
			alerts = append(alerts, Alert{
				AgentID: agentID, EntryID: entry.ID,
				Pattern: "hash_mismatch", Severity: string(scan.InjectionCritical),
			})
			continue
		}
		res := g.scanner.Scan(entry.Content)
		for _, f := range res.Findings {
			alerts = append(alerts, Alert{
				AgentID: agentID, EntryID: entry.ID,
				Pattern: f.PatternName, Severity: string(f.Severity),
			})
		}
	}
	return alerts, nil
}

func (g *Guard) auditWrite(ctx context.Context, agentID string, entry *Entry, decision, pattern string, sev action.Severity) {
	e := audit.NewEntry(agentID, audit.EventMemoryWrite)
	e.Decision = decision
	e.Severity = string(sev)
	e.ArgsDigest = entry.ContentHash
	e.Details = map[string]interface{}{"entry_id": entry.ID, "source": entry.Source}
	if pattern != "" {
		e.Reason = "detector fired: " + pattern
	}
	if err := g.recorder.Append(ctx, e); err != nil {
		g.logger.Error("memory write not recorded", "agent_id", agentID, "error", err)
	}
}

func (g *Guard) auditTamper(ctx context.Context, agentID string, entry *Entry) {
	e := audit.NewEntry(agentID, audit.EventMemoryTampered)
	e.Decision = "deny"
	e.Severity = string(action.SeverityCritical)
	e.Reason = "stored content hash does not match"
	e.Details = map[string]interface{}{"entry_id": entry.ID}
	if err := g.recorder.Append(ctx, e); err != nil {
		g.logger.Error("memory tamper not recorded", "agent_id", agentID, "error", err)
	}
}
