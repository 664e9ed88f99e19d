package audit

import "context"

// Recorder is the flight recorder contract. Append is serialised by the
// implementation; after it returns nil the entry has reached durable
// storage. There is no mutation API.
type Recorder interface {
	// Append seals the entry into the chain and writes it. The entry's
	// Seq, PrevHash, and EntryHash are assigned by the recorder.
	Append(ctx context.Context, e *Entry) error
	// Recent returns the last n entries, newest first.
	Recent(n int) []Entry
	// RecentByAgent returns the last n entries for one agent, newest first.
	RecentByAgent(agentID string, n int) []Entry
	// VerifyIntegrity scans the full chain and reports the first break.
	VerifyIntegrity(ctx context.Context) (IntegrityReport, error)
	// Flush forces buffered entries to durable storage.
	Flush(ctx context.Context) error
	// Close flushes and releases the recorder.
	Close() error
}
