// Package recorder implements the flight recorder: hash-chained JSON
// Lines segments with size rotation, a sequence index, an in-memory
// ring cache for fast queries, and fsync durability at rotation and
// flush points.
package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/imran-siddique/agentos/internal/domain/audit"
	"github.com/imran-siddique/agentos/internal/domain/scan"
)

// openSegmentSuffix marks the segment currently being written. It is
// renamed to audit-<start>-<end>.log when sealed.
const openSegmentSuffix = ".open"

// indexFileName is the sequence index mapping (agent_id, seq range) to
// segment paths and byte offsets.
const indexFileName = "audit.index"

// sealedPattern matches sealed segment filenames: audit-<start>-<end>.log
var sealedPattern = regexp.MustCompile(`^audit-(\d+)-(\d+)\.log$`)

// openPattern matches the open segment filename: audit-<start>.open
var openPattern = regexp.MustCompile(`^audit-(\d+)\.open$`)

// Config holds configuration for the file recorder.
type Config struct {
	// Dir is the directory where segments are stored.
	Dir string
	// SegmentMaxBytes is the segment size cap before rotation
	// (default 100 MB).
	SegmentMaxBytes int64
	// CacheSize is the number of recent entries kept in memory (default 1000).
	CacheSize int
}

// indexRecord is one line of audit.index, written when a segment seals.
type indexRecord struct {
	Segment  string              `json:"segment"`
	StartSeq uint64              `json:"start_seq"`
	EndSeq   uint64              `json:"end_seq"`
	Agents   map[string][]int64  `json:"agents"` // agent_id -> byte offsets
}

// FileRecorder implements audit.Recorder over append-only segment files.
// A single exclusive writer is enforced with an advisory file lock on
// the segment directory.
type FileRecorder struct {
	dir        string
	maxSegment int64
	scrubber   *scan.SensitiveScanner
	logger     *slog.Logger

	mu          sync.Mutex
	file        *os.File
	lock        *dirLock
	segStart    uint64 // first seq in the open segment
	segSize     int64
	segOffsets  map[string][]int64 // agent -> offsets within open segment
	lastSeq     uint64
	lastHash    string
	cache       *ringCache
	closed      bool
}

// New opens (or creates) a recorder rooted at cfg.Dir, recovering the
// last sequence number and chain head from existing segments.
func New(cfg Config, logger *slog.Logger) (*FileRecorder, error) {
	if cfg.SegmentMaxBytes <= 0 {
		cfg.SegmentMaxBytes = 100 << 20
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create recorder directory: %w", err)
	}

	lock, err := acquireDirLock(filepath.Join(cfg.Dir, "recorder.lock"))
	if err != nil {
		return nil, fmt.Errorf("acquire recorder lock: %w", err)
	}

	r := &FileRecorder{
		dir:        cfg.Dir,
		maxSegment: cfg.SegmentMaxBytes,
		// Card, SSN, and email redaction are mandatory in the ledger.
		scrubber: scan.NewSensitiveScanner(true, false),
		logger:     logger,
		lock:       lock,
		segOffsets: make(map[string][]int64),
		lastHash:   audit.GenesisHash,
		cache:      newRingCache(cfg.CacheSize),
	}

	if err := r.recover(); err != nil {
		lock.release()
		return nil, err
	}
	if r.file == nil {
		if err := r.openSegmentLocked(r.lastSeq + 1); err != nil {
			lock.release()
			return nil, err
		}
	}

	return r, nil
}

// Append seals and writes a single entry. Writes are serialised; after
// a nil return the line has been handed to the OS, and the segment is
// synced at rotation and Flush points.
func (r *FileRecorder) Append(ctx context.Context, e *audit.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("recorder closed")
	}

	r.scrubLocked(e)

	e.Seq = r.lastSeq + 1
	if err := e.Seal(r.lastHash); err != nil {
		return fmt.Errorf("seal entry %d: %w", e.Seq, err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry %d: %w", e.Seq, err)
	}

	offset := r.segSize
	line := append(data, '\n')
	n, err := r.file.Write(line)
	if err != nil {
		return fmt.Errorf("write entry %d: %w", e.Seq, err)
	}
	r.segSize += int64(n)
	r.segOffsets[e.AgentID] = append(r.segOffsets[e.AgentID], offset)

	r.lastSeq = e.Seq
	r.lastHash = e.EntryHash
	r.cache.add(*e)

	if r.segSize >= r.maxSegment {
		if err := r.rotateLocked(); err != nil {
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	return nil
}

// scrubLocked redacts sensitive values from the caller-facing fields.
// ArgsDigest is left untouched: it is the pre-redaction digest.
func (r *FileRecorder) scrubLocked(e *audit.Entry) {
	e.Reason, _ = r.scrubber.Redact(e.Reason)
	for k, v := range e.Details {
		if s, ok := v.(string); ok {
			e.Details[k], _ = r.scrubber.Redact(s)
		}
	}
}

// Flush syncs the open segment to disk.
func (r *FileRecorder) Flush(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}

// Close flushes, seals nothing (the open segment stays open-named for
// the next boot), and releases the directory lock.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var err error
	if r.file != nil {
		_ = r.file.Sync()
		err = r.file.Close()
		r.file = nil
	}
	if r.lock != nil {
		r.lock.release()
		r.lock = nil
	}
	return err
}

// Recent returns the last n entries, newest first.
func (r *FileRecorder) Recent(n int) []audit.Entry {
	return r.cache.recent(n, "")
}

// RecentByAgent returns the last n entries for agentID, newest first.
func (r *FileRecorder) RecentByAgent(agentID string, n int) []audit.Entry {
	return r.cache.recent(n, agentID)
}

// LastSeq returns the sequence number of the most recent entry.
func (r *FileRecorder) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// openSegmentLocked opens the segment whose first entry will be startSeq.
func (r *FileRecorder) openSegmentLocked(startSeq uint64) error {
	name := fmt.Sprintf("audit-%d%s", startSeq, openSegmentSuffix)
	path := filepath.Join(r.dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat segment %s: %w", name, err)
	}

	r.file = f
	r.segStart = startSeq
	r.segSize = info.Size()
	return nil
}

// rotateLocked syncs and seals the open segment, appends its index
// record, and opens a fresh segment.
func (r *FileRecorder) rotateLocked() error {
	if err := r.file.Sync(); err != nil {
		return err
	}
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil

	openName := fmt.Sprintf("audit-%d%s", r.segStart, openSegmentSuffix)
	sealedName := fmt.Sprintf("audit-%d-%d.log", r.segStart, r.lastSeq)
	if err := os.Rename(filepath.Join(r.dir, openName), filepath.Join(r.dir, sealedName)); err != nil {
		return fmt.Errorf("seal segment: %w", err)
	}

	if err := r.appendIndexLocked(sealedName); err != nil {
		return err
	}
	r.segOffsets = make(map[string][]int64)

	r.logger.Info("audit segment sealed",
		"segment", sealedName,
		"start_seq", r.segStart,
		"end_seq", r.lastSeq,
	)

	return r.openSegmentLocked(r.lastSeq + 1)
}

// appendIndexLocked writes one index line for the sealed segment and
// syncs the index file.
func (r *FileRecorder) appendIndexLocked(sealedName string) error {
	rec := indexRecord{
		Segment:  sealedName,
		StartSeq: r.segStart,
		EndSeq:   r.lastSeq,
		Agents:   r.segOffsets,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal index record: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(r.dir, indexFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return f.Sync()
}

// recover scans existing segments in order to find the last sequence
// number and chain head, and warms the cache with the newest entries.
func (r *FileRecorder) recover() error {
	segments, open, err := listSegments(r.dir)
	if err != nil {
		return err
	}

	var last *audit.Entry
	scanSegment := func(name string) error {
		entries, err := readSegment(filepath.Join(r.dir, name))
		if err != nil {
			return err
		}
		for i := range entries {
			r.cache.add(entries[i])
			last = &entries[i]
		}
		return nil
	}

	for _, seg := range segments {
		if err := scanSegment(seg.name); err != nil {
			return err
		}
	}
	if open != "" {
		if err := scanSegment(open); err != nil {
			return err
		}
		if last != nil {
			r.lastSeq = last.Seq
			r.lastHash = last.EntryHash
		}
		// Resume the open segment rather than abandoning it.
		m := openPattern.FindStringSubmatch(open)
		start, _ := strconv.ParseUint(m[1], 10, 64)
		if err := r.rebuildOffsets(open, start); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(r.dir, open), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("reopen segment %s: %w", open, err)
		}
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("stat segment %s: %w", open, err)
		}
		r.file = f
		r.segSize = info.Size()
		return nil
	}

	if last != nil {
		r.lastSeq = last.Seq
		r.lastHash = last.EntryHash
	}
	return nil
}

// rebuildOffsets re-reads the open segment to restore segOffsets and
// segStart after a restart.
func (r *FileRecorder) rebuildOffsets(name string, start uint64) error {
	path := filepath.Join(r.dir, name)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r.segStart = start
	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var e audit.Entry
		if err := json.Unmarshal(line, &e); err == nil {
			r.segOffsets[e.AgentID] = append(r.segOffsets[e.AgentID], offset)
		}
		offset += int64(len(line)) + 1
	}
	return scanner.Err()
}

// segmentInfo identifies a sealed segment by its sequence range.
type segmentInfo struct {
	name     string
	startSeq uint64
}

// listSegments returns sealed segments in sequence order plus the open
// segment name (empty if none).
func listSegments(dir string) ([]segmentInfo, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("read recorder directory: %w", err)
	}

	var segments []segmentInfo
	var open string
	for _, e := range entries {
		if m := sealedPattern.FindStringSubmatch(e.Name()); m != nil {
			start, err := strconv.ParseUint(m[1], 10, 64)
			if err != nil {
				continue
			}
			segments = append(segments, segmentInfo{name: e.Name(), startSeq: start})
		} else if openPattern.MatchString(e.Name()) {
			open = e.Name()
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].startSeq < segments[j].startSeq })
	return segments, open, nil
}

// readSegment parses every entry in a segment file.
func readSegment(path string) ([]audit.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []audit.Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("malformed entry in %s: %w", filepath.Base(path), err)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read segment %s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// Compile-time interface verification.
var _ audit.Recorder = (*FileRecorder)(nil)
