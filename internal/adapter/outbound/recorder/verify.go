package recorder

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/imran-siddique/agentos/internal/domain/audit"
)

// VerifyIntegrity re-reads every segment in sequence order and checks
// the hash chain: each entry's PrevHash must equal the previous entry's
// EntryHash (GenesisHash for the first), and each EntryHash must
// recompute. The report carries the 0-based index of the first break.
func (r *FileRecorder) VerifyIntegrity(ctx context.Context) (audit.IntegrityReport, error) {
	r.mu.Lock()
	if r.file != nil {
		_ = r.file.Sync()
	}
	dir := r.dir
	r.mu.Unlock()

	segments, open, err := listSegments(dir)
	if err != nil {
		return audit.IntegrityReport{}, err
	}

	names := make([]string, 0, len(segments)+1)
	for _, s := range segments {
		names = append(names, s.name)
	}
	if open != "" {
		names = append(names, open)
	}

	prev := audit.GenesisHash
	var lastSeq uint64
	idx := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return audit.IntegrityReport{}, err
		}
		entries, err := readSegment(filepath.Join(dir, name))
		if err != nil {
			return audit.IntegrityReport{
				OK: false, FirstBreak: idx, Entries: idx,
				Reason: fmt.Sprintf("unreadable segment %s", name),
			}, nil
		}
		for i := range entries {
			e := &entries[i]
			if e.PrevHash != prev {
				return audit.IntegrityReport{
					OK: false, FirstBreak: idx, Entries: idx,
					Reason: fmt.Sprintf("prev_hash mismatch at seq %d", e.Seq),
				}, nil
			}
			if !e.VerifyHash() {
				return audit.IntegrityReport{
					OK: false, FirstBreak: idx, Entries: idx,
					Reason: fmt.Sprintf("entry_hash mismatch at seq %d", e.Seq),
				}, nil
			}
			if lastSeq != 0 && e.Seq != lastSeq+1 {
				return audit.IntegrityReport{
					OK: false, FirstBreak: idx, Entries: idx,
					Reason: fmt.Sprintf("sequence gap: %d after %d", e.Seq, lastSeq),
				}, nil
			}
			prev = e.EntryHash
			lastSeq = e.Seq
			idx++
		}
	}

	return audit.IntegrityReport{OK: true, FirstBreak: -1, Entries: idx}, nil
}
