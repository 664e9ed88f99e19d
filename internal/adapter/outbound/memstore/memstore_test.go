package memstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imran-siddique/agentos/internal/domain/memory"
)

func entry(id, content string, at time.Time) *memory.Entry {
	return &memory.Entry{
		ID:          id,
		Content:     content,
		Source:      "user",
		WrittenAt:   at,
		ContentHash: memory.HashContent(content),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	s, err := New(filepath.Join(t.TempDir(), "memory"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	want := entry("e-1", "prefers window seats", time.Now().UTC().Truncate(time.Second))
	if err := s.Put(ctx, "agent-1", want); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := s.Get(ctx, "agent-1", "e-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Content != want.Content || got.ContentHash != want.ContentHash || !got.WrittenAt.Equal(want.WrittenAt) {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestEntryFileLayout(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "memory")
	s, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "agent-1", entry("e-1", "x", time.Now())); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(root, "agent-1", "e-1.entry")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("entry file missing: %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(context.Background(), "agent-1", "nope"); err == nil {
		t.Error("missing entry must error")
	}
}

func TestListOrdersByWriteTime(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	base := time.Now().UTC()

	// Written out of order on purpose.
	for _, e := range []*memory.Entry{
		entry("b", "second", base.Add(time.Minute)),
		entry("a", "first", base),
		entry("c", "third", base.Add(2*time.Minute)),
	} {
		if err := s.Put(ctx, "agent-1", e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List(ctx, "agent-1")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("List() order = %v", ids)
	}
}

func TestListUnknownAgent(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.List(context.Background(), "ghost")
	if err != nil || got != nil {
		t.Errorf("List() = %v, %v", got, err)
	}
}

func TestRejectsPathEscapes(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "../evil", entry("e", "x", time.Now())); err == nil {
		t.Error("agent id with path traversal must be rejected")
	}
	if _, err := s.Get(ctx, "agent-1", "../../etc/passwd"); err == nil {
		t.Error("entry id with path traversal must be rejected")
	}
}
