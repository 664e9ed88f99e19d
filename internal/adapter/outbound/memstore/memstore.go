// Package memstore persists memory entries as one JSON file per entry
// under memory/<agent_id>/<id>.entry.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/imran-siddique/agentos/internal/domain/memory"
)

const entrySuffix = ".entry"

// FileStore implements memory.Store on the local filesystem.
type FileStore struct {
	root string
}

var _ memory.Store = (*FileStore)(nil)

// New creates the store rooted at dir (typically <state>/memory).
func New(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("memory store root: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) agentDir(agentID string) (string, error) {
	if agentID == "" || strings.ContainsAny(agentID, `/\`) || strings.Contains(agentID, "..") {
		return "", fmt.Errorf("invalid agent id %q", agentID)
	}
	return filepath.Join(s.root, agentID), nil
}

func (s *FileStore) entryPath(agentID, id string) (string, error) {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return "", err
	}
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid entry id %q", id)
	}
	return filepath.Join(dir, id+entrySuffix), nil
}

// Put writes an entry atomically: temp file, fsync, rename.
func (s *FileStore) Put(ctx context.Context, agentID string, e *memory.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.entryPath(agentID, e.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".entry-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Get loads one entry. A missing entry is an error naming the id.
func (s *FileStore) Get(ctx context.Context, agentID, id string) (*memory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.entryPath(agentID, id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("memory entry %s not found for agent %s", id, agentID)
		}
		return nil, err
	}
	var e memory.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return &e, nil
}

// List returns all entries for an agent, oldest first. An agent with
// no directory has no entries.
func (s *FileStore) List(ctx context.Context, agentID string) ([]*memory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.agentDir(agentID)
	if err != nil {
		return nil, err
	}
	names, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*memory.Entry
	for _, de := range names {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entrySuffix) {
			continue
		}
		id := strings.TrimSuffix(de.Name(), entrySuffix)
		e, err := s.Get(ctx, agentID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WrittenAt.Before(out[j].WrittenAt) })
	return out, nil
}
