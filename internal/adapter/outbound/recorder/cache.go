package recorder

import (
	"sync"

	"github.com/imran-siddique/agentos/internal/domain/audit"
)

// ringCache is a fixed-size ring buffer of recent audit entries for
// fast Recent queries without touching disk.
type ringCache struct {
	mu      sync.RWMutex
	entries []audit.Entry
	size    int
	head    int
	count   int
}

func newRingCache(size int) *ringCache {
	if size <= 0 {
		size = 1000
	}
	return &ringCache{entries: make([]audit.Entry, size), size: size}
}

// add stores an entry, overwriting the oldest if full.
func (c *ringCache) add(e audit.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.head] = e
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// recent returns up to n entries newest first, filtered by agentID when
// it is non-empty.
func (c *ringCache) recent(n int, agentID string) []audit.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 || c.count == 0 {
		return nil
	}

	out := make([]audit.Entry, 0, n)
	for i := 0; i < c.count && len(out) < n; i++ {
		idx := (c.head - 1 - i + c.size) % c.size
		e := c.entries[idx]
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		out = append(out, e)
	}
	return out
}
