package service

import (
	"sync"

	"github.com/imran-siddique/agentos/internal/domain/policy"
)

// decisionCache is a bounded LRU over pre-quota policy decisions.
// Both Get and Put mutate recency order, so a plain mutex guards it.
type decisionCache struct {
	mu      sync.Mutex
	entries map[uint64]*cacheNode
	head    *cacheNode
	tail    *cacheNode
	maxSize int
}

type cacheNode struct {
	key      uint64
	decision policy.Decision
	prev     *cacheNode
	next     *cacheNode
}

func newDecisionCache(maxSize int) *decisionCache {
	return &decisionCache{
		entries: make(map[uint64]*cacheNode, maxSize),
		maxSize: maxSize,
	}
}

func (c *decisionCache) Get(key uint64) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.entries[key]
	if !ok {
		return policy.Decision{}, false
	}
	c.promoteLocked(n)
	return n.decision, true
}

func (c *decisionCache) Put(key uint64, d policy.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.entries[key]; ok {
		n.decision = d
		c.promoteLocked(n)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	n := &cacheNode{key: key, decision: d}
	c.entries[key] = n
	c.pushLocked(n)
}

// Clear drops everything. Called on table reload so stale decisions
// never outlive the snapshot that produced them.
func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*cacheNode, c.maxSize)
	c.head = nil
	c.tail = nil
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *decisionCache) promoteLocked(n *cacheNode) {
	if c.head == n {
		return
	}
	c.unlinkLocked(n)
	c.pushLocked(n)
}

func (c *decisionCache) pushLocked(n *cacheNode) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *decisionCache) unlinkLocked(n *cacheNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}

func (c *decisionCache) evictLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}
