package policy

import (
	"sync"
	"time"
)

// QuotaTracker maintains per-agent rolling request windows and an
// in-flight counter. Counters are serialised per agent; evaluations for
// different agents never contend on the same lock.
type QuotaTracker struct {
	mu     sync.Mutex
	agents map[string]*agentCounters
	now    func() time.Time
}

type agentCounters struct {
	mu       sync.Mutex
	minute   []time.Time
	hour     []time.Time
	inflight int
}

// NewQuotaTracker creates an empty tracker.
func NewQuotaTracker() *QuotaTracker {
	return &QuotaTracker{
		agents: make(map[string]*agentCounters),
		now:    time.Now,
	}
}

func (q *QuotaTracker) counters(agentID string) *agentCounters {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.agents[agentID]
	if !ok {
		c = &agentCounters{}
		q.agents[agentID] = c
	}
	return c
}

// QuotaBreach names which limit a request would exceed.
type QuotaBreach string

const (
	// BreachNone means the request fits the quota.
	BreachNone QuotaBreach = ""
	// BreachPerMinute means the rolling one-minute window is full.
	BreachPerMinute QuotaBreach = "max_requests_per_minute"
	// BreachPerHour means the rolling one-hour window is full.
	BreachPerHour QuotaBreach = "max_requests_per_hour"
	// BreachConcurrent means the in-flight cap is reached.
	BreachConcurrent QuotaBreach = "max_concurrent_executions"
)

// Admit checks the quota and, when the request fits, records it in both
// windows and increments the in-flight counter. Check and admit are one
// atomic step so concurrent requests cannot both squeeze through the
// last slot.
func (q *QuotaTracker) Admit(agentID string, quota ResourceQuota) QuotaBreach {
	c := q.counters(agentID)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := q.now()
	c.minute = pruneWindow(c.minute, now.Add(-time.Minute))
	c.hour = pruneWindow(c.hour, now.Add(-time.Hour))

	if quota.MaxRequestsPerMinute > 0 && len(c.minute) >= quota.MaxRequestsPerMinute {
		return BreachPerMinute
	}
	if quota.MaxRequestsPerHour > 0 && len(c.hour) >= quota.MaxRequestsPerHour {
		return BreachPerHour
	}
	if quota.MaxConcurrentExecutions > 0 && c.inflight >= quota.MaxConcurrentExecutions {
		return BreachConcurrent
	}

	c.minute = append(c.minute, now)
	c.hour = append(c.hour, now)
	c.inflight++
	return BreachNone
}

// Release decrements the in-flight counter when an admitted action
// finishes. Window entries stay until they age out.
func (q *QuotaTracker) Release(agentID string) {
	c := q.counters(agentID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight > 0 {
		c.inflight--
	}
}

// Inflight reports the agent's current concurrent executions.
func (q *QuotaTracker) Inflight(agentID string) int {
	c := q.counters(agentID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

func pruneWindow(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}
