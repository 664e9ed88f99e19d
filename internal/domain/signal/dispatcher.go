package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/imran-siddique/agentos/internal/domain/audit"
)

// defaultQueueCap bounds the deferred-signal queue per agent. Senders
// block (up to their context deadline) when the queue is full.
const defaultQueueCap = 256

// Dispatcher routes signals to agents, enforces mask semantics, and
// records every delivery and state transition to the flight recorder.
type Dispatcher struct {
	recorder audit.Recorder
	logger   *slog.Logger

	mu     sync.Mutex
	agents map[string]*agentBox
}

// agentBox holds per-agent signal state. All fields are guarded by the
// dispatcher mutex; handlers run while it is held, which serialises
// delivery per the handler contract.
type agentBox struct {
	state    State
	masked   map[Kind]bool
	queue    []Signal // deferred maskable signals, FIFO
	handlers map[Kind]Handler
	space    chan struct{} // queue capacity tokens
}

// NewDispatcher creates a Dispatcher backed by the given recorder.
func NewDispatcher(rec audit.Recorder, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		recorder: rec,
		logger:   logger,
		agents:   make(map[string]*agentBox),
	}
}

// Register creates lifecycle state for an agent in RUNNING.
// Registering an existing agent is a no-op.
func (d *Dispatcher) Register(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boxLocked(agentID)
}

func (d *Dispatcher) boxLocked(agentID string) *agentBox {
	box, ok := d.agents[agentID]
	if !ok {
		box = &agentBox{
			state:    StateRunning,
			masked:   make(map[Kind]bool),
			handlers: make(map[Kind]Handler),
			space:    make(chan struct{}, defaultQueueCap),
		}
		d.agents[agentID] = box
	}
	return box
}

// State returns the agent's current lifecycle state. Unknown agents
// report RUNNING, matching Register's default.
func (d *Dispatcher) State(agentID string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if box, ok := d.agents[agentID]; ok {
		return box.state
	}
	return StateRunning
}

// Handle installs a handler for a maskable signal. Installing a handler
// for SIGKILL, SIGPOLICY, or SIGTRUST returns an error: unmaskable
// signals cannot be intercepted.
func (d *Dispatcher) Handle(agentID string, kind Kind, h Handler) error {
	if !kind.Maskable() {
		return fmt.Errorf("%s cannot be handled", kind)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boxLocked(agentID).handlers[kind] = h
	return nil
}

// Mask begins a mask scope: maskable signals in kinds are queued until
// the returned unmask function runs. SIGKILL, SIGPOLICY, and SIGTRUST
// are never masked regardless of the set.
func (d *Dispatcher) Mask(agentID string, kinds ...Kind) (unmask func()) {
	d.mu.Lock()
	box := d.boxLocked(agentID)
	for _, k := range kinds {
		if k.Maskable() {
			box.masked[k] = true
		}
	}
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			for _, k := range kinds {
				delete(box.masked, k)
			}
			d.drainLocked(agentID, box)
			d.mu.Unlock()
		})
	}
}

// Send delivers a signal to an agent. Unmaskable signals are delivered
// synchronously ahead of anything queued. Maskable signals are either
// delivered immediately, or queued when masked or when the agent is
// stopped (SIGCONT and SIGKILL-class still get through). A full queue
// blocks the sender until space frees or ctx expires.
func (d *Dispatcher) Send(ctx context.Context, agentID string, sig Signal) error {
	d.mu.Lock()
	box := d.boxLocked(agentID)

	if box.state == StateTerminated {
		// Duplicate terminal signals after termination are logged and
		// discarded; everything else is also moot.
		d.mu.Unlock()
		d.logger.Info("signal discarded: agent terminated",
			"agent_id", agentID, "signal", sig.Kind.String())
		return nil
	}

	if !sig.Kind.Maskable() {
		err := d.deliverLocked(agentID, box, sig)
		d.mu.Unlock()
		return err
	}

	deferred := box.masked[sig.Kind] ||
		(box.state == StateStopped && sig.Kind != SIGCONT)
	if !deferred {
		err := d.deliverLocked(agentID, box, sig)
		d.mu.Unlock()
		return err
	}

	d.mu.Unlock()

	// Blocking enqueue with the caller's deadline for back-pressure.
	select {
	case box.space <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("signal queue full for %s: %w", agentID, ctx.Err())
	}

	d.mu.Lock()
	if box.state == StateTerminated {
		<-box.space
		d.mu.Unlock()
		return nil
	}
	box.queue = append(box.queue, sig)
	d.mu.Unlock()
	return nil
}

// drainLocked delivers deferred signals that are no longer masked,
// unmaskable-first within FIFO order. Called with the mutex held.
func (d *Dispatcher) drainLocked(agentID string, box *agentBox) {
	if box.state != StateRunning {
		return
	}

	remaining := box.queue[:0]
	var deliverable []Signal
	for _, sig := range box.queue {
		if box.masked[sig.Kind] {
			remaining = append(remaining, sig)
			continue
		}
		deliverable = append(deliverable, sig)
		<-box.space
	}
	box.queue = remaining

	// Unmaskable signals never sit behind maskable ones. (They are not
	// normally queued at all, but the partition keeps the invariant if
	// delivery of a drained signal re-queues others.)
	for _, sig := range deliverable {
		if !sig.Kind.Maskable() {
			_ = d.deliverLocked(agentID, box, sig)
		}
	}
	for _, sig := range deliverable {
		if sig.Kind.Maskable() && box.state == StateRunning {
			_ = d.deliverLocked(agentID, box, sig)
		}
	}
}

// deliverLocked performs actual delivery: runs the handler (maskable
// kinds only), applies the default transition, and records the event.
func (d *Dispatcher) deliverLocked(agentID string, box *agentBox, sig Signal) error {
	if sig.Kind.Maskable() {
		if h, ok := box.handlers[sig.Kind]; ok {
			d.runHandler(agentID, h, sig)
		}
	}

	from := box.state
	switch sig.Kind {
	case SIGSTOP, SIGINT:
		if box.state == StateRunning {
			box.state = StateStopped
		}
	case SIGCONT:
		if box.state == StateStopped {
			box.state = StateRunning
		}
	case SIGKILL:
		box.state = StateTerminated
	case SIGTERM:
		_ = d.recorder.Flush(context.Background())
		box.state = StateTerminated
	case SIGPOLICY, SIGTRUST:
		// Breach signals escalate to SIGKILL immediately.
		box.state = StateTerminated
	case SIGBUDGET, SIGLOOP, SIGDRIFT:
		if box.state == StateRunning {
			box.state = StateStopped
		}
	case SIGUSR1, SIGUSR2:
		// Handler-definable; no default transition.
	}

	d.recordLocked(agentID, sig, from, box.state)

	if box.state == StateRunning {
		d.drainLocked(agentID, box)
	}
	return nil
}

// runHandler invokes h, converting panics into logged errors so a bad
// handler cannot take down the dispatcher.
func (d *Dispatcher) runHandler(agentID string, h Handler, sig Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("signal handler panicked",
				"agent_id", agentID, "signal", sig.Kind.String(), "panic", rec)
		}
	}()
	if err := h(sig); err != nil {
		d.logger.Warn("signal handler error",
			"agent_id", agentID, "signal", sig.Kind.String(), "error", err)
	}
}

// recordLocked writes the delivery (and any transition) to the recorder.
func (d *Dispatcher) recordLocked(agentID string, sig Signal, from, to State) {
	e := audit.NewEntry(agentID, audit.EventSignalDelivered)
	e.Signals = []string{sig.Kind.String()}
	e.Details = map[string]interface{}{
		"source": sig.Source,
		"from":   string(from),
		"to":     string(to),
	}
	if from != to {
		e.EventType = audit.EventStateTransition
	}
	if err := d.recorder.Append(context.Background(), e); err != nil {
		d.logger.Error("failed to record signal delivery",
			"agent_id", agentID, "signal", sig.Kind.String(), "error", err)
	}
}

// Escalate is shorthand for sending a breach signal: severity HIGH
// policy violations send SIGPOLICY, trust breaches send SIGTRUST.
// Both terminate the agent synchronously.
func (d *Dispatcher) Escalate(ctx context.Context, agentID string, kind Kind, source string) error {
	if kind != SIGPOLICY && kind != SIGTRUST {
		return fmt.Errorf("escalate accepts SIGPOLICY or SIGTRUST, got %s", kind)
	}
	return d.Send(ctx, agentID, New(kind, source))
}
