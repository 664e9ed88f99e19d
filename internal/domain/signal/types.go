// Package signal implements the agent lifecycle signal subsystem:
// POSIX-style signals with maskable and unmaskable semantics, per-agent
// FIFO delivery with two priority classes, and the
// RUNNING/STOPPED/TERMINATED state machine.
package signal

import "time"

// Kind identifies a lifecycle signal.
type Kind int

const (
	// SIGSTOP suspends the agent. Queued signals are retained.
	SIGSTOP Kind = iota + 1
	// SIGCONT resumes a stopped agent. No-op if already running.
	SIGCONT
	// SIGINT requests a graceful stop after the in-flight action completes.
	SIGINT
	// SIGKILL terminates the agent. Cannot be caught, masked, or delayed.
	SIGKILL
	// SIGTERM requests graceful termination; the recorder is flushed first.
	SIGTERM
	// SIGUSR1 enters diagnostic mode; handler-definable.
	SIGUSR1
	// SIGUSR2 triggers a snapshot/checkpoint.
	SIGUSR2
	// SIGPOLICY marks a policy breach; escalates to SIGKILL immediately.
	SIGPOLICY
	// SIGTRUST marks a trust boundary breach; escalates to SIGKILL.
	SIGTRUST
	// SIGBUDGET marks a resource budget overrun; default handler stops the agent.
	SIGBUDGET
	// SIGLOOP marks an infinite-loop detection; default handler stops the agent.
	SIGLOOP
	// SIGDRIFT marks goal drift; default handler stops the agent.
	SIGDRIFT
)

var kindNames = map[Kind]string{
	SIGSTOP:   "SIGSTOP",
	SIGCONT:   "SIGCONT",
	SIGINT:    "SIGINT",
	SIGKILL:   "SIGKILL",
	SIGTERM:   "SIGTERM",
	SIGUSR1:   "SIGUSR1",
	SIGUSR2:   "SIGUSR2",
	SIGPOLICY: "SIGPOLICY",
	SIGTRUST:  "SIGTRUST",
	SIGBUDGET: "SIGBUDGET",
	SIGLOOP:   "SIGLOOP",
	SIGDRIFT:  "SIGDRIFT",
}

// String returns the signal name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "SIGUNKNOWN"
}

// Maskable reports whether the signal can be masked or handled.
// SIGKILL, SIGPOLICY, and SIGTRUST cannot.
func (k Kind) Maskable() bool {
	switch k {
	case SIGKILL, SIGPOLICY, SIGTRUST:
		return false
	}
	return true
}

// Terminal reports whether delivery of the signal terminates the agent.
func (k Kind) Terminal() bool {
	switch k {
	case SIGKILL, SIGTERM, SIGPOLICY, SIGTRUST:
		return true
	}
	return false
}

// Signal is one lifecycle control message.
type Signal struct {
	// Kind identifies the signal.
	Kind Kind
	// Source names the subsystem or actor that sent it.
	Source string
	// TS is when the signal was created.
	TS time.Time
	// Payload carries optional signal-specific data.
	Payload map[string]interface{}
}

// New builds a signal stamped with the current UTC time.
func New(kind Kind, source string) Signal {
	return Signal{Kind: kind, Source: source, TS: time.Now().UTC()}
}

// State is the agent lifecycle state.
type State string

const (
	// StateRunning means the agent may execute actions.
	StateRunning State = "running"
	// StateStopped means the agent is suspended; queued signals are retained.
	StateStopped State = "stopped"
	// StateTerminated is absorbing; no further transitions occur.
	StateTerminated State = "terminated"
)

// Handler runs synchronously on the dispatcher goroutine when its
// signal is delivered. Panics from maskable-signal handlers are caught
// and logged; the agent continues.
type Handler func(sig Signal) error
