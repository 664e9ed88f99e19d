// Package action defines the primitive types shared by every kernel
// subsystem: action categories, severities, decision effects, and the
// ExecutionRequest that represents a single governed agent action.
package action

import (
	"time"

	"github.com/google/uuid"
)

// ActionType categorizes the kind of action an agent is attempting.
type ActionType string

const (
	// ActionFileRead represents a read of a file or directory.
	ActionFileRead ActionType = "file_read"
	// ActionFileWrite represents a file create/update/delete.
	ActionFileWrite ActionType = "file_write"
	// ActionCodeExecution represents dynamically executed code.
	ActionCodeExecution ActionType = "code_execution"
	// ActionAPICall represents an outbound HTTP/RPC call.
	ActionAPICall ActionType = "api_call"
	// ActionDatabaseQuery represents a read-only database query.
	ActionDatabaseQuery ActionType = "database_query"
	// ActionDatabaseWrite represents a mutating database statement.
	ActionDatabaseWrite ActionType = "database_write"
	// ActionWorkflowTrigger represents kicking off a downstream workflow.
	ActionWorkflowTrigger ActionType = "workflow_trigger"
	// ActionToolCallGeneric represents any tool invocation not covered above.
	ActionToolCallGeneric ActionType = "tool_call_generic"
)

// String returns the string representation of the ActionType.
func (t ActionType) String() string { return string(t) }

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionFileRead, ActionFileWrite, ActionCodeExecution, ActionAPICall,
		ActionDatabaseQuery, ActionDatabaseWrite, ActionWorkflowTrigger, ActionToolCallGeneric:
		return true
	}
	return false
}

// Severity grades how serious a policy or subsystem event is.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityHigh     Severity = "high"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// rank orders severities for comparison.
func (s Severity) rank() int {
	switch s {
	case SeverityDebug:
		return 0
	case SeverityInfo:
		return 1
	case SeverityWarn:
		return 2
	case SeverityHigh:
		return 3
	case SeverityError:
		return 4
	case SeverityCritical:
		return 5
	}
	return 1
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool { return s.rank() >= other.rank() }

// Effect is the outcome class a policy evaluation can produce.
type Effect string

const (
	// EffectAllow permits the action to proceed.
	EffectAllow Effect = "allow"
	// EffectDeny blocks the action.
	EffectDeny Effect = "deny"
	// EffectWarn permits the action but records a warning.
	EffectWarn Effect = "warn"
	// EffectRequireApproval blocks the action pending human approval.
	EffectRequireApproval Effect = "require_approval"
	// EffectLog permits the action and records it at elevated detail.
	EffectLog Effect = "log"
)

// String returns the string representation of the Effect.
func (e Effect) String() string { return string(e) }

// AgentIdentity identifies the actor behind an ExecutionRequest.
type AgentIdentity struct {
	// ID is the opaque, stable identifier for the agent.
	ID string
	// Role is the coarse authority label used for policy table lookups.
	Role string
	// PublicKey is the optional long-lived identity key, hex encoded.
	PublicKey string
}

// ExecutionRequest is the immutable record of a single action an agent
// asks the kernel to execute. It is built once at the interception point
// and never mutated afterwards.
type ExecutionRequest struct {
	// ID uniquely identifies this request.
	ID string
	// Agent identifies who is asking.
	Agent AgentIdentity
	// Type categorizes the action.
	Type ActionType
	// ToolName is the tool being invoked.
	ToolName string
	// Arguments are the tool call parameters.
	Arguments map[string]interface{}
	// Context carries ambient attributes (user_verified, environment, ...)
	// available to condition evaluation alongside the arguments.
	Context map[string]interface{}
	// CreatedAt is when the request was submitted.
	CreatedAt time.Time
}

// NewExecutionRequest builds an ExecutionRequest with a fresh UUID and
// the current UTC timestamp.
func NewExecutionRequest(agent AgentIdentity, t ActionType, tool string, args, ctx map[string]interface{}) ExecutionRequest {
	return ExecutionRequest{
		ID:        uuid.NewString(),
		Agent:     agent,
		Type:      t,
		ToolName:  tool,
		Arguments: args,
		Context:   ctx,
		CreatedAt: time.Now().UTC(),
	}
}
