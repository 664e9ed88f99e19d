// Package policy contains the domain types and pure evaluation logic
// for action-level governance: rules, attribute conditions, conditional
// permissions, resource quotas, and risk policies.
package policy

import (
	"time"

	"github.com/imran-siddique/agentos/internal/domain/action"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq            Operator = "eq"
	OpNe            Operator = "ne"
	OpGt            Operator = "gt"
	OpLt            Operator = "lt"
	OpGte           Operator = "gte"
	OpLte           Operator = "lte"
	OpIn            Operator = "in"
	OpNotIn         Operator = "not_in"
	OpContains      Operator = "contains"
	OpStartsWith    Operator = "starts_with"
	OpNotStartsWith Operator = "not_starts_with"
	OpNotContains   Operator = "not_contains"
	OpMatches       Operator = "matches"
)

// Valid reports whether the operator is known.
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpIn, OpNotIn,
		OpContains, OpStartsWith, OpNotStartsWith, OpNotContains, OpMatches:
		return true
	}
	return false
}

// Condition is a predicate tree. A leaf compares one attribute against
// a literal; interior nodes combine children with All (AND), Any (OR),
// or Not. Exactly one of the leaf fields or one combinator slice is set.
type Condition struct {
	// AttributePath is a dot path over args.*, context.*, agent.*.
	AttributePath string `yaml:"attribute_path,omitempty" json:"attribute_path,omitempty"`
	// Operator is the leaf comparison operator.
	Operator Operator `yaml:"operator,omitempty" json:"operator,omitempty"`
	// Value is the literal to compare against.
	Value interface{} `yaml:"value,omitempty" json:"value,omitempty"`

	// All is satisfied when every child is.
	All []Condition `yaml:"all,omitempty" json:"all,omitempty"`
	// Any is satisfied when at least one child is.
	Any []Condition `yaml:"any,omitempty" json:"any,omitempty"`
	// Not inverts its child.
	Not *Condition `yaml:"not,omitempty" json:"not,omitempty"`
}

// Rule is one cross-cutting policy rule.
type Rule struct {
	// RuleID is the unique identifier for this rule.
	RuleID string `yaml:"rule_id" json:"rule_id"`
	// Name is a human-readable name.
	Name string `yaml:"name" json:"name"`
	// Description provides additional context.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// AppliesTo restricts the rule to these action types; empty = all.
	AppliesTo []action.ActionType `yaml:"action_types,omitempty" json:"action_types,omitempty"`
	// Predicate must be satisfied for the rule to match.
	Predicate Condition `yaml:"predicate" json:"predicate"`
	// CEL is an optional expression evaluated alongside the predicate.
	// Both must hold when set.
	CEL string `yaml:"cel,omitempty" json:"cel,omitempty"`
	// Effect is the outcome when the rule matches.
	Effect action.Effect `yaml:"effect" json:"effect"`
	// Priority orders evaluation; higher evaluates first. Equal
	// priorities resolve by insertion order.
	Priority int `yaml:"priority" json:"priority"`
}

// ConditionalPermission is a targeted override inside a role's
// allow-list: the named tool is permitted only under these conditions.
type ConditionalPermission struct {
	// ToolName is the tool this permission governs.
	ToolName string `yaml:"tool_name" json:"tool_name"`
	// Conditions are evaluated against the request context.
	Conditions []Condition `yaml:"conditions" json:"conditions"`
	// RequireAll selects AND semantics over Conditions; false = OR.
	RequireAll bool `yaml:"require_all" json:"require_all"`
}

// ResourceQuota bounds an agent role's request rate and concurrency.
// Zero values mean unlimited.
type ResourceQuota struct {
	// MaxRequestsPerMinute caps the rolling one-minute window.
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute,omitempty" json:"max_requests_per_minute,omitempty"`
	// MaxRequestsPerHour caps the rolling one-hour window.
	MaxRequestsPerHour int `yaml:"max_requests_per_hour,omitempty" json:"max_requests_per_hour,omitempty"`
	// MaxExecutionTimeSeconds caps a single action's runtime.
	MaxExecutionTimeSeconds int `yaml:"max_execution_time_seconds,omitempty" json:"max_execution_time_seconds,omitempty"`
	// MaxConcurrentExecutions caps in-flight actions.
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions,omitempty" json:"max_concurrent_executions,omitempty"`
	// AllowedActionTypes restricts the role to these types; empty = all.
	AllowedActionTypes []action.ActionType `yaml:"allowed_action_types,omitempty" json:"allowed_action_types,omitempty"`
}

// RiskPolicy sets risk-score thresholds and domain lists.
type RiskPolicy struct {
	// MaxRiskScore is the policy's nominal ceiling in [0,1].
	MaxRiskScore float64 `yaml:"max_risk_score" json:"max_risk_score"`
	// RequireApprovalAbove escalates scores at or above it to approval.
	RequireApprovalAbove float64 `yaml:"require_approval_above" json:"require_approval_above"`
	// DenyAbove denies scores at or above it.
	DenyAbove float64 `yaml:"deny_above" json:"deny_above"`
	// HighRiskPatterns are regexes that add weight when they hit.
	HighRiskPatterns []string `yaml:"high_risk_patterns,omitempty" json:"high_risk_patterns,omitempty"`
	// AllowedDomains whitelists api_call destinations.
	AllowedDomains []string `yaml:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
	// BlockedDomains blacklists api_call destinations.
	BlockedDomains []string `yaml:"blocked_domains,omitempty" json:"blocked_domains,omitempty"`
}

// Tables is the full configuration surface of the engine, keyed by
// agent role (and policy name for risk). Owned by the engine; swapped
// atomically on reload. The yaml tags are the policy document's
// published key names.
type Tables struct {
	// Version is the policy document schema version.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	// AllowList maps role to the set of tools it may call. A role with
	// an entry is default-deny outside the set.
	AllowList map[string][]string `yaml:"agent_constraints,omitempty" json:"agent_constraints,omitempty"`
	// ConditionalPermissions maps role to targeted overrides.
	ConditionalPermissions map[string][]ConditionalPermission `yaml:"conditional_permissions,omitempty" json:"conditional_permissions,omitempty"`
	// Quotas maps role to its resource quota.
	Quotas map[string]ResourceQuota `yaml:"quotas,omitempty" json:"quotas,omitempty"`
	// RiskPolicies maps policy name to thresholds.
	RiskPolicies map[string]RiskPolicy `yaml:"risk_policies,omitempty" json:"risk_policies,omitempty"`
	// Rules are the cross-cutting rules, in insertion order.
	Rules []Rule `yaml:"custom_rules,omitempty" json:"custom_rules,omitempty"`
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	// Allowed is true when the action may proceed.
	Allowed bool `json:"allowed"`
	// Effect is the effect that produced the decision.
	Effect action.Effect `json:"effect"`
	// MatchedRule is the rule_id or permission that decided, if any.
	MatchedRule string `json:"matched_rule,omitempty"`
	// Reason explains the decision.
	Reason string `json:"reason"`
	// RateLimited is true when a quota produced the denial.
	RateLimited bool `json:"rate_limited,omitempty"`
	// RequiredApproval is true when the effect is require_approval.
	RequiredApproval bool `json:"required_approval,omitempty"`
	// RiskScore is the computed score in [0,1].
	RiskScore float64 `json:"risk_score"`
	// EvaluationMS is wall time spent evaluating.
	EvaluationMS float64 `json:"evaluation_ms"`
}

// Deny builds a denial decision.
func Deny(reason, matchedRule string) Decision {
	return Decision{Allowed: false, Effect: action.EffectDeny, Reason: reason, MatchedRule: matchedRule}
}

// Allow builds an allow decision.
func Allow(reason, matchedRule string) Decision {
	return Decision{Allowed: true, Effect: action.EffectAllow, Reason: reason, MatchedRule: matchedRule}
}

// EvaluationContext is the attribute universe a condition resolves
// against: args.*, context.*, and agent.* namespaces.
type EvaluationContext struct {
	root Value
}

// NewEvaluationContext builds the attribute universe for one request.
func NewEvaluationContext(req *action.ExecutionRequest) EvaluationContext {
	root := map[string]Value{
		"args":    FromMap(req.Arguments),
		"context": FromMap(req.Context),
		"agent": FromMap(map[string]interface{}{
			"id":   req.Agent.ID,
			"role": req.Agent.Role,
		}),
	}
	return EvaluationContext{root: Value{kind: KindMap, m: root}}
}

// Resolve looks up a dot path in the context.
func (c EvaluationContext) Resolve(path string) (Value, error) {
	return c.root.Resolve(path)
}

// clampScore keeps a risk score inside [0,1].
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// regexBudget caps a single pattern evaluation. Evaluations past the
// budget count as NOT MATCHED and surface a regex_timeout audit event.
const regexBudget = 5 * time.Millisecond
