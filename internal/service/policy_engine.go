// Package service contains the application services that tie the
// domain engines to the adapters: policy evaluation, the kernel
// intercept pipeline, and sandbox/memory orchestration.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	celeval "github.com/imran-siddique/agentos/internal/adapter/outbound/cel"
	"github.com/imran-siddique/agentos/internal/domain/action"
	"github.com/imran-siddique/agentos/internal/domain/audit"
	"github.com/imran-siddique/agentos/internal/domain/policy"
	"github.com/imran-siddique/agentos/internal/kernelerr"
	"github.com/imran-siddique/agentos/internal/metrics"
)

// evalBudget is the hard ceiling on one policy evaluation. Blowing it
// is a DENY, not a best-effort answer.
const evalBudget = 25 * time.Millisecond

// defaultCacheSize bounds the decision cache.
const defaultCacheSize = 1000

// compiledRule pairs a rule with its compiled CEL program, when the
// rule carries an expression.
type compiledRule struct {
	rule policy.Rule
	prg  cel.Program
}

// tablesSnapshot is the immutable view stored in atomic.Value. Reload
// builds a new one and swaps; readers never lock.
type tablesSnapshot struct {
	tables policy.Tables
	// rules sorted by priority descending; equal priorities keep
	// insertion order.
	rules []compiledRule
}

// PolicyEngine evaluates ExecutionRequests against the policy tables.
// Evaluation is fail-closed and audited.
type PolicyEngine struct {
	recorder audit.Recorder
	quotas   *policy.QuotaTracker
	cel      *celeval.Evaluator
	metrics  *metrics.Metrics
	logger   *slog.Logger

	snapshot atomic.Value // *tablesSnapshot
	mu       sync.Mutex   // serialises Reload
	cache    *decisionCache
	budget   time.Duration
}

// NewPolicyEngine builds an engine with the given tables. Rules with
// CEL expressions are compiled up front; a rule that fails to compile
// fails the whole load.
func NewPolicyEngine(tables policy.Tables, rec audit.Recorder, m *metrics.Metrics, logger *slog.Logger) (*PolicyEngine, error) {
	ev, err := celeval.NewEvaluator()
	if err != nil {
		return nil, err
	}
	e := &PolicyEngine{
		recorder: rec,
		quotas:   policy.NewQuotaTracker(),
		cel:      ev,
		metrics:  m,
		logger:   logger,
		cache:    newDecisionCache(defaultCacheSize),
		budget:   evalBudget,
	}
	if err := e.Reload(tables); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload validates and swaps in a new table set, then clears the
// decision cache. Safe to call concurrently with evaluations.
func (e *PolicyEngine) Reload(tables policy.Tables) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.compile(tables)
	if err != nil {
		return kernelerr.Wrap(kernelerr.KindConfig, action.SeverityError, "policy reload rejected", err)
	}
	e.snapshot.Store(snap)
	e.cache.Clear()
	e.logger.Info("policy tables loaded",
		"rules", len(snap.rules),
		"roles_with_allow_list", len(tables.AllowList),
		"quota_roles", len(tables.Quotas))
	return nil
}

func (e *PolicyEngine) compile(tables policy.Tables) (*tablesSnapshot, error) {
	seen := make(map[string]bool, len(tables.Rules))
	rules := make([]compiledRule, 0, len(tables.Rules))
	for _, r := range tables.Rules {
		if r.RuleID == "" {
			return nil, fmt.Errorf("rule %q has no rule_id", r.Name)
		}
		if seen[r.RuleID] {
			return nil, fmt.Errorf("duplicate rule_id %q", r.RuleID)
		}
		seen[r.RuleID] = true
		cr := compiledRule{rule: r}
		if r.CEL != "" {
			prg, err := e.cel.Compile(r.CEL)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", r.RuleID, err)
			}
			cr.prg = prg
		}
		rules = append(rules, cr)
	}
	// Stable sort keeps insertion order for equal priorities.
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].rule.Priority > rules[j].rule.Priority
	})
	return &tablesSnapshot{tables: tables, rules: rules}, nil
}

func (e *PolicyEngine) current() *tablesSnapshot {
	return e.snapshot.Load().(*tablesSnapshot)
}

// Evaluate returns the policy decision for a request. All outcomes,
// including internal failures, are audited; internal failures DENY.
func (e *PolicyEngine) Evaluate(ctx context.Context, req *action.ExecutionRequest) policy.Decision {
	start := time.Now()
	snap := e.current()

	d, admitted, timeouts := e.evaluate(ctx, snap, req, start)
	d.EvaluationMS = float64(time.Since(start).Microseconds()) / 1000.0

	e.metrics.PolicyEvaluations.WithLabelValues(d.Effect.String()).Inc()
	e.metrics.PolicyLatency.Observe(time.Since(start).Seconds())

	for _, pattern := range timeouts {
		e.auditEvent(ctx, req, audit.EventRegexTimeout, "pattern evaluation exceeded budget: "+pattern)
	}
	if !e.auditDecision(ctx, req, &d) {
		// Flight recorder down: an unrecorded ALLOW never leaves the
		// engine. The concurrency slot admitted for it is handed back,
		// since the caller of a denied decision never calls Release.
		if d.Allowed {
			if admitted {
				e.quotas.Release(req.Agent.ID)
			}
			d = policy.Deny("audit unavailable", "")
			d.EvaluationMS = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}
	return d
}

// evaluate runs the pipeline and returns the draft decision, whether a
// concurrency slot was admitted for it, plus any regex budget overruns.
// Panics are converted to DENY.
func (e *PolicyEngine) evaluate(ctx context.Context, snap *tablesSnapshot, req *action.ExecutionRequest, start time.Time) (d policy.Decision, admitted bool, timeouts []string) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("policy evaluation panicked", "agent_id", req.Agent.ID, "panic", rec)
			d = policy.Deny("internal policy error", "")
			admitted = false
		}
	}()

	// 1. Mandatory safety screen, never skipped and never cached away.
	if v := policy.Screen(req); v != nil {
		return policy.Deny(v.Error(), v.RuleID()), false, nil
	}

	key := cacheKey(req)
	if cached, ok := e.cache.Get(key); ok {
		e.metrics.PolicyCacheHits.Inc()
		d, admitted = e.applyQuota(snap, req, cached)
		return d, admitted, nil
	}

	d, timeouts, err := e.evaluateTables(ctx, snap, req, start)
	if err != nil {
		e.logger.Error("policy evaluation failed", "agent_id", req.Agent.ID, "error", err)
		return policy.Deny("internal policy error", ""), false, timeouts
	}
	if e.overBudget(start) {
		return policy.Deny("policy timeout", ""), false, timeouts
	}

	// Quota is stateful and runs on every request; everything above it
	// is deterministic for a given snapshot and safe to cache.
	e.cache.Put(key, d)
	d, admitted = e.applyQuota(snap, req, d)
	return d, admitted, timeouts
}

func (e *PolicyEngine) evaluateTables(ctx context.Context, snap *tablesSnapshot, req *action.ExecutionRequest, start time.Time) (policy.Decision, []string, error) {
	var timeouts []string
	ec := policy.NewEvaluationContext(req)
	role := req.Agent.Role

	// 2. Allow-list: a role with a list is default-deny outside it.
	if tools, ok := snap.tables.AllowList[role]; ok {
		if !containsString(tools, req.ToolName) {
			return policy.Deny("tool not permitted", ""), timeouts, nil
		}
	}

	// 3. Conditional permissions override the rule set for their tool:
	// a satisfied permission is the draft ALLOW, an unsatisfied one is
	// a hard DENY.
	draft := policy.Decision{}
	haveDraft := false
	if perms := matchingPermissions(snap.tables.ConditionalPermissions[role], req.ToolName); len(perms) > 0 {
		matchedAny := false
		for _, p := range perms {
			res, err := policy.EvaluateSet(p.Conditions, p.RequireAll, ec)
			if err != nil {
				return policy.Decision{}, timeouts, err
			}
			timeouts = append(timeouts, res.RegexTimeouts...)
			if res.Matched {
				matchedAny = true
				break
			}
		}
		if !matchedAny {
			return policy.Deny("conditional permission not satisfied", "conditional:"+req.ToolName), timeouts, nil
		}
		draft = policy.Allow("conditional permission satisfied", "conditional:"+req.ToolName)
		haveDraft = true
	}
	if e.overBudget(start) {
		return policy.Deny("policy timeout", ""), timeouts, nil
	}

	// 4. Cross-cutting rules, highest priority first; first match is
	// the draft decision. Skipped when a conditional permission
	// already decided.
	if !haveDraft {
		draft = policy.Allow("no rule matched", "")
	}
	for i := range snap.rules {
		if haveDraft {
			break
		}
		cr := &snap.rules[i]
		if !ruleApplies(cr.rule, req.Type) {
			continue
		}
		res, err := policy.Evaluate(cr.rule.Predicate, ec)
		if err != nil {
			return policy.Decision{}, timeouts, err
		}
		timeouts = append(timeouts, res.RegexTimeouts...)
		if !res.Matched {
			continue
		}
		if cr.prg != nil {
			ok, err := e.cel.Evaluate(ctx, cr.prg, req)
			if err != nil {
				return policy.Decision{}, timeouts, err
			}
			if !ok {
				continue
			}
		}
		draft = decisionFromEffect(cr.rule)
		break
	}
	if e.overBudget(start) {
		return policy.Deny("policy timeout", ""), timeouts, nil
	}

	// 5. Risk scoring can only tighten the draft.
	rp, ok := e.riskPolicyFor(snap, role)
	if ok {
		assess, err := policy.AssessRisk(req, rp)
		if err != nil {
			return policy.Decision{}, timeouts, err
		}
		timeouts = append(timeouts, assess.RegexTimeouts...)
		draft.RiskScore = assess.Score
		switch {
		case rp.DenyAbove > 0 && assess.Score >= rp.DenyAbove:
			d := policy.Deny(fmt.Sprintf("risk score %.2f exceeds deny threshold %.2f", assess.Score, rp.DenyAbove), draft.MatchedRule)
			d.RiskScore = assess.Score
			return d, timeouts, nil
		case rp.RequireApprovalAbove > 0 && assess.Score >= rp.RequireApprovalAbove && draft.Allowed:
			draft.Allowed = false
			draft.Effect = action.EffectRequireApproval
			draft.RequiredApproval = true
			draft.Reason = fmt.Sprintf("risk score %.2f requires approval", assess.Score)
		}
	}
	return draft, timeouts, nil
}

// applyQuota runs the stateful quota stage over a draft decision.
// Denied drafts never consume quota. The second return reports whether
// a concurrency slot was admitted for this request.
func (e *PolicyEngine) applyQuota(snap *tablesSnapshot, req *action.ExecutionRequest, d policy.Decision) (policy.Decision, bool) {
	if !d.Allowed {
		return d, false
	}
	quota, ok := snap.tables.Quotas[req.Agent.Role]
	if !ok {
		return d, false
	}
	if len(quota.AllowedActionTypes) > 0 && !actionTypeAllowed(quota.AllowedActionTypes, req.Type) {
		out := policy.Deny(fmt.Sprintf("action type %s not permitted for role %s", req.Type, req.Agent.Role), "quota")
		out.RiskScore = d.RiskScore
		return out, false
	}
	if breach := e.quotas.Admit(req.Agent.ID, quota); breach != policy.BreachNone {
		e.metrics.QuotaDenials.WithLabelValues(string(breach)).Inc()
		out := policy.Deny("quota exceeded: "+string(breach), "quota")
		out.RateLimited = true
		out.RiskScore = d.RiskScore
		return out, false
	}
	return d, true
}

// Release returns an admitted request's concurrency slot. Call when
// the action finishes, pass or fail.
func (e *PolicyEngine) Release(agentID string) {
	e.quotas.Release(agentID)
}

// riskPolicyFor picks the risk policy: one named after the role wins,
// otherwise the "default" policy when present.
func (e *PolicyEngine) riskPolicyFor(snap *tablesSnapshot, role string) (policy.RiskPolicy, bool) {
	if rp, ok := snap.tables.RiskPolicies[role]; ok {
		return rp, true
	}
	rp, ok := snap.tables.RiskPolicies["default"]
	return rp, ok
}

// auditDecision records the evaluation. Returns false when the
// recorder is unavailable.
func (e *PolicyEngine) auditDecision(ctx context.Context, req *action.ExecutionRequest, d *policy.Decision) bool {
	entry := audit.NewEntry(req.Agent.ID, audit.EventPolicyEvaluated)
	entry.ActionType = req.Type.String()
	entry.ToolName = req.ToolName
	entry.ArgsDigest = audit.DigestArgs(req.Arguments)
	entry.Decision = d.Effect.String()
	entry.Reason = d.Reason
	entry.MatchedRule = d.MatchedRule
	entry.Severity = decisionSeverity(d)
	entry.Details = map[string]interface{}{
		"risk_score":    d.RiskScore,
		"evaluation_ms": d.EvaluationMS,
		"rate_limited":  d.RateLimited,
	}
	if err := e.recorder.Append(ctx, entry); err != nil {
		e.metrics.AuditFailures.Inc()
		e.logger.Error("audit append failed", "agent_id", req.Agent.ID, "error", err)
		return false
	}
	e.metrics.AuditEntries.Inc()
	return true
}

func (e *PolicyEngine) auditEvent(ctx context.Context, req *action.ExecutionRequest, event string, reason string) {
	entry := audit.NewEntry(req.Agent.ID, event)
	entry.ActionType = req.Type.String()
	entry.ToolName = req.ToolName
	entry.Reason = reason
	entry.Severity = string(action.SeverityWarn)
	if err := e.recorder.Append(ctx, entry); err != nil {
		e.metrics.AuditFailures.Inc()
	}
}

func decisionSeverity(d *policy.Decision) string {
	switch {
	case strings.HasPrefix(d.MatchedRule, "safety."):
		return string(action.SeverityHigh)
	case !d.Allowed:
		return string(action.SeverityWarn)
	}
	return string(action.SeverityInfo)
}

func decisionFromEffect(r policy.Rule) policy.Decision {
	d := policy.Decision{
		Effect:      r.Effect,
		MatchedRule: r.RuleID,
		Reason:      fmt.Sprintf("rule %s matched", r.Name),
	}
	switch r.Effect {
	case action.EffectAllow, action.EffectWarn, action.EffectLog:
		d.Allowed = true
	case action.EffectRequireApproval:
		d.RequiredApproval = true
	}
	return d
}

func (e *PolicyEngine) overBudget(start time.Time) bool {
	return time.Since(start) > e.budget
}

func ruleApplies(r policy.Rule, t action.ActionType) bool {
	if len(r.AppliesTo) == 0 {
		return true
	}
	return actionTypeAllowed(r.AppliesTo, t)
}

func actionTypeAllowed(types []action.ActionType, t action.ActionType) bool {
	for _, a := range types {
		if a == t {
			return true
		}
	}
	return false
}

func matchingPermissions(perms []policy.ConditionalPermission, tool string) []policy.ConditionalPermission {
	var out []policy.ConditionalPermission
	for _, p := range perms {
		if p.ToolName == tool {
			out = append(out, p)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// cacheKey hashes the deterministic inputs of an evaluation.
func cacheKey(req *action.ExecutionRequest) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(req.Agent.ID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(req.Agent.Role)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(req.Type.String())
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(req.ToolName)
	_, _ = h.Write([]byte{0})
	if len(req.Arguments) > 0 {
		raw, _ := json.Marshal(req.Arguments)
		_, _ = h.Write(raw)
	}
	_, _ = h.Write([]byte{0})
	if len(req.Context) > 0 {
		raw, _ := json.Marshal(req.Context)
		_, _ = h.Write(raw)
	}
	return h.Sum64()
}
