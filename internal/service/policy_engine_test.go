package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/imran-siddique/agentos/internal/domain/action"
	"github.com/imran-siddique/agentos/internal/domain/audit"
	"github.com/imran-siddique/agentos/internal/domain/policy"
	"github.com/imran-siddique/agentos/internal/metrics"
)

// memRecorder is the in-memory audit.Recorder used across service tests.
type memRecorder struct {
	mu      sync.Mutex
	failing bool
	entries []*audit.Entry
}

func (m *memRecorder) Append(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return io.ErrClosedPipe
	}
	e.Seq = uint64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *memRecorder) Recent(n int) []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Entry, 0, n)
	for i := len(m.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *m.entries[i])
	}
	return out
}

func (m *memRecorder) RecentByAgent(agentID string, n int) []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Entry, 0, n)
	for i := len(m.entries) - 1; i >= 0 && len(out) < n; i-- {
		if m.entries[i].AgentID == agentID {
			out = append(out, *m.entries[i])
		}
	}
	return out
}

func (m *memRecorder) VerifyIntegrity(context.Context) (audit.IntegrityReport, error) {
	return audit.IntegrityReport{OK: true}, nil
}

func (m *memRecorder) Flush(context.Context) error { return nil }
func (m *memRecorder) Close() error                { return nil }

func (m *memRecorder) setFailing(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = v
}

func (m *memRecorder) countByType(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, tables policy.Tables) (*PolicyEngine, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	e, err := NewPolicyEngine(tables, rec, metrics.NewNop(), discardLogger())
	if err != nil {
		t.Fatalf("NewPolicyEngine() error: %v", err)
	}
	return e, rec
}

func request(role string, typ action.ActionType, tool string, args, ctx map[string]interface{}) *action.ExecutionRequest {
	req := action.NewExecutionRequest(action.AgentIdentity{ID: "agent-" + role, Role: role}, typ, tool, args, ctx)
	return &req
}

func TestPolicyEngine_DestructiveSQLBlocked(t *testing.T) {
	t.Parallel()

	e, rec := newEngine(t, policy.Tables{})
	req := request("ops", action.ActionCodeExecution, "db",
		map[string]interface{}{"query": "DROP TABLE users"}, nil)

	d := e.Evaluate(context.Background(), req)
	if d.Allowed {
		t.Fatal("destructive SQL must be denied")
	}
	if d.MatchedRule != "safety.no_destructive_sql" {
		t.Errorf("MatchedRule = %q, want safety.no_destructive_sql", d.MatchedRule)
	}

	entries := rec.RecentByAgent("agent-ops", 1)
	if len(entries) != 1 {
		t.Fatalf("expected audit entry, got %d", len(entries))
	}
	if entries[0].Decision != "deny" {
		t.Errorf("audited decision = %s, want deny", entries[0].Decision)
	}
	if entries[0].Severity != string(action.SeverityHigh) {
		t.Errorf("severity = %s, want high", entries[0].Severity)
	}
}

func TestPolicyEngine_AllowListMiss(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, policy.Tables{
		AllowList: map[string][]string{
			"data-analyst": {"file_read", "database_query"},
		},
	})

	d := e.Evaluate(context.Background(),
		request("data-analyst", action.ActionFileWrite, "file_write", map[string]interface{}{"path": "/tmp/out"}, nil))
	if d.Allowed {
		t.Fatal("tool outside allow-list must be denied")
	}
	if d.Reason != "tool not permitted" {
		t.Errorf("Reason = %q, want %q", d.Reason, "tool not permitted")
	}

	// A tool inside the list passes.
	d = e.Evaluate(context.Background(),
		request("data-analyst", action.ActionFileRead, "file_read", map[string]interface{}{"path": "/tmp/in"}, nil))
	if !d.Allowed {
		t.Fatalf("allowed tool denied: %s", d.Reason)
	}
}

func TestPolicyEngine_ConditionalRefund(t *testing.T) {
	t.Parallel()

	tables := policy.Tables{
		AllowList: map[string][]string{"support": {"refund"}},
		ConditionalPermissions: map[string][]policy.ConditionalPermission{
			"support": {{
				ToolName: "refund",
				Conditions: []policy.Condition{
					{AttributePath: "context.user_verified", Operator: policy.OpEq, Value: true},
					{AttributePath: "args.amount", Operator: policy.OpLte, Value: 500},
				},
				RequireAll: true,
			}},
		},
	}
	e, _ := newEngine(t, tables)

	d := e.Evaluate(context.Background(), request("support", action.ActionToolCallGeneric, "refund",
		map[string]interface{}{"amount": 100.0}, map[string]interface{}{"user_verified": true}))
	if !d.Allowed {
		t.Fatalf("verified small refund denied: %s", d.Reason)
	}

	d = e.Evaluate(context.Background(), request("support", action.ActionToolCallGeneric, "refund",
		map[string]interface{}{"amount": 600.0}, map[string]interface{}{"user_verified": true}))
	if d.Allowed {
		t.Fatal("oversized refund must be denied")
	}

	d = e.Evaluate(context.Background(), request("support", action.ActionToolCallGeneric, "refund",
		map[string]interface{}{"amount": 100.0}, map[string]interface{}{"user_verified": false}))
	if d.Allowed {
		t.Fatal("unverified refund must be denied")
	}
}

func TestPolicyEngine_RulePriorityAndTies(t *testing.T) {
	t.Parallel()

	anyCond := policy.Condition{AttributePath: "agent.role", Operator: policy.OpEq, Value: "r"}
	tables := policy.Tables{
		Rules: []policy.Rule{
			{RuleID: "low", Name: "low", Predicate: anyCond, Effect: action.EffectAllow, Priority: 1},
			{RuleID: "tie-first", Name: "tie-first", Predicate: anyCond, Effect: action.EffectDeny, Priority: 5},
			{RuleID: "tie-second", Name: "tie-second", Predicate: anyCond, Effect: action.EffectAllow, Priority: 5},
		},
	}
	e, _ := newEngine(t, tables)

	d := e.Evaluate(context.Background(), request("r", action.ActionToolCallGeneric, "x", nil, nil))
	if d.MatchedRule != "tie-first" {
		t.Errorf("MatchedRule = %q, want tie-first (priority then insertion order)", d.MatchedRule)
	}
	if d.Allowed {
		t.Error("tie-first denies")
	}
}

func TestPolicyEngine_CELRuleGate(t *testing.T) {
	t.Parallel()

	cond := policy.Condition{AttributePath: "agent.role", Operator: policy.OpEq, Value: "dev"}
	tables := policy.Tables{
		Rules: []policy.Rule{{
			RuleID:    "deny-large",
			Name:      "deny-large",
			Predicate: cond,
			CEL:       `double(args.size) > 1000.0`,
			Effect:    action.EffectDeny,
			Priority:  10,
		}},
	}
	e, _ := newEngine(t, tables)

	d := e.Evaluate(context.Background(), request("dev", action.ActionToolCallGeneric, "upload",
		map[string]interface{}{"size": 2000.0}, nil))
	if d.Allowed {
		t.Fatal("rule with matching CEL must deny")
	}

	d = e.Evaluate(context.Background(), request("dev", action.ActionToolCallGeneric, "upload",
		map[string]interface{}{"size": 10.0}, nil))
	if !d.Allowed {
		t.Fatalf("rule with non-matching CEL must not apply: %s", d.Reason)
	}
}

func TestPolicyEngine_RiskThresholds(t *testing.T) {
	t.Parallel()

	tables := policy.Tables{
		RiskPolicies: map[string]policy.RiskPolicy{
			"default": {
				MaxRiskScore:         1.0,
				RequireApprovalAbove: 0.5,
				DenyAbove:            0.9,
				HighRiskPatterns:     []string{`(?i)password`, `(?i)credential`},
			},
		},
	}
	e, _ := newEngine(t, tables)

	// base 0.35 + one hit 0.30 = 0.65: approval band.
	d := e.Evaluate(context.Background(), request("dev", action.ActionCodeExecution, "exec",
		map[string]interface{}{"code": "print(password)"}, nil))
	if d.Allowed || !d.RequiredApproval {
		t.Fatalf("score in approval band: %+v", d)
	}

	// base 0.35 + two hits 0.60 = 0.95: deny band.
	d = e.Evaluate(context.Background(), request("dev", action.ActionCodeExecution, "exec",
		map[string]interface{}{"code": "password = credential"}, nil))
	if d.Allowed || d.RequiredApproval {
		t.Fatalf("score in deny band: %+v", d)
	}
	if !strings.Contains(d.Reason, "deny threshold") {
		t.Errorf("Reason = %q", d.Reason)
	}

	// Benign code stays allowed.
	d = e.Evaluate(context.Background(), request("dev", action.ActionCodeExecution, "exec",
		map[string]interface{}{"code": "print('ok')"}, nil))
	if !d.Allowed {
		t.Fatalf("benign code denied: %s", d.Reason)
	}
}

func TestPolicyEngine_QuotaDeniesAndReleases(t *testing.T) {
	t.Parallel()

	tables := policy.Tables{
		Quotas: map[string]policy.ResourceQuota{
			"worker": {MaxConcurrentExecutions: 1},
		},
	}
	e, _ := newEngine(t, tables)
	req := request("worker", action.ActionToolCallGeneric, "job", nil, nil)

	d := e.Evaluate(context.Background(), req)
	if !d.Allowed {
		t.Fatalf("first request denied: %s", d.Reason)
	}
	d = e.Evaluate(context.Background(), req)
	if d.Allowed || !d.RateLimited {
		t.Fatalf("second concurrent request must rate-limit: %+v", d)
	}

	e.Release(req.Agent.ID)
	d = e.Evaluate(context.Background(), req)
	if !d.Allowed {
		t.Fatalf("post-release request denied: %s", d.Reason)
	}
}

func TestPolicyEngine_QuotaActionTypes(t *testing.T) {
	t.Parallel()

	tables := policy.Tables{
		Quotas: map[string]policy.ResourceQuota{
			"reader": {AllowedActionTypes: []action.ActionType{action.ActionFileRead}},
		},
	}
	e, _ := newEngine(t, tables)

	d := e.Evaluate(context.Background(), request("reader", action.ActionFileWrite, "write", nil, nil))
	if d.Allowed {
		t.Fatal("disallowed action type must deny")
	}
	d = e.Evaluate(context.Background(), request("reader", action.ActionFileRead, "read", nil, nil))
	if !d.Allowed {
		t.Fatalf("allowed action type denied: %s", d.Reason)
	}
}

func TestPolicyEngine_CacheHitsAndReloadClears(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, policy.Tables{})
	req := request("dev", action.ActionToolCallGeneric, "tool", map[string]interface{}{"a": 1.0}, nil)

	_ = e.Evaluate(context.Background(), req)
	if e.cache.Len() != 1 {
		t.Fatalf("cache size = %d, want 1", e.cache.Len())
	}
	_ = e.Evaluate(context.Background(), req)
	if e.cache.Len() != 1 {
		t.Fatalf("repeat evaluation grew the cache: %d", e.cache.Len())
	}

	if err := e.Reload(policy.Tables{}); err != nil {
		t.Fatal(err)
	}
	if e.cache.Len() != 0 {
		t.Errorf("reload must clear the cache, size = %d", e.cache.Len())
	}
}

func TestPolicyEngine_AuditUnavailableDeniesAllow(t *testing.T) {
	t.Parallel()

	e, rec := newEngine(t, policy.Tables{})
	rec.setFailing(true)

	d := e.Evaluate(context.Background(), request("dev", action.ActionToolCallGeneric, "tool", nil, nil))
	if d.Allowed {
		t.Fatal("an unrecorded allow must become a deny")
	}
	if d.Reason != "audit unavailable" {
		t.Errorf("Reason = %q", d.Reason)
	}
}

// A denied audit downgrade hands back the admitted concurrency slot,
// so a recorder outage cannot pin the agent's quota.
func TestPolicyEngine_AuditOutageReturnsQuotaSlot(t *testing.T) {
	t.Parallel()

	e, rec := newEngine(t, policy.Tables{
		Quotas: map[string]policy.ResourceQuota{
			"worker": {MaxConcurrentExecutions: 1},
		},
	})
	req := request("worker", action.ActionToolCallGeneric, "job", nil, nil)

	rec.setFailing(true)
	d := e.Evaluate(context.Background(), req)
	if d.Allowed || d.Reason != "audit unavailable" {
		t.Fatalf("decision = %+v, want audit unavailable deny", d)
	}
	if got := e.quotas.Inflight(req.Agent.ID); got != 0 {
		t.Fatalf("inflight = %d after downgrade, want 0", got)
	}

	// With the recorder healed, the slot is free again.
	rec.setFailing(false)
	if d := e.Evaluate(context.Background(), req); !d.Allowed {
		t.Fatalf("post-recovery request denied: %s", d.Reason)
	}
}

func TestPolicyEngine_BudgetOverrunDenies(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, policy.Tables{})
	e.budget = -1

	d := e.Evaluate(context.Background(), request("dev", action.ActionToolCallGeneric, "tool", nil, nil))
	if d.Allowed {
		t.Fatal("blown evaluation budget must deny")
	}
	if d.Reason != "policy timeout" {
		t.Errorf("Reason = %q, want policy timeout", d.Reason)
	}
}

func TestPolicyEngine_EveryDecisionAudited(t *testing.T) {
	t.Parallel()

	e, rec := newEngine(t, policy.Tables{
		AllowList: map[string][]string{"r": {"ok"}},
	})
	ctx := context.Background()

	_ = e.Evaluate(ctx, request("r", action.ActionToolCallGeneric, "ok", nil, nil))
	_ = e.Evaluate(ctx, request("r", action.ActionToolCallGeneric, "blocked", nil, nil))

	if got := rec.countByType(audit.EventPolicyEvaluated); got != 2 {
		t.Errorf("policy_evaluated entries = %d, want 2", got)
	}
}

func TestPolicyEngine_ReloadRejectsBadRules(t *testing.T) {
	t.Parallel()

	e, _ := newEngine(t, policy.Tables{})

	tests := []struct {
		name   string
		tables policy.Tables
	}{
		{"missing rule_id", policy.Tables{Rules: []policy.Rule{{Name: "x", Effect: action.EffectDeny}}}},
		{"duplicate rule_id", policy.Tables{Rules: []policy.Rule{
			{RuleID: "a", Predicate: policy.Condition{AttributePath: "args.x", Operator: policy.OpEq, Value: 1}, Effect: action.EffectDeny},
			{RuleID: "a", Predicate: policy.Condition{AttributePath: "args.x", Operator: policy.OpEq, Value: 1}, Effect: action.EffectAllow},
		}}},
		{"bad cel", policy.Tables{Rules: []policy.Rule{{
			RuleID:    "c",
			Predicate: policy.Condition{AttributePath: "args.x", Operator: policy.OpEq, Value: 1},
			CEL:       "nonsense ==",
			Effect:    action.EffectDeny,
		}}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := e.Reload(tt.tables); err == nil {
				t.Error("Reload must reject invalid tables")
			}
		})
	}
}

func TestPolicyEngine_WarnAndLogEffectsAllow(t *testing.T) {
	t.Parallel()

	cond := policy.Condition{AttributePath: "agent.role", Operator: policy.OpEq, Value: "r"}
	tables := policy.Tables{
		Rules: []policy.Rule{
			{RuleID: "warn", Name: "warn", Predicate: cond, Effect: action.EffectWarn, Priority: 2,
				AppliesTo: []action.ActionType{action.ActionFileRead}},
			{RuleID: "log", Name: "log", Predicate: cond, Effect: action.EffectLog, Priority: 2,
				AppliesTo: []action.ActionType{action.ActionFileWrite}},
		},
	}
	e, _ := newEngine(t, tables)

	d := e.Evaluate(context.Background(), request("r", action.ActionFileRead, "read", nil, nil))
	if !d.Allowed || d.Effect != action.EffectWarn {
		t.Errorf("warn rule: %+v", d)
	}
	d = e.Evaluate(context.Background(), request("r", action.ActionFileWrite, "write", map[string]interface{}{"path": "/tmp/x"}, nil))
	if !d.Allowed || d.Effect != action.EffectLog {
		t.Errorf("log rule: %+v", d)
	}
}
