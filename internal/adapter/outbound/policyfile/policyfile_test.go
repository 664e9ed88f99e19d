package policyfile

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/imran-siddique/agentos/internal/domain/policy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const sampleYAML = `
version: "1.0"
agent_constraints:
  data-analyst: [file_read, database_query]
conditional_permissions:
  support:
    - tool_name: refund
      require_all: true
      conditions:
        - attribute_path: context.user_verified
          operator: eq
          value: true
        - attribute_path: args.amount
          operator: lte
          value: 500
quotas:
  data-analyst:
    max_requests_per_minute: 60
    max_concurrent_executions: 4
risk_policies:
  default:
    max_risk_score: 1.0
    require_approval_above: 0.5
    deny_above: 0.9
    high_risk_patterns: ["(?i)password"]
custom_rules:
  - rule_id: block-prod-db
    name: block production database writes
    action_types: [database_write]
    predicate:
      attribute_path: args.database
      operator: eq
      value: production
    effect: deny
    priority: 100
`

func TestDecode_Sample(t *testing.T) {
	t.Parallel()

	tables, err := Decode(strings.NewReader(sampleYAML), "sample")
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got := tables.AllowList["data-analyst"]; len(got) != 2 {
		t.Errorf("agent_constraints = %v", got)
	}
	perms := tables.ConditionalPermissions["support"]
	if len(perms) != 1 || perms[0].ToolName != "refund" || !perms[0].RequireAll {
		t.Errorf("conditional_permissions = %+v", perms)
	}
	if len(perms[0].Conditions) != 2 {
		t.Errorf("conditions = %+v", perms[0].Conditions)
	}
	if tables.Quotas["data-analyst"].MaxRequestsPerMinute != 60 {
		t.Errorf("quota = %+v", tables.Quotas["data-analyst"])
	}
	if len(tables.Rules) != 1 || tables.Rules[0].Priority != 100 {
		t.Errorf("rules = %+v", tables.Rules)
	}
}

// The document keys are the published schema: version, agent_constraints,
// custom_rules with action_types. Internal field names never leak into
// the file format.
func TestDecode_PublishedKeyNames(t *testing.T) {
	t.Parallel()

	doc := `
version: "1.0"
agent_constraints:
  ops: [file_read]
custom_rules:
  - rule_id: r1
    name: no code at night
    action_types: [code_execution]
    predicate:
      attribute_path: context.hour
      operator: gte
      value: 22
    effect: deny
    priority: 10
`
	tables, err := Decode(strings.NewReader(doc), "doc")
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if tables.Version != "1.0" {
		t.Errorf("Version = %q, want 1.0", tables.Version)
	}
	if got := tables.AllowList["ops"]; len(got) != 1 || got[0] != "file_read" {
		t.Errorf("agent_constraints = %v", got)
	}
	if len(tables.Rules) != 1 || len(tables.Rules[0].AppliesTo) != 1 {
		t.Fatalf("custom_rules = %+v", tables.Rules)
	}

	// The internal field names are not document keys.
	if _, err := Decode(strings.NewReader("allow_list:\n  ops: [file_read]\n"), "doc"); err == nil {
		t.Error("allow_list must be rejected as an unknown key")
	}
}

func TestDecode_UnknownKeyRejected(t *testing.T) {
	t.Parallel()

	doc := `
custom_rules:
  - rule_id: r1
    name: r1
    predicate:
      attribute_path: args.x
      operator: eq
      value: 1
    effect: deny
    priority: 1
    severity: high
`
	if _, err := Decode(strings.NewReader(doc), "bad"); err == nil {
		t.Fatal("unknown key must be a load error")
	} else if !strings.Contains(err.Error(), "severity") {
		t.Errorf("error should name the unknown key: %v", err)
	}
}

func TestDecode_ValidationFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			"missing rule_id",
			"custom_rules:\n  - name: x\n    predicate: {attribute_path: a, operator: eq, value: 1}\n    effect: deny\n    priority: 1\n",
			"missing rule_id",
		},
		{
			"bad effect",
			"custom_rules:\n  - rule_id: r\n    name: x\n    predicate: {attribute_path: a, operator: eq, value: 1}\n    effect: veto\n    priority: 1\n",
			"unknown effect",
		},
		{
			"bad operator",
			"custom_rules:\n  - rule_id: r\n    name: x\n    predicate: {attribute_path: a, operator: like, value: 1}\n    effect: deny\n    priority: 1\n",
			"unknown operator",
		},
		{
			"risk threshold out of range",
			"risk_policies:\n  default:\n    max_risk_score: 1.5\n    require_approval_above: 0.5\n    deny_above: 0.9\n",
			"out of [0,1]",
		},
		{
			"bad action type",
			"custom_rules:\n  - rule_id: r\n    name: x\n    action_types: [teleport]\n    predicate: {attribute_path: a, operator: eq, value: 1}\n    effect: deny\n    priority: 1\n",
			"unknown action type",
		},
		{"empty", "", "empty"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(strings.NewReader(tt.doc), "doc")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	t.Parallel()

	tables, err := Decode(strings.NewReader(sampleYAML), "sample")
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), ActiveFileName)
	if err := Save(path, tables); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if len(back.Rules) != len(tables.Rules) || back.Rules[0].RuleID != tables.Rules[0].RuleID {
		t.Errorf("rules lost in round trip: %+v", back.Rules)
	}
	if back.Quotas["data-analyst"].MaxRequestsPerMinute != tables.Quotas["data-analyst"].MaxRequestsPerMinute ||
		back.Quotas["data-analyst"].MaxConcurrentExecutions != tables.Quotas["data-analyst"].MaxConcurrentExecutions {
		t.Errorf("quotas lost in round trip")
	}
	if len(back.ConditionalPermissions["support"]) != 1 {
		t.Errorf("permissions lost in round trip")
	}
}

func TestTemplates(t *testing.T) {
	t.Parallel()

	for _, name := range []string{TemplateStrict, TemplatePermissive, TemplateAudit} {
		name := name
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tables, err := Template(name)
			if err != nil {
				t.Fatalf("Template(%s) error: %v", name, err)
			}
			if err := Validate(tables); err != nil {
				t.Errorf("template %s does not validate: %v", name, err)
			}
			// Every template survives its own round trip.
			path := filepath.Join(t.TempDir(), ActiveFileName)
			if err := Save(path, tables); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err != nil {
				t.Errorf("template %s round trip: %v", name, err)
			}
		})
	}

	if _, err := Template("exotic"); err == nil {
		t.Error("unknown template must error")
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, ActiveFileName)
	initial, err := Template(TemplatePermissive)
	if err != nil {
		t.Fatal(err)
	}
	if err := Save(path, initial); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var applied []policy.Tables
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := Watch(path, func(tb policy.Tables) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, tb)
		return nil
	}, logger)
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer func() { _ = w.Close() }()

	next, err := Template(TemplateStrict)
	if err != nil {
		t.Fatal(err)
	}
	if err := Save(path, next); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(applied)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher never applied the rewritten file")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mu.Lock()
	last := applied[len(applied)-1]
	mu.Unlock()
	if len(last.Rules) == 0 {
		t.Error("applied tables should be the strict template")
	}
}

func TestWatcher_BadFileKeepsOldTables(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, ActiveFileName)
	initial, err := Template(TemplatePermissive)
	if err != nil {
		t.Fatal(err)
	}
	if err := Save(path, initial); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	count := 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := Watch(path, func(policy.Tables) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()

	if err := os.WriteFile(path, []byte("rules: [this is: not valid"), 0o600); err != nil {
		t.Fatal(err)
	}

	// Give the debounce plus reload time to run; apply must not fire.
	time.Sleep(600 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("apply ran %d times for an invalid file", count)
	}
}
