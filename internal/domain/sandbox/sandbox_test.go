package sandbox

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/imran-siddique/agentos/internal/domain/audit"
	"github.com/imran-siddique/agentos/internal/metrics"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (m *memRecorder) Append(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Seq = uint64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *memRecorder) Recent(int) []audit.Entry                { return nil }
func (m *memRecorder) RecentByAgent(string, int) []audit.Entry { return nil }
func (m *memRecorder) Flush(context.Context) error             { return nil }
func (m *memRecorder) Close() error                            { return nil }
func (m *memRecorder) VerifyIntegrity(context.Context) (audit.IntegrityReport, error) {
	return audit.IntegrityReport{OK: true}, nil
}

func (m *memRecorder) count(eventType string) int {
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

func TestScreen_BlockedCalls(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		code   string
		symbol string
		line   int
	}{
		{"eval", "x = eval(user_input)", "eval", 1},
		{"exec", "result = exec(payload)", "exec", 1},
		{"compile", "c = compile(src, '<s>', 'exec')", "compile", 1},
		{"dunder import", "m = __import__('os')", "__import__", 1},
		{"importlib call", "m = importlib.import_module(name)", "importlib.import_module", 1},
		{"later line", "a = 1\nb = 2\neval(a)", "eval", 3},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Screen(tt.code, nil)
			if len(got) != 1 {
				t.Fatalf("violations = %v, want 1", got)
			}
			if got[0].Type != ViolationBlockedCall {
				t.Errorf("Type = %s", got[0].Type)
			}
			if got[0].Symbol != tt.symbol {
				t.Errorf("Symbol = %q, want %q", got[0].Symbol, tt.symbol)
			}
			if got[0].Line != tt.line {
				t.Errorf("Line = %d, want %d", got[0].Line, tt.line)
			}
		})
	}
}

func TestScreen_BlockedImports(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		code   string
		symbol string
	}{
		{"import", "import subprocess", "subprocess"},
		{"import as", "import socket", "socket"},
		{"from import", "from os import path", "os"},
		{"dotted", "import os.path", "os"},
		{"ffi", "import ctypes", "ctypes"},
		{"indented", "    import shutil", "shutil"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Screen(tt.code, nil)
			if len(got) != 1 || got[0].Type != ViolationBlockedImport {
				t.Fatalf("violations = %v", got)
			}
			if got[0].Symbol != tt.symbol {
				t.Errorf("Symbol = %q, want %q", got[0].Symbol, tt.symbol)
			}
		})
	}
}

func TestScreen_CleanCodePasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code string
	}{
		{"plain arithmetic", "total = sum(range(10))\nprint(total)"},
		{"allowed import", "import json\nprint(json.dumps({}))"},
		{"blocked name in string", `msg = "do not call eval(x) here"`},
		{"blocked name in comment", "x = 1  # eval(x) would be bad"},
		{"evaluate is not eval", "score = evaluate(model)"},
		{"oscillate is not os", "import oscillator"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Screen(tt.code, nil); len(got) != 0 {
				t.Errorf("violations = %v, want none", got)
			}
		})
	}
}

func TestScreen_CustomBlockList(t *testing.T) {
	t.Parallel()

	got := Screen("import requests", []string{"requests"})
	if len(got) != 1 || got[0].Symbol != "requests" {
		t.Fatalf("violations = %v", got)
	}
	// The default set no longer applies when overridden.
	if got := Screen("import subprocess", []string{"requests"}); len(got) != 0 {
		t.Errorf("violations = %v, want none with custom list", got)
	}
}

func newRunner(t *testing.T, cfg Config) (*Runner, *memRecorder) {
	t.Helper()
	rec := &memRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRunner(cfg, rec, metrics.NewNop(), logger), rec
}

func TestRunner_StaticDeny(t *testing.T) {
	t.Parallel()

	r, rec := newRunner(t, Config{})
	res, err := r.Run(context.Background(), "agent-1", "eval(input())")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Status != "denied" {
		t.Fatalf("Status = %s, want denied", res.Status)
	}
	if len(res.Violations) != 1 || res.Violations[0].Symbol != "eval" {
		t.Errorf("Violations = %v", res.Violations)
	}
	if rec.count(audit.EventSandboxViolation) != 1 {
		t.Error("violation must be audited")
	}
}

func TestRunner_ShadowModeSimulates(t *testing.T) {
	t.Parallel()

	r, rec := newRunner(t, Config{Shadow: true})

	// Hostile code: reported, not executed, with the would-be signal.
	res, err := r.Run(context.Background(), "agent-1", "import subprocess")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if res.Status != "simulated" {
		t.Fatalf("Status = %s, want simulated", res.Status)
	}
	if res.WouldHaveSignalled != "SIGPOLICY" {
		t.Errorf("WouldHaveSignalled = %q", res.WouldHaveSignalled)
	}
	if rec.count(audit.EventSandboxViolation) != 1 {
		t.Error("shadow violations are still audited")
	}

	// Clean code: simulated with nothing to report.
	res, err = r.Run(context.Background(), "agent-1", "print('ok')")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != "simulated" || res.WouldHaveSignalled != "" {
		t.Errorf("clean shadow run = %+v", res)
	}
}

func TestRunner_PreludeListsBlockedModules(t *testing.T) {
	t.Parallel()

	r, _ := newRunner(t, Config{BlockedModules: []string{"socket", "ctypes"}})
	p := r.prelude()
	for _, want := range []string{`"socket"`, `"ctypes"`, "_guarded_import", "SystemExit(77)"} {
		if !strings.Contains(p, want) {
			t.Errorf("prelude missing %q", want)
		}
	}
}

func TestRunner_PreludeReportsMemoryExhaustion(t *testing.T) {
	t.Parallel()

	r, _ := newRunner(t, Config{})
	p := r.prelude()
	// MemoryError inside the child surfaces as the reserved exit code.
	for _, want := range []string{"MemoryError", "_os._exit(78)", "RLIMIT_AS", "RLIMIT_CPU"} {
		if !strings.Contains(p, want) {
			t.Errorf("prelude missing %q", want)
		}
	}
}
