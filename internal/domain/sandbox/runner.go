package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/imran-siddique/agentos/internal/domain/audit"
	"github.com/imran-siddique/agentos/internal/metrics"
)

// Limits bounds one execution. Zero fields fall back to defaults.
type Limits struct {
	// MaxMemoryMB caps the interpreter's address space.
	MaxMemoryMB int
	// MaxCPUSeconds caps CPU time.
	MaxCPUSeconds int
	// MaxWallSeconds caps wall-clock time.
	MaxWallSeconds int
}

func (l Limits) withDefaults() Limits {
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = 256
	}
	if l.MaxCPUSeconds <= 0 {
		l.MaxCPUSeconds = 10
	}
	if l.MaxWallSeconds <= 0 {
		l.MaxWallSeconds = 30
	}
	return l
}

// BudgetError reports a resource budget overrun. The caller maps it to
// SIGBUDGET.
type BudgetError struct {
	// Limit names the exhausted budget.
	Limit string
}

func (e *BudgetError) Error() string { return "sandbox budget exceeded: " + e.Limit }

// Exit codes the prelude reserves to report guard outcomes to the
// parent.
const (
	importDeniedExit = 77
	memoryBudgetExit = 78
)

// Result is the outcome of a sandboxed run.
type Result struct {
	// Status is "completed", "denied", "budget_exceeded", or
	// "simulated" in shadow mode.
	Status string `json:"status"`
	// Stdout and Stderr are the captured interpreter streams.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	// ExitCode is the interpreter's exit code.
	ExitCode int `json:"exit_code"`
	// Violations holds the static findings when Status is denied or
	// simulated.
	Violations []Violation `json:"violations,omitempty"`
	// WouldHaveSignalled is set in shadow mode: the signal a live run
	// would have raised.
	WouldHaveSignalled string `json:"would_have_signalled,omitempty"`
	// DurationMS is wall time spent executing.
	DurationMS int64 `json:"duration_ms"`
}

// Runner executes screened code under an interpreter with an import
// interception prelude. Shadow mode reports what would happen without
// executing anything.
type Runner struct {
	interpreter    string
	blockedModules []string
	limits         Limits
	shadow         bool
	recorder       audit.Recorder
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// Config assembles a Runner.
type Config struct {
	// Interpreter is the executable used to run candidate code.
	// Defaults to python3.
	Interpreter string
	// BlockedModules overrides the default deny set.
	BlockedModules []string
	// Limits are the default resource budgets.
	Limits Limits
	// Shadow switches the runner to report-only mode.
	Shadow bool
}

// NewRunner builds a Runner.
func NewRunner(cfg Config, rec audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.BlockedModules == nil {
		cfg.BlockedModules = BlockedModules
	}
	return &Runner{
		interpreter:    cfg.Interpreter,
		blockedModules: cfg.BlockedModules,
		limits:         cfg.Limits.withDefaults(),
		shadow:         cfg.Shadow,
		recorder:       rec,
		metrics:        m,
		logger:         logger,
	}
}

// Run screens and executes code for an agent. Static violations deny
// before anything executes; wall-clock, CPU, and memory overruns return
// BudgetError.
func (r *Runner) Run(ctx context.Context, agentID, code string) (*Result, error) {
	start := time.Now()

	violations := Screen(code, r.blockedModules)
	if len(violations) > 0 {
		for _, v := range violations {
			r.metrics.SandboxViolations.WithLabelValues(v.Type).Inc()
		}
		r.auditViolations(ctx, agentID, violations)
		if r.shadow {
			return &Result{
				Status:             "simulated",
				Violations:         violations,
				WouldHaveSignalled: "SIGPOLICY",
				DurationMS:         time.Since(start).Milliseconds(),
			}, nil
		}
		return &Result{
			Status:     "denied",
			Violations: violations,
			DurationMS: time.Since(start).Milliseconds(),
		}, nil
	}

	if r.shadow {
		return &Result{Status: "simulated", DurationMS: time.Since(start).Milliseconds()}, nil
	}

	return r.execute(ctx, agentID, code, start)
}

func (r *Runner) execute(ctx context.Context, agentID, code string, start time.Time) (*Result, error) {
	dir, err := os.MkdirTemp("", "agentos-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "main.py")
	guarded := r.prelude() + "\n" + code
	if err := os.WriteFile(script, []byte(guarded), 0o600); err != nil {
		return nil, fmt.Errorf("sandbox workspace: %w", err)
	}

	wall := time.Duration(r.limits.MaxWallSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.interpreter, script)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=/usr/bin:/bin",
		fmt.Sprintf("AGENTOS_MEM_LIMIT_MB=%d", r.limits.MaxMemoryMB),
		fmt.Sprintf("AGENTOS_CPU_LIMIT_S=%d", r.limits.MaxCPUSeconds),
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := &Result{
		Status:     "completed",
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.Status = "budget_exceeded"
		r.logger.Warn("sandbox wall budget exceeded", "agent_id", agentID, "limit_s", r.limits.MaxWallSeconds)
		return res, &BudgetError{Limit: "max_wall_seconds"}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			switch {
			case res.ExitCode == importDeniedExit:
				// The prelude exits 77 when the import hook fires.
				res.Status = "denied"
				v := Violation{Type: ViolationBlockedImport, Symbol: strings.TrimSpace(stderr.String())}
				res.Violations = []Violation{v}
				r.metrics.SandboxViolations.WithLabelValues(v.Type).Inc()
				r.auditViolations(ctx, agentID, res.Violations)
			case res.ExitCode == memoryBudgetExit:
				// The prelude exits 78 when the address-space cap trips.
				res.Status = "budget_exceeded"
				r.logger.Warn("sandbox memory budget exceeded", "agent_id", agentID, "limit_mb", r.limits.MaxMemoryMB)
				return res, &BudgetError{Limit: "max_memory_mb"}
			case cpuBudgetKill(exitErr):
				res.Status = "budget_exceeded"
				r.logger.Warn("sandbox cpu budget exceeded", "agent_id", agentID, "limit_s", r.limits.MaxCPUSeconds)
				return res, &BudgetError{Limit: "max_cpu_seconds"}
			}
			return res, nil
		}
		return nil, fmt.Errorf("sandbox execution: %w", runErr)
	}
	return res, nil
}

// prelude is the interpreter-side import interception hook. It runs
// first, denies blocked imports at call time, and applies the memory
// and CPU budgets inside the child so they bind on every exit path.
func (r *Runner) prelude() string {
	var b strings.Builder
	// Budgets apply before the hook so the prelude's own imports are
	// not intercepted.
	b.WriteString(`import builtins as _b, sys as _s, os as _os
try:
    import resource as _res
    _mem = int(_os.environ.get("AGENTOS_MEM_LIMIT_MB", "256")) * 1024 * 1024
    _cpu = int(_os.environ.get("AGENTOS_CPU_LIMIT_S", "10"))
    _res.setrlimit(_res.RLIMIT_AS, (_mem, _mem))
    _res.setrlimit(_res.RLIMIT_CPU, (_cpu, _cpu))
except Exception:
    pass
_orig_hook = _s.excepthook
def _budget_hook(tp, val, tb):
    if issubclass(tp, MemoryError):
        _os._exit(78)
    _orig_hook(tp, val, tb)
_s.excepthook = _budget_hook
`)
	b.WriteString("_blocked = {")
	for i, m := range r.blockedModules {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", m)
	}
	b.WriteString("}\n")
	b.WriteString(`_orig_import = _b.__import__
def _guarded_import(name, *a, **k):
    root = name.split(".")[0]
    if root in _blocked:
        print(root, file=_s.stderr)
        raise SystemExit(77)
    return _orig_import(name, *a, **k)
_b.__import__ = _guarded_import
`)
	return b.String()
}

func (r *Runner) auditViolations(ctx context.Context, agentID string, violations []Violation) {
	details := make([]interface{}, 0, len(violations))
	for _, v := range violations {
		details = append(details, map[string]interface{}{
			"type": v.Type, "line": v.Line, "symbol": v.Symbol,
		})
	}
	e := audit.NewEntry(agentID, audit.EventSandboxViolation)
	e.Decision = "deny"
	e.Reason = violations[0].String()
	e.Severity = "high"
	e.Details = map[string]interface{}{"violations": details, "shadow": r.shadow}
	if err := r.recorder.Append(ctx, e); err != nil {
		r.logger.Error("sandbox violation not recorded", "agent_id", agentID, "error", err)
	}
}
