package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/imran-siddique/agentos/internal/domain/action"
	"github.com/imran-siddique/agentos/internal/domain/breaker"
	"github.com/imran-siddique/agentos/internal/domain/memory"
	"github.com/imran-siddique/agentos/internal/domain/policy"
	"github.com/imran-siddique/agentos/internal/domain/sandbox"
	"github.com/imran-siddique/agentos/internal/domain/signal"
	"github.com/imran-siddique/agentos/internal/telemetry"
)

// Outcome is the result of intercepting one agent action.
type Outcome struct {
	// Decision is the policy verdict.
	Decision policy.Decision
	// Sandbox is set for code_execution actions that reached the runner.
	Sandbox *sandbox.Result
	// Signals lists lifecycle signals dispatched during interception.
	Signals []string
	// Completed is true when the kernel already executed the action and
	// released its quota slot; the caller must not call Complete.
	Completed bool
}

// Kernel is the interception point every governed action goes through.
// It owns the wiring between policy, signals, sandbox, memory, and the
// outbound circuit breakers.
type Kernel struct {
	engine     *PolicyEngine
	dispatcher *signal.Dispatcher
	runner     *sandbox.Runner
	guard      *memory.Guard
	breakers   *breaker.Group
	tracer     trace.Tracer
	logger     *slog.Logger
}

// NewKernel assembles a Kernel. The sandbox runner and memory guard are
// optional; intercepting their action classes without them fails closed.
func NewKernel(engine *PolicyEngine, dispatcher *signal.Dispatcher, runner *sandbox.Runner,
	guard *memory.Guard, breakers *breaker.Group, logger *slog.Logger) *Kernel {
	return &Kernel{
		engine:     engine,
		dispatcher: dispatcher,
		runner:     runner,
		guard:      guard,
		breakers:   breakers,
		tracer:     telemetry.Tracer(),
		logger:     logger,
	}
}

// Intercept evaluates one request and, for code execution, runs it in
// the sandbox. Denials from the safety screen escalate to SIGPOLICY.
// For every other allowed action the caller executes the action itself
// and must call Complete when done.
func (k *Kernel) Intercept(ctx context.Context, req *action.ExecutionRequest) (*Outcome, error) {
	ctx, span := k.tracer.Start(ctx, "kernel.intercept", trace.WithAttributes(
		attribute.String("agentos.agent_id", req.Agent.ID),
		attribute.String("agentos.action_type", req.Type.String()),
		attribute.String("agentos.tool", req.ToolName),
	))
	defer span.End()

	k.dispatcher.Register(req.Agent.ID)
	if state := k.dispatcher.State(req.Agent.ID); state != signal.StateRunning {
		return nil, fmt.Errorf("agent %s is %s", req.Agent.ID, state)
	}

	out := &Outcome{Decision: k.engine.Evaluate(ctx, req)}
	span.SetAttributes(
		attribute.Bool("agentos.allowed", out.Decision.Allowed),
		attribute.Float64("agentos.risk_score", out.Decision.RiskScore),
	)

	if !out.Decision.Allowed {
		if strings.HasPrefix(out.Decision.MatchedRule, "safety.") {
			k.escalate(ctx, req.Agent.ID, signal.SIGPOLICY, out)
		}
		out.Completed = true
		return out, nil
	}

	if req.Type == action.ActionCodeExecution {
		k.runSandboxed(ctx, req, out)
		k.engine.Release(req.Agent.ID)
		out.Completed = true
	}
	return out, nil
}

// Complete releases the quota slot held by an allowed request. Call it
// exactly once after the action finishes, unless the outcome is already
// Completed.
func (k *Kernel) Complete(agentID string) {
	k.engine.Release(agentID)
}

func (k *Kernel) runSandboxed(ctx context.Context, req *action.ExecutionRequest, out *Outcome) {
	if k.runner == nil {
		out.Decision = policy.Deny("sandbox unavailable", "")
		return
	}
	code, _ := req.Arguments["code"].(string)

	res, err := k.runner.Run(ctx, req.Agent.ID, code)
	if err != nil {
		var budget *sandbox.BudgetError
		if errors.As(err, &budget) {
			out.Sandbox = res
			sig := signal.New(signal.SIGBUDGET, "sandbox")
			sig.Payload = map[string]interface{}{"limit": budget.Limit}
			if sendErr := k.dispatcher.Send(ctx, req.Agent.ID, sig); sendErr != nil {
				k.logger.Error("budget signal not delivered", "agent_id", req.Agent.ID, "error", sendErr)
			} else {
				out.Signals = append(out.Signals, signal.SIGBUDGET.String())
			}
			return
		}
		k.logger.Error("sandbox run failed", "agent_id", req.Agent.ID, "error", err)
		out.Decision = policy.Deny("sandbox failure", "")
		return
	}

	out.Sandbox = res
	if res.Status == "denied" {
		k.escalate(ctx, req.Agent.ID, signal.SIGPOLICY, out)
	}
}

// Outbound returns the circuit breaker guarding a named dependency.
// Kernel-mediated outbound calls run inside Execute on that breaker.
func (k *Kernel) Outbound(dependency string) *breaker.Breaker {
	return k.breakers.For(dependency)
}

// Memory returns the guard for agent memory reads and writes.
func (k *Kernel) Memory() *memory.Guard {
	return k.guard
}

// Signal delivers a lifecycle signal to an agent.
func (k *Kernel) Signal(ctx context.Context, agentID string, sig signal.Signal) error {
	return k.dispatcher.Send(ctx, agentID, sig)
}

func (k *Kernel) escalate(ctx context.Context, agentID string, kind signal.Kind, out *Outcome) {
	if err := k.dispatcher.Escalate(ctx, agentID, kind, "kernel"); err != nil {
		k.logger.Error("escalation failed", "agent_id", agentID, "signal", kind.String(), "error", err)
		return
	}
	out.Signals = append(out.Signals, kind.String())
}
