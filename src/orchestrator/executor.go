package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/logging"
	"github.com/stake-plus/govwatch/src/telemetry"
)

const (
	defaultMaxConcurrency = 4
	defaultStepTimeout    = 2 * time.Minute
)

// AgentSource resolves agents by id.
type AgentSource interface {
	Get(id string) (agentcore.Agent, error)
}

// ExecutorConfig tunes plan execution.
type ExecutorConfig struct {
	// MaxConcurrency bounds how many steps run at once (default: 4).
	MaxConcurrency int
	// StepTimeout bounds each step, reflection included (default: 2m).
	StepTimeout time.Duration
}

// Executor runs execution plans.
type Executor struct {
	agents    AgentSource
	reflector *agentcore.Reflector
	cfg       ExecutorConfig
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// NewExecutor builds an executor. A nil reflector gets a zero-delay one.
func NewExecutor(agents AgentSource, reflector *agentcore.Reflector, cfg ExecutorConfig, logger *slog.Logger, metrics *telemetry.Metrics) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if reflector == nil {
		reflector = &agentcore.Reflector{Logger: logger, Metrics: metrics}
	}
	return &Executor{
		agents:    agents,
		reflector: reflector,
		cfg:       cfg,
		logger:    logging.OrDiscard(logger),
		metrics:   metrics,
		tracer:    otel.Tracer(telemetry.TracerName),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type stepRun struct {
	step    Step
	done    chan struct{}
	outcome StepOutcome
}

// Execute runs every step of plan and returns one outcome per step, in plan
// order. Each step runs in its own goroutine once all of its prerequisites
// have finished. A step whose hard dependency did not produce a result is
// skipped; soft dependencies never block. When ctx ends, steps that have not
// started are cancelled while finished outcomes are kept.
func (e *Executor) Execute(ctx context.Context, investigationID string, plan *ExecutionPlan, caller agentcore.Caller) ([]StepOutcome, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(
			attribute.String("investigation.id", investigationID),
			attribute.String("plan.intent", string(plan.Intent)),
			attribute.Int("plan.steps", len(plan.Steps)),
		))
	defer span.End()

	runs := make(map[string]*stepRun, len(plan.Steps))
	for _, s := range plan.Steps {
		runs[s.ID] = &stepRun{step: s, done: make(chan struct{})}
	}

	sem := make(chan struct{}, e.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, s := range plan.Steps {
		run := runs[s.ID]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(run.done)
			run.outcome = e.runStep(ctx, investigationID, run, runs, sem, caller)
			e.metrics.ObserveStep(run.step.AgentID, string(run.outcome.Status))
		}()
	}
	wg.Wait()

	out := make([]StepOutcome, len(plan.Steps))
	for i, s := range plan.Steps {
		out[i] = runs[s.ID].outcome
	}
	return out, nil
}

func (e *Executor) runStep(ctx context.Context, investigationID string, run *stepRun, runs map[string]*stepRun, sem chan struct{}, caller agentcore.Caller) StepOutcome {
	step := run.step
	outcome := StepOutcome{StepID: step.ID, AgentID: step.AgentID}
	logger := e.logger.With("investigation", investigationID, "step", step.ID, "agent", step.AgentID)

	// Prerequisites close their done channel before this read; their
	// outcome is safe to read afterwards.
	for _, dep := range step.Prerequisites() {
		select {
		case <-runs[dep].done:
		case <-ctx.Done():
			return cancelled(outcome, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return cancelled(outcome, err)
	}
	for _, dep := range step.DependsOn {
		if st := runs[dep].outcome.Status; !st.Produced() {
			outcome.Status = StepSkipped
			outcome.Error = fmt.Sprintf("skipped: dependency %s %s", dep, st)
			logger.Info("step skipped", "dependency", dep, "dependency_status", st)
			return outcome
		}
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return cancelled(outcome, ctx.Err())
	}
	defer func() { <-sem }()
	if err := ctx.Err(); err != nil {
		return cancelled(outcome, err)
	}

	upstream := map[string]*agentcore.Response{}
	for _, dep := range step.Prerequisites() {
		if resp := runs[dep].outcome.Response; resp != nil {
			upstream[dep] = resp
		}
	}
	msg := agentcore.Message{
		ID:              uuid.NewString(),
		InvestigationID: investigationID,
		StepID:          step.ID,
		Caller:          caller,
		Content:         step.Inputs,
		Upstream:        upstream,
	}

	outcome.StartedAt = e.now()
	resp, err := e.invoke(ctx, step, msg)
	outcome.CompletedAt = e.now()

	switch {
	case err == nil:
		resp.StepID = step.ID
		outcome.Response = resp
		outcome.Status = StepCompleted
		if resp.Degraded {
			outcome.Status = StepDegraded
		}
		logger.Info("step finished",
			"status", outcome.Status,
			"confidence", resp.Confidence,
			"iterations", resp.IterationCount,
			"anomalies", len(resp.Result.Anomalies))
	case ctx.Err() != nil:
		outcome = cancelled(outcome, err)
		logger.Info("step cancelled")
	default:
		outcome.Status = StepFailed
		outcome.Error = err.Error()
		outcome.err = err
		logger.Warn("step failed", "error", err)
	}
	return outcome
}

// invoke resolves the agent and runs it through the reflector under the step
// timeout. A panic in the agent is returned as an error.
func (e *Executor) invoke(ctx context.Context, step Step, msg agentcore.Message) (resp *agentcore.Response, err error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.step",
		trace.WithAttributes(
			attribute.String("step.id", step.ID),
			attribute.String("agent.id", step.AgentID),
			attribute.String("message.id", msg.ID),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Float64("agent.confidence", resp.Confidence),
				attribute.Int("agent.iterations", resp.IterationCount),
				attribute.Bool("agent.degraded", resp.Degraded),
			)
		}
		span.End()
	}()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("agent panic", "agent", step.AgentID, "step", step.ID, "panic", r, "stack", string(debug.Stack()))
			resp, err = nil, fmt.Errorf("agent %s panicked: %v", step.AgentID, r)
		}
	}()

	agent, err := e.agents.Get(step.AgentID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()
	return e.reflector.Process(ctx, agent, msg)
}

func cancelled(o StepOutcome, err error) StepOutcome {
	o.Status = StepCancelled
	if err != nil {
		o.Error = err.Error()
		o.err = err
	}
	return o
}
