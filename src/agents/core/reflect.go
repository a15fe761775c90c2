package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/stake-plus/govwatch/src/logging"
	"github.com/stake-plus/govwatch/src/telemetry"
)

// Reflector runs an agent's analysis in a bounded, confidence-driven loop.
// Each pass either reaches the descriptor's quality threshold or asks the
// agent to reflect and try a different attempt. After MaxIterations passes
// the best analysis seen is returned marked degraded.
type Reflector struct {
	// Delay waits between iterations. The wait ends early when ctx is done.
	Delay   time.Duration
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

func (r *Reflector) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Process runs agent against msg. Errors from Analyze are wrapped in
// *AgentProcessingError and are never retried. Low confidence is not an error.
func (r *Reflector) Process(ctx context.Context, agent Agent, msg Message) (*Response, error) {
	desc := agent.Descriptor().WithDefaults()
	logger := logging.OrDiscard(r.Logger).With("agent", desc.ID, "message", msg.ID)
	started := r.now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		best        Analysis
		bestAttempt Attempt
		attempt     = Attempt{}
		iterations  int
	)
	for i := 1; i <= desc.MaxIterations; i++ {
		attempt.Iteration = i
		iterations = i

		analysis, err := agent.Analyze(ctx, msg, attempt)
		if err != nil {
			r.Metrics.ObserveAgent(desc.ID, i, false)
			return nil, &AgentProcessingError{AgentID: desc.ID, MessageID: msg.ID, Iteration: i, Err: err}
		}
		analysis.Confidence = clamp(analysis.Confidence, 0, 1)
		if i == 1 || analysis.Confidence > best.Confidence {
			best, bestAttempt = analysis, attempt
		}

		if analysis.Confidence >= desc.QualityThreshold {
			logger.Debug("analysis accepted", "iteration", i, "confidence", analysis.Confidence, "method", attempt.Method)
			return r.respond(desc, msg, started, best, bestAttempt, i, false), nil
		}
		if i == desc.MaxIterations {
			break
		}

		next := agent.Reflect(attempt, analysis)
		if next.same(attempt) {
			next.Repeated = true
		}
		logger.Debug("reflecting",
			"iteration", i,
			"confidence", analysis.Confidence,
			"threshold", desc.QualityThreshold,
			"from", attempt.Method,
			"to", next.Method)
		attempt = next

		if !r.wait(ctx) {
			logger.Info("reflection interrupted", "iteration", i, "err", ctx.Err())
			return r.respond(desc, msg, started, best, bestAttempt, i, true), nil
		}
	}

	logger.Info("reflection bound reached",
		"iterations", iterations,
		"confidence", best.Confidence,
		"threshold", desc.QualityThreshold)
	return r.respond(desc, msg, started, best, bestAttempt, iterations, true), nil
}

func (r *Reflector) wait(ctx context.Context) bool {
	if r.Delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(r.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Reflector) respond(desc Descriptor, msg Message, started time.Time, best Analysis, attempt Attempt, iterations int, degraded bool) *Response {
	r.Metrics.ObserveAgent(desc.ID, iterations, degraded)
	return &Response{
		AgentID:        desc.ID,
		MessageID:      msg.ID,
		StepID:         msg.StepID,
		Result:         best.Result,
		Confidence:     best.Confidence,
		IterationCount: iterations,
		Degraded:       degraded,
		Method:         attempt.Method,
		StartedAt:      started,
		CompletedAt:    r.now(),
	}
}

func clamp(val, min, max float64) float64 {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
