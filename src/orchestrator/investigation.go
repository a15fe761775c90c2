// Package orchestrator plans an investigation as a dependency graph of agent
// steps, executes it with bounded concurrency and aggregates the partial
// results into one Investigation.
package orchestrator

import (
	"errors"
	"fmt"
	"slices"
	"time"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
)

// Intent selects an investigation template.
type Intent string

const (
	IntentAnomalyScan       Intent = "anomaly_scan"
	IntentSpendingPattern   Intent = "spending_pattern"
	IntentSupplierRisk      Intent = "supplier_risk"
	IntentFullInvestigation Intent = "full_investigation"
)

// Intents lists every supported intent in a stable order.
func Intents() []Intent {
	return []Intent{IntentAnomalyScan, IntentSpendingPattern, IntentSupplierRisk, IntentFullInvestigation}
}

// Query is an investigation request. Intent is classified upstream.
type Query struct {
	Text   string            `json:"text"`
	Intent Intent            `json:"intent"`
	Params map[string]string `json:"params,omitempty"`
}

// Status is the lifecycle state of an investigation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is the outcome of one plan step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepDegraded  StepStatus = "degraded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Produced reports whether the step left a usable response.
func (s StepStatus) Produced() bool {
	return s == StepCompleted || s == StepDegraded
}

// StepOutcome records what happened to one step.
type StepOutcome struct {
	StepID      string              `json:"step_id"`
	AgentID     string              `json:"agent_id"`
	Status      StepStatus          `json:"status"`
	Response    *agentcore.Response `json:"response,omitempty"`
	Error       string              `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at,omitempty"`
	CompletedAt time.Time           `json:"completed_at,omitempty"`

	err error
}

// Err returns the error that ended the step, if it is still attached.
func (o StepOutcome) Err() error { return o.err }

// ErrAlreadyCompleted is returned when an investigation is completed twice.
var ErrAlreadyCompleted = errors.New("orchestrator: investigation already completed")

// Investigation is the persisted record of one query.
type Investigation struct {
	ID          string              `json:"id"`
	Query       Query               `json:"query"`
	Caller      agentcore.Caller    `json:"caller"`
	Status      Status              `json:"status"`
	Plan        *ExecutionPlan      `json:"plan,omitempty"`
	Steps       []StepOutcome       `json:"steps"`
	Anomalies   []anomaly.Anomaly   `json:"anomalies"`
	Findings    []agentcore.Finding `json:"findings,omitempty"`
	Summary     string              `json:"summary,omitempty"`
	Error       string              `json:"error,omitempty"`
	Cancelled   bool                `json:"cancelled,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	StartedAt   time.Time           `json:"started_at,omitempty"`
	CompletedAt time.Time           `json:"completed_at,omitempty"`
}

// Complete sets the terminal status and completion time. It succeeds once.
func (inv *Investigation) Complete(status Status, at time.Time) error {
	if !inv.CompletedAt.IsZero() || inv.Status.Finished() {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, inv.ID)
	}
	if !status.Finished() {
		return fmt.Errorf("orchestrator: %s is not a terminal status", status)
	}
	inv.Status = status
	inv.CompletedAt = at
	return nil
}

// Step returns the outcome recorded for stepID.
func (inv *Investigation) Step(stepID string) (StepOutcome, bool) {
	for _, s := range inv.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return StepOutcome{}, false
}

// Clone returns a copy whose slices can be modified independently.
func (inv *Investigation) Clone() *Investigation {
	if inv == nil {
		return nil
	}
	out := *inv
	out.Steps = slices.Clone(inv.Steps)
	out.Anomalies = slices.Clone(inv.Anomalies)
	out.Findings = slices.Clone(inv.Findings)
	if inv.Plan != nil {
		out.Plan = inv.Plan.Clone()
	}
	return &out
}
