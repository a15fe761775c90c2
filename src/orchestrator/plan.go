package orchestrator

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
)

var (
	// ErrUnknownIntent is returned for intents without a template.
	ErrUnknownIntent = errors.New("orchestrator: unknown intent")
	// ErrEmptyPlan is returned when no step of a template can run.
	ErrEmptyPlan = errors.New("orchestrator: no registered agent can serve the query")
	// ErrInvalidPlan wraps every plan validation failure.
	ErrInvalidPlan = errors.New("orchestrator: invalid plan")
)

// Step is one agent invocation in a plan. DependsOn lists hard dependencies:
// the step is skipped when any of them does not produce a result. After lists
// soft dependencies: the step waits for them and reads their output when
// present, but runs either way.
type Step struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	After     []string       `json:"after,omitempty"`
}

// Prerequisites returns DependsOn followed by After.
func (s Step) Prerequisites() []string {
	out := make([]string, 0, len(s.DependsOn)+len(s.After))
	out = append(out, s.DependsOn...)
	return append(out, s.After...)
}

// ExecutionPlan is a DAG of steps.
type ExecutionPlan struct {
	Intent Intent `json:"intent"`
	Steps  []Step `json:"steps"`
}

// Clone copies the plan and its steps.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	out := &ExecutionPlan{Intent: p.Intent, Steps: make([]Step, len(p.Steps))}
	for i, s := range p.Steps {
		s.Inputs = maps.Clone(s.Inputs)
		s.DependsOn = append([]string(nil), s.DependsOn...)
		s.After = append([]string(nil), s.After...)
		out.Steps[i] = s
	}
	return out
}

// Validate rejects empty or duplicate step ids, references to unknown steps
// and dependency cycles.
func (p *ExecutionPlan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}
	index := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: step %d has no id", ErrInvalidPlan, i)
		}
		if strings.TrimSpace(s.AgentID) == "" {
			return fmt.Errorf("%w: step %s has no agent", ErrInvalidPlan, s.ID)
		}
		if _, dup := index[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step %s", ErrInvalidPlan, s.ID)
		}
		index[s.ID] = i
	}
	for _, s := range p.Steps {
		for _, dep := range s.Prerequisites() {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: step %s depends on unknown step %s", ErrInvalidPlan, s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("%w: step %s depends on itself", ErrInvalidPlan, s.ID)
			}
		}
	}

	// Depth-first search with three colors.
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(p.Steps))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("%w: cycle %s", ErrInvalidPlan, strings.Join(append(path, id), " -> "))
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range p.Steps[index[id]].Prerequisites() {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range p.Steps {
		if err := visit(s.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

// Catalog lists the agents available to the planner.
type Catalog interface {
	Capabilities() []agentcore.Descriptor
}

// Planner turns a query into an execution plan from per-intent templates.
type Planner struct {
	catalog Catalog
}

// NewPlanner returns a planner restricted to the agents in catalog.
func NewPlanner(catalog Catalog) *Planner {
	return &Planner{catalog: catalog}
}

// Step ids used by the templates.
const (
	StepContracts   = "contracts"
	StepSpending    = "spending"
	StepSanctions   = "sanctions"
	StepCorrelation = "correlation"
)

// Agent ids referenced by the templates.
const (
	agentContracts   = "zumbi"
	agentSpending    = "anita"
	agentSanctions   = "oxossi"
	agentCorrelation = "nana"
)

func template(intent Intent) ([]Step, bool) {
	switch intent {
	case IntentAnomalyScan:
		return []Step{
			{ID: StepContracts, AgentID: agentContracts},
		}, true
	case IntentSpendingPattern:
		return []Step{
			{ID: StepSpending, AgentID: agentSpending},
		}, true
	case IntentSupplierRisk:
		return []Step{
			{ID: StepContracts, AgentID: agentContracts},
			{ID: StepSanctions, AgentID: agentSanctions, After: []string{StepContracts}},
			{ID: StepCorrelation, AgentID: agentCorrelation, DependsOn: []string{StepSanctions}, After: []string{StepContracts}},
		}, true
	case IntentFullInvestigation:
		return []Step{
			{ID: StepContracts, AgentID: agentContracts},
			{ID: StepSpending, AgentID: agentSpending},
			{ID: StepSanctions, AgentID: agentSanctions, After: []string{StepContracts}},
			{ID: StepCorrelation, AgentID: agentCorrelation, DependsOn: []string{StepContracts}, After: []string{StepSpending, StepSanctions}},
		}, true
	default:
		return nil, false
	}
}

// Plan builds the plan for q. Steps whose agent is not registered are
// dropped together with every step that hard-depends on them; soft
// references to dropped steps are removed. Output is deterministic for a
// given intent, params and catalog.
func (p *Planner) Plan(q Query) (*ExecutionPlan, error) {
	intent := Intent(strings.ToLower(strings.TrimSpace(string(q.Intent))))
	steps, ok := template(intent)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIntent, q.Intent)
	}

	available := map[string]bool{}
	for _, d := range p.catalog.Capabilities() {
		available[d.ID] = true
	}

	dropped := map[string]bool{}
	kept := make([]Step, 0, len(steps))
	for _, s := range steps {
		drop := !available[s.AgentID]
		for _, dep := range s.DependsOn {
			if dropped[dep] {
				drop = true
			}
		}
		if drop {
			dropped[s.ID] = true
			continue
		}
		var after []string
		for _, dep := range s.After {
			if !dropped[dep] {
				after = append(after, dep)
			}
		}
		s.After = after
		s.Inputs = inputs(q)
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w (intent %s)", ErrEmptyPlan, intent)
	}

	plan := &ExecutionPlan{Intent: intent, Steps: kept}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func inputs(q Query) map[string]any {
	out := make(map[string]any, len(q.Params)+1)
	for k, v := range q.Params {
		if v = strings.TrimSpace(v); v != "" {
			out[strings.ToLower(k)] = v
		}
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		out["query"] = text
	}
	return out
}
