package core

import (
	"maps"
	"sort"
	"time"

	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/federation"
	"github.com/stake-plus/govwatch/src/graph"
)

const (
	// DefaultMaxIterations bounds reflection when a descriptor leaves it unset.
	DefaultMaxIterations = 3
	// DefaultQualityThreshold is the confidence an analysis must reach to stop reflecting.
	DefaultQualityThreshold = 0.7
)

// Descriptor is the static metadata of a registered agent.
type Descriptor struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Synopsis         string   `json:"synopsis"`
	Capabilities     []string `json:"capabilities"`
	QualityThreshold float64  `json:"quality_threshold"`
	MaxIterations    int      `json:"max_iterations"`
}

// WithDefaults fills unset thresholds.
func (d Descriptor) WithDefaults() Descriptor {
	if d.MaxIterations <= 0 {
		d.MaxIterations = DefaultMaxIterations
	}
	if d.QualityThreshold <= 0 || d.QualityThreshold > 1 {
		d.QualityThreshold = DefaultQualityThreshold
	}
	return d
}

func (d Descriptor) clone() Descriptor {
	d.Capabilities = append([]string(nil), d.Capabilities...)
	return d
}

// Has reports whether the agent advertises capability c.
func (d Descriptor) Has(c string) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Caller identifies who asked for the investigation.
type Caller struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Message is the input of one agent dispatch. Agents must not mutate it.
type Message struct {
	ID              string
	InvestigationID string
	StepID          string
	Caller          Caller
	Content         map[string]any
	// Upstream holds the responses of the steps this one depends on, by step id.
	Upstream map[string]*Response
}

// String returns Content[key] when it is a non-empty string.
func (m Message) String(key string) string {
	s, _ := m.Content[key].(string)
	return s
}

// UpstreamEntities returns the ids of every upstream entity of the given
// kind, deduplicated and sorted.
func (m Message) UpstreamEntities(kind string) []string {
	seen := map[string]bool{}
	for _, resp := range m.Upstream {
		if resp == nil {
			continue
		}
		for _, e := range resp.Result.Entities {
			if e.Kind == kind {
				seen[e.ID] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UpstreamAgents lists the agents that produced upstream responses, sorted.
func (m Message) UpstreamAgents() []string {
	out := make([]string, 0, len(m.Upstream))
	for _, resp := range m.Upstream {
		if resp != nil {
			out = append(out, resp.AgentID)
		}
	}
	sort.Strings(out)
	return out
}

// Attempt describes how an analysis pass should run.
type Attempt struct {
	Iteration int                `json:"iteration"`
	Method    string             `json:"method"`
	Params    map[string]float64 `json:"params,omitempty"`
	// Repeated is set when Reflect returned the same method and params.
	Repeated bool `json:"repeated,omitempty"`
}

// Param returns Params[key] or def.
func (a Attempt) Param(key string, def float64) float64 {
	if v, ok := a.Params[key]; ok {
		return v
	}
	return def
}

// With returns a copy of a with method and the given params overriding.
func (a Attempt) With(method string, params map[string]float64) Attempt {
	next := Attempt{Method: method, Params: maps.Clone(a.Params)}
	if next.Params == nil {
		next.Params = map[string]float64{}
	}
	maps.Copy(next.Params, params)
	return next
}

func (a Attempt) same(b Attempt) bool {
	return a.Method == b.Method && maps.Equal(a.Params, b.Params)
}

// Analysis is the output of one pass.
type Analysis struct {
	Result     Result
	Confidence float64
}

// Finding communicates a single conclusion.
type Finding struct {
	Title      string   `json:"title"`
	Details    string   `json:"details"`
	Severity   string   `json:"severity"`
	Confidence float64  `json:"confidence"`
	Citations  []string `json:"citations,omitempty"`
}

// Metric provides a quantitative signal.
type Metric struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
	Units string  `json:"units,omitempty"`
}

// Result is the structured output of an agent.
type Result struct {
	Summary       string                        `json:"summary"`
	Anomalies     []anomaly.Anomaly             `json:"anomalies,omitempty"`
	Findings      []Finding                     `json:"findings,omitempty"`
	Entities      []graph.Entity                `json:"entities,omitempty"`
	Relationships []graph.Relationship          `json:"relationships,omitempty"`
	Metrics       []Metric                      `json:"metrics,omitempty"`
	Sources       map[string]federation.Outcome `json:"sources,omitempty"`
	Raw           map[string]any                `json:"raw,omitempty"`
}

// Response is what the orchestrator receives from one agent dispatch.
type Response struct {
	AgentID        string    `json:"agent_id"`
	MessageID      string    `json:"message_id"`
	StepID         string    `json:"step_id,omitempty"`
	Result         Result    `json:"result"`
	Confidence     float64   `json:"confidence"`
	IterationCount int       `json:"iteration_count"`
	Degraded       bool      `json:"degraded"`
	Method         string    `json:"method,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
}
