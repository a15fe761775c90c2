// Package nana correlates the outputs of the other agents on the entity
// graph: a supplier implicated by several independent signals is a stronger
// lead than any single anomaly.
package nana

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/graph"
)

// ID is the pool key of the agent.
const ID = "nana"

// Attempt methods, in escalation order.
const (
	MethodDirect       = "direct"
	MethodCompanyRoot  = "direct+root"
	MethodAgencySignal = "direct+root+agency"
)

const methodCorrelation anomaly.Method = "correlation"

// Config exposes heuristics for the correlator.
type Config struct {
	// MinSignals is how many distinct signal kinds a supplier needs to be flagged.
	MinSignals       int
	QualityThreshold float64
	MaxIterations    int
}

// Agent correlates upstream findings per supplier.
type Agent struct {
	cfg  Config
	deps agentcore.RuntimeDeps
}

// NewAgent builds a correlator with defaults.
func NewAgent(cfg Config, deps agentcore.RuntimeDeps) *Agent {
	if cfg.MinSignals <= 1 {
		cfg.MinSignals = 2
	}
	return &Agent{cfg: cfg, deps: deps}
}

// Describe returns the registration metadata for cfg.
func Describe(cfg Config) agentcore.Descriptor {
	return agentcore.Descriptor{
		ID:               ID,
		Name:             "Nanã",
		Synopsis:         "Correlates anomalies, sanctions and spending patterns per supplier on the entity graph.",
		Capabilities:     []string{"correlation", "entity_graph"},
		QualityThreshold: cfg.QualityThreshold,
		MaxIterations:    cfg.MaxIterations,
	}
}

func (a *Agent) Descriptor() agentcore.Descriptor { return Describe(a.cfg) }

// Reflect widens the correlation to company branches, then to agency-level
// spending patterns.
func (a *Agent) Reflect(prev agentcore.Attempt, _ agentcore.Analysis) agentcore.Attempt {
	switch prev.Method {
	case "", MethodDirect:
		return prev.With(MethodCompanyRoot, nil)
	default:
		return prev.With(MethodAgencySignal, nil)
	}
}

type signal struct {
	kind  string
	score float64
	note  string
}

// Analyze builds a graph of the upstream results and scores each supplier
// by the independent signals that reach it.
func (a *Agent) Analyze(ctx context.Context, msg agentcore.Message, attempt agentcore.Attempt) (agentcore.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return agentcore.Analysis{}, err
	}
	method := attempt.Method
	if method == "" {
		method = MethodDirect
	}
	methods := strings.Count(method, "+") + 1

	if len(msg.Upstream) == 0 {
		return agentcore.Analysis{
			Result:     agentcore.Result{Summary: "No upstream results to correlate."},
			Confidence: 0.3,
		}, nil
	}

	g := graph.New()
	degraded := 0
	for _, step := range sortedSteps(msg.Upstream) {
		resp := msg.Upstream[step]
		if resp.Degraded {
			degraded++
		}
		if err := g.Merge(resp.Result.Entities, resp.Result.Relationships); err != nil {
			return agentcore.Analysis{}, fmt.Errorf("nana: merge %s output: %w", resp.AgentID, err)
		}
	}

	signals := map[string][]signal{}
	add := func(supplier string, s signal) {
		if supplier != "" {
			signals[supplier] = append(signals[supplier], s)
		}
	}

	var relationships []graph.Relationship
	for _, step := range sortedSteps(msg.Upstream) {
		resp := msg.Upstream[step]
		for _, an := range resp.Result.Anomalies {
			switch an.Type {
			case anomaly.TypeZScoreOutlier, anomaly.TypeIQROutlier:
				contract := graph.ContractID(an.Ref)
				for _, supplier := range awardees(g, contract) {
					add(supplier, signal{kind: "price", score: an.Score, note: fmt.Sprintf("contract %s priced R$ %.2f", an.Ref, an.Value)})
					relationships = append(relationships, graph.Relationship{
						Source:     supplier,
						Target:     contract,
						Kind:       "implicated_in",
						Attributes: map[string]string{"anomaly": an.ID},
					})
				}
			case anomaly.TypeSanctionedSupplier:
				add(an.Ref, signal{kind: "sanction", score: an.Score, note: strings.Join(an.Indicators, "; ")})
			case anomaly.TypeSupplierConcentration:
				add(an.Ref, signal{kind: "concentration", score: an.Score, note: strings.Join(an.Indicators, "; ")})
			case anomaly.TypeSpectralPeriodicity:
				if method != MethodAgencySignal {
					continue
				}
				for _, supplier := range agencySuppliers(g, agencyOf(msg)) {
					add(supplier, signal{kind: "agency_pattern", score: an.Score * 0.5, note: fmt.Sprintf("agency spending repeats every %.1f months", an.Value)})
				}
			}
		}
	}

	if method != MethodDirect {
		signals = foldBranches(signals)
	}

	var candidates []anomaly.Candidate
	for supplier, list := range signals {
		kinds := distinctKinds(list)
		if len(kinds) < a.cfg.MinSignals {
			continue
		}
		candidates = append(candidates, anomaly.Candidate{
			Ref:       supplier,
			Label:     strings.Join(kinds, "+"),
			Value:     float64(len(kinds)),
			Method:    methodCorrelation,
			Type:      anomaly.TypeCorrelatedRisk,
			Score:     noisyOr(list),
			Indicator: describe(list),
		})
	}

	result := agentcore.Result{
		Anomalies:     anomaly.Combine(ID, candidates),
		Relationships: relationships,
		Raw:           map[string]any{"method": method, "upstream": msg.UpstreamAgents()},
	}
	for _, an := range result.Anomalies {
		result.Findings = append(result.Findings, agentcore.Finding{
			Title:      fmt.Sprintf("Supplier %s implicated by %s", strings.TrimPrefix(an.Ref, "supplier:"), an.Label),
			Details:    strings.Join(an.Indicators, "; "),
			Severity:   string(an.Severity()),
			Confidence: an.Score,
			Citations:  []string{an.Ref},
		})
	}
	nodes, edges := g.Len()
	result.Metrics = []agentcore.Metric{
		{Key: "graph_nodes", Value: float64(nodes), Units: "count"},
		{Key: "graph_edges", Value: float64(edges), Units: "count"},
		{Key: "suppliers_with_signals", Value: float64(len(signals)), Units: "count"},
		{Key: "correlated_suppliers", Value: float64(len(result.Anomalies)), Units: "count"},
	}
	result.Summary = fmt.Sprintf("Correlated %d upstream results over %d entities; %d suppliers implicated by multiple signals.",
		len(msg.Upstream), nodes, len(result.Anomalies))

	conf := 0.3 + 0.2*float64(len(msg.Upstream)) + 0.1*float64(methods-1) - 0.1*float64(degraded)
	conf = math.Round(conf*100) / 100
	return agentcore.Analysis{Result: result, Confidence: math.Max(0, math.Min(1, conf))}, nil
}

func sortedSteps(upstream map[string]*agentcore.Response) []string {
	out := make([]string, 0, len(upstream))
	for step, resp := range upstream {
		if resp != nil {
			out = append(out, step)
		}
	}
	sort.Strings(out)
	return out
}

// awardees returns the suppliers with an "awarded" edge into contract.
func awardees(g *graph.Graph, contract string) []string {
	var out []string
	for _, r := range g.Relationships(contract) {
		if r.Kind == "awarded" && r.Target == contract {
			out = append(out, r.Source)
		}
	}
	return out
}

func agencyOf(msg agentcore.Message) string {
	return graph.AgencyID(msg.String("agency"))
}

// agencySuppliers returns the suppliers of contracts issued by agency.
func agencySuppliers(g *graph.Graph, agency string) []string {
	if agency == "" {
		return nil
	}
	seen := map[string]bool{}
	for _, r := range g.Relationships(agency) {
		if r.Kind != "issued" {
			continue
		}
		for _, s := range awardees(g, r.Target) {
			seen[s] = true
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// foldBranches pools the signals of every branch of a company under each
// branch, so a sanction on one branch reaches contracts won by another.
func foldBranches(signals map[string][]signal) map[string][]signal {
	byRoot := map[string][]string{}
	for supplier := range signals {
		if root := graph.SupplierRoot(supplier); root != "" {
			byRoot[root] = append(byRoot[root], supplier)
		}
	}
	out := make(map[string][]signal, len(signals))
	for supplier, list := range signals {
		out[supplier] = append([]signal(nil), list...)
	}
	for _, branches := range byRoot {
		if len(branches) < 2 {
			continue
		}
		sort.Strings(branches)
		for _, target := range branches {
			for _, other := range branches {
				if other == target {
					continue
				}
				for _, s := range signals[other] {
					s.score *= 0.8
					s.note = fmt.Sprintf("%s (branch %s)", s.note, strings.TrimPrefix(other, "supplier:"))
					out[target] = append(out[target], s)
				}
			}
		}
	}
	return out
}

func distinctKinds(list []signal) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range list {
		if !seen[s.kind] {
			seen[s.kind] = true
			out = append(out, s.kind)
		}
	}
	sort.Strings(out)
	return out
}

// noisyOr combines the strongest signal of each kind as independent evidence.
func noisyOr(list []signal) float64 {
	best := map[string]float64{}
	for _, s := range list {
		if s.score > best[s.kind] {
			best[s.kind] = s.score
		}
	}
	miss := 1.0
	for _, score := range best {
		miss *= 1 - score
	}
	return 1 - miss
}

func describe(list []signal) string {
	notes := make([]string, 0, len(list))
	for _, s := range list {
		notes = append(notes, s.kind+": "+s.note)
	}
	sort.Strings(notes)
	return strings.Join(notes, "; ")
}
