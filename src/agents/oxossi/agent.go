// Package oxossi hunts supplier fraud signals: sanctions across the federal
// registries and concentration of an agency's spending in few suppliers.
package oxossi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/federation"
	"github.com/stake-plus/govwatch/src/graph"
)

// ID is the pool key of the agent.
const ID = "oxossi"

// Dataset is the federation dataset the agent reads.
const Dataset = "sanctions"

// Attempt methods, in escalation order.
const (
	MethodSanctions     = "sanctions"
	MethodConcentration = "sanctions+concentration"
	MethodCompanyRoot   = "sanctions+concentration+root"
)

const methodRule anomaly.Method = "rule"

// Config exposes heuristics for the supplier fraud hunter.
type Config struct {
	// Sources lists the sanction registries queried together.
	Sources []string
	// MaxSuppliers caps how many suppliers one invocation checks.
	MaxSuppliers int
	// Parallelism bounds concurrent supplier lookups.
	Parallelism int
	// ConcentrationHHI is the Herfindahl index above which spending counts as concentrated.
	ConcentrationHHI float64
	QualityThreshold float64
	MaxIterations    int
}

// Agent cross-checks suppliers against sanction registries.
type Agent struct {
	cfg  Config
	deps agentcore.RuntimeDeps
	now  func() time.Time
}

// NewAgent builds a supplier fraud hunter with defaults.
func NewAgent(cfg Config, deps agentcore.RuntimeDeps) *Agent {
	if cfg.MaxSuppliers <= 0 {
		cfg.MaxSuppliers = 25
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.ConcentrationHHI <= 0 {
		cfg.ConcentrationHHI = 0.25
	}
	return &Agent{cfg: cfg, deps: deps, now: time.Now}
}

// Describe returns the registration metadata for cfg.
func Describe(cfg Config) agentcore.Descriptor {
	return agentcore.Descriptor{
		ID:               ID,
		Name:             "Oxossi",
		Synopsis:         "Checks suppliers against sanction registries and measures supplier concentration.",
		Capabilities:     []string{"supplier_risk", "sanctions", "concentration"},
		QualityThreshold: cfg.QualityThreshold,
		MaxIterations:    cfg.MaxIterations,
	}
}

func (a *Agent) Descriptor() agentcore.Descriptor { return Describe(a.cfg) }

// Reflect widens the hunt: first concentration, then sanctions on any branch
// of the same company.
func (a *Agent) Reflect(prev agentcore.Attempt, _ agentcore.Analysis) agentcore.Attempt {
	switch prev.Method {
	case "", MethodSanctions:
		return prev.With(MethodConcentration, nil)
	default:
		return prev.With(MethodCompanyRoot, nil)
	}
}

// Analyze looks up every supplier from upstream steps or the message.
func (a *Agent) Analyze(ctx context.Context, msg agentcore.Message, attempt agentcore.Attempt) (agentcore.Analysis, error) {
	if a.deps.Gateway == nil {
		return agentcore.Analysis{}, fmt.Errorf("oxossi: no federation gateway configured")
	}
	method := attempt.Method
	if method == "" {
		method = MethodSanctions
	}
	methods := strings.Count(method, "+") + 1

	suppliers := a.suppliers(msg)
	if len(suppliers) == 0 {
		return agentcore.Analysis{
			Result:     agentcore.Result{Summary: "No suppliers to check."},
			Confidence: 0.3,
		}, nil
	}

	lookups, err := a.lookup(ctx, suppliers, method == MethodCompanyRoot)
	if err != nil {
		return agentcore.Analysis{}, err
	}

	var (
		candidates []anomaly.Candidate
		result     agentcore.Result
	)
	for _, l := range lookups {
		for _, s := range l.sanctions {
			candidates = append(candidates, s.candidate(l.supplier, a.now()))
			result.Entities = append(result.Entities, s.entity(), graph.Entity{ID: l.supplier, Kind: graph.KindSupplier})
			result.Relationships = append(result.Relationships, graph.Relationship{
				Source:     l.supplier,
				Target:     s.nodeID(),
				Kind:       "sanctioned_by",
				Attributes: map[string]string{"registry": s.Source, "match": s.match},
			})
		}
	}

	var hhi float64
	result.Anomalies = anomaly.Combine(ID, candidates)
	if method != MethodSanctions {
		var c *anomaly.Candidate
		hhi, c = concentration(msg, a.cfg.ConcentrationHHI)
		if c != nil {
			// A dominant supplier may also be sanctioned; keep both findings.
			result.Anomalies = append(result.Anomalies, anomaly.Combine(ID, []anomaly.Candidate{*c})...)
			anomaly.Rank(result.Anomalies)
		}
	}
	for _, an := range result.Anomalies {
		result.Findings = append(result.Findings, agentcore.Finding{
			Title:      findingTitle(an),
			Details:    strings.Join(an.Indicators, "; "),
			Severity:   string(an.Severity()),
			Confidence: an.Score,
			Citations:  []string{an.Ref},
		})
	}

	sources, coverage := mergeOutcomes(lookups)
	result.Sources = sources
	result.Metrics = []agentcore.Metric{
		{Key: "suppliers_checked", Value: float64(len(suppliers)), Units: "count"},
		{Key: "suppliers_sanctioned", Value: float64(countSanctioned(lookups)), Units: "count"},
		{Key: "sanction_source_coverage", Value: coverage, Units: "ratio"},
		{Key: "supplier_hhi", Value: hhi, Units: "index"},
	}
	result.Raw = map[string]any{"method": method}
	result.Summary = fmt.Sprintf("Checked %d suppliers against %d registries (%.0f%% answered); %d flagged.",
		len(suppliers), len(a.cfg.Sources), coverage*100, len(result.Anomalies))

	return agentcore.Analysis{
		Result:     result,
		Confidence: math.Min(1, 0.3+0.5*coverage+0.1*float64(methods-1)),
	}, nil
}

// suppliers merges upstream supplier entities with the "suppliers" and
// "cnpj" message fields, capped at MaxSuppliers.
func (a *Agent) suppliers(msg agentcore.Message) []string {
	seen := map[string]bool{}
	for _, id := range msg.UpstreamEntities(graph.KindSupplier) {
		seen[id] = true
	}
	var extra []string
	switch v := msg.Content["suppliers"].(type) {
	case []string:
		extra = v
	case []any:
		for _, item := range v {
			extra = append(extra, agentcore.String(item))
		}
	case string:
		extra = strings.Split(v, ",")
	}
	extra = append(extra, msg.String("cnpj"))
	for _, doc := range extra {
		if id := graph.SupplierID(doc); id != "" {
			seen[id] = true
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	if len(out) > a.cfg.MaxSuppliers {
		out = out[:a.cfg.MaxSuppliers]
	}
	return out
}

type supplierLookup struct {
	supplier  string
	sanctions []sanction
	union     *federation.UnionResult
}

// lookup runs one union fan-out per supplier. Suppliers whose registries all
// failed keep an empty lookup; the call fails only when nothing answered.
func (a *Agent) lookup(ctx context.Context, suppliers []string, byRoot bool) ([]supplierLookup, error) {
	out := make([]supplierLookup, len(suppliers))
	var (
		mu      sync.Mutex
		lastErr error
		failed  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Parallelism)
	for i, supplier := range suppliers {
		g.Go(func() error {
			digits := strings.TrimPrefix(supplier, "supplier:")
			req := federation.Request{
				Query:     federation.Query{Dataset: Dataset, Params: map[string]string{"cnpj": digits}},
				Providers: a.cfg.Sources,
			}
			if byRoot && graph.SupplierRoot(supplier) != "" {
				req.Params = map[string]string{"cnpj_root": graph.SupplierRoot(supplier)}
			}
			union, err := a.deps.Gateway.Union(gctx, req)
			out[i] = supplierLookup{supplier: supplier, union: union}
			if err != nil {
				mu.Lock()
				failed++
				lastErr = err
				mu.Unlock()
				return nil
			}
			out[i].sanctions = parseSanctions(union.Merged, supplier, byRoot)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if failed == len(suppliers) {
		return nil, fmt.Errorf("oxossi: sanction lookup: %w", lastErr)
	}
	return out, nil
}

// mergeOutcomes folds per-supplier outcomes into one outcome per registry
// (failed if any lookup failed) and returns the mean union coverage.
func mergeOutcomes(lookups []supplierLookup) (map[string]federation.Outcome, float64) {
	merged := map[string]federation.Outcome{}
	var coverage float64
	for _, l := range lookups {
		if l.union == nil {
			continue
		}
		coverage += l.union.Coverage()
		for name, o := range l.union.Outcomes {
			prev, ok := merged[name]
			if !ok {
				merged[name] = o
				continue
			}
			if o.Status != federation.OutcomeOK {
				o.Records += prev.Records
				merged[name] = o
				continue
			}
			prev.Records += o.Records
			merged[name] = prev
		}
	}
	if len(lookups) == 0 {
		return merged, 0
	}
	return merged, coverage / float64(len(lookups))
}

func countSanctioned(lookups []supplierLookup) int {
	n := 0
	for _, l := range lookups {
		if len(l.sanctions) > 0 {
			n++
		}
	}
	return n
}

// concentration computes the Herfindahl-Hirschman index of contract value
// by supplier from upstream results and flags the dominant supplier when the
// index reaches threshold.
func concentration(msg agentcore.Message, threshold float64) (float64, *anomaly.Candidate) {
	totals := map[string]float64{}
	for _, resp := range msg.Upstream {
		if resp == nil {
			continue
		}
		if bySupplier, ok := resp.Result.Raw["value_by_supplier"].(map[string]float64); ok {
			for id, v := range bySupplier {
				totals[id] += v
			}
		}
	}
	if len(totals) < 2 {
		return 0, nil
	}

	var sum float64
	for _, v := range totals {
		sum += v
	}
	if sum <= 0 {
		return 0, nil
	}

	var hhi, topShare float64
	var top string
	ids := make([]string, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		share := totals[id] / sum
		hhi += share * share
		if share > topShare {
			top, topShare = id, share
		}
	}
	hhi = anomaly.Round(hhi)
	if hhi < threshold {
		return hhi, nil
	}
	return hhi, &anomaly.Candidate{
		Ref:       top,
		Label:     "dominant supplier",
		Value:     anomaly.Round(topShare),
		Method:    methodRule,
		Type:      anomaly.TypeSupplierConcentration,
		Score:     hhi,
		Indicator: fmt.Sprintf("holds %.1f%% of contract value across %d suppliers (HHI %.2f)", topShare*100, len(totals), hhi),
	}
}

func findingTitle(an anomaly.Anomaly) string {
	switch an.Type {
	case anomaly.TypeSanctionedSupplier:
		return fmt.Sprintf("Supplier %s appears in sanction registries", strings.TrimPrefix(an.Ref, "supplier:"))
	case anomaly.TypeSupplierConcentration:
		return fmt.Sprintf("Spending concentrated in supplier %s", strings.TrimPrefix(an.Ref, "supplier:"))
	default:
		return string(an.Type)
	}
}

var errNoDocument = errors.New("oxossi: sanction record has no document")
