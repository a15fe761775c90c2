// Package zumbi investigates contract values for price outliers.
package zumbi

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/federation"
	"github.com/stake-plus/govwatch/src/graph"
)

// ID is the pool key of the agent.
const ID = "zumbi"

// Dataset is the federation dataset the agent reads.
const Dataset = "contracts"

// Attempt methods, in escalation order.
const (
	MethodZScore    = "zscore"
	MethodCombined  = "zscore+iqr"
	MethodSensitive = "zscore+iqr:sensitive"
)

// Config exposes heuristics for the contract investigator.
type Config struct {
	// Providers lists candidate providers for the contracts dataset, in priority order.
	Providers        []string
	ZThreshold       float64
	IQRMultiplier    float64
	QualityThreshold float64
	MaxIterations    int
}

// Agent flags contracts whose value is out of line with the agency's other contracts.
type Agent struct {
	cfg  Config
	deps agentcore.RuntimeDeps
}

// NewAgent builds a contract investigator with defaults.
func NewAgent(cfg Config, deps agentcore.RuntimeDeps) *Agent {
	if cfg.ZThreshold <= 0 {
		cfg.ZThreshold = 3.0
	}
	if cfg.IQRMultiplier <= 0 {
		cfg.IQRMultiplier = 1.5
	}
	return &Agent{cfg: cfg, deps: deps}
}

// Describe returns the registration metadata for cfg.
func Describe(cfg Config) agentcore.Descriptor {
	return agentcore.Descriptor{
		ID:               ID,
		Name:             "Zumbi dos Palmares",
		Synopsis:         "Flags contracts priced far above or below the agency's other contracts.",
		Capabilities:     []string{"contract_analysis", "price_anomaly"},
		QualityThreshold: cfg.QualityThreshold,
		MaxIterations:    cfg.MaxIterations,
	}
}

func (a *Agent) Descriptor() agentcore.Descriptor { return Describe(a.cfg) }

// Reflect escalates from Z-score alone, to Z-score plus IQR, to both at a
// lower Z threshold.
func (a *Agent) Reflect(prev agentcore.Attempt, _ agentcore.Analysis) agentcore.Attempt {
	switch prev.Method {
	case "", MethodZScore:
		return prev.With(MethodCombined, map[string]float64{"k": a.cfg.IQRMultiplier})
	default:
		z := prev.Param("z", a.cfg.ZThreshold)
		return prev.With(MethodSensitive, map[string]float64{"z": math.Max(2.0, z-0.5)})
	}
}

// Analyze fetches the contracts selected by the message and scores them.
func (a *Agent) Analyze(ctx context.Context, msg agentcore.Message, attempt agentcore.Attempt) (agentcore.Analysis, error) {
	if a.deps.Gateway == nil {
		return agentcore.Analysis{}, fmt.Errorf("zumbi: no federation gateway configured")
	}
	method := attempt.Method
	if method == "" {
		method = MethodZScore
	}

	req := federation.Request{
		Query:     federation.Query{Dataset: Dataset, Params: queryParams(msg)},
		Providers: a.cfg.Providers,
	}
	res, err := a.deps.Gateway.Fetch(ctx, req)
	if err != nil {
		return agentcore.Analysis{}, fmt.Errorf("zumbi: fetch contracts: %w", err)
	}

	contracts := parseContracts(res.Records)
	series := anomaly.Series{Source: ID}
	for _, c := range contracts {
		series.Points = append(series.Points, anomaly.Point{
			Ref:   c.ID,
			Label: c.Object,
			Value: c.Value,
			Time:  c.SignedAt,
		})
	}

	engineCfg := anomaly.Config{
		Methods:       []anomaly.Method{anomaly.MethodZScore},
		ZThreshold:    attempt.Param("z", a.cfg.ZThreshold),
		IQRMultiplier: attempt.Param("k", a.cfg.IQRMultiplier),
	}
	if method != MethodZScore {
		engineCfg.Methods = append(engineCfg.Methods, anomaly.MethodIQR)
	}
	found := anomaly.NewEngine(engineCfg).Detect(series)

	result := agentcore.Result{
		Anomalies: found,
		Sources:   res.Outcomes,
		Metrics:   metrics(contracts, found),
		Raw: map[string]any{
			"provider":          res.Provider,
			"method":            method,
			"value_by_supplier": valueBySupplier(contracts),
		},
	}
	result.Entities, result.Relationships = entities(contracts)
	result.Findings = findings(contracts, found)
	result.Summary = fmt.Sprintf("Analyzed %d contracts from %s with %s; %d anomalies.",
		len(contracts), res.Provider, method, len(found))

	return agentcore.Analysis{
		Result:     result,
		Confidence: confidence(len(series.Points), len(engineCfg.Methods), res.Primary(req)),
	}, nil
}

// confidence grows with sample size and with each agreeing method, and is
// discounted when a fallback provider answered.
func confidence(n, methods int, primary bool) float64 {
	if n < 3 {
		return 0.2
	}
	sample := math.Min(1, math.Log10(float64(n+1))/math.Log10(51))
	conf := 0.35 + 0.45*sample + 0.1*float64(methods-1)
	if !primary {
		conf *= 0.9
	}
	return math.Min(1, conf)
}

var passthroughParams = []string{"agency", "year", "month", "supplier", "modality", "page"}

func queryParams(msg agentcore.Message) map[string]string {
	out := map[string]string{}
	for _, key := range passthroughParams {
		if v := agentcore.String(msg.Content[key]); v != "" {
			out[key] = v
		}
	}
	return out
}

// Contract is the subset of a contract record the agent uses.
type Contract struct {
	ID           string
	Object       string
	Value        float64
	SupplierID   string
	SupplierName string
	AgencyID     string
	AgencyName   string
	SignedAt     time.Time
}

func metrics(contracts []Contract, found []anomaly.Anomaly) []agentcore.Metric {
	var total float64
	for _, c := range contracts {
		total += c.Value
	}
	mean := 0.0
	if len(contracts) > 0 {
		mean = total / float64(len(contracts))
	}
	return []agentcore.Metric{
		{Key: "contracts_analyzed", Value: float64(len(contracts)), Units: "count"},
		{Key: "contracts_value_total", Value: total, Units: "BRL"},
		{Key: "contracts_value_mean", Value: mean, Units: "BRL"},
		{Key: "anomalies_found", Value: float64(len(found)), Units: "count"},
	}
}

func findings(contracts []Contract, found []anomaly.Anomaly) []agentcore.Finding {
	byID := make(map[string]Contract, len(contracts))
	for _, c := range contracts {
		byID[c.ID] = c
	}
	out := make([]agentcore.Finding, 0, len(found))
	for _, a := range found {
		c := byID[a.Ref]
		supplier := c.SupplierName
		if supplier == "" {
			supplier = "unknown supplier"
		}
		out = append(out, agentcore.Finding{
			Title:      fmt.Sprintf("Contract %s priced at R$ %.2f", a.Ref, a.Value),
			Details:    fmt.Sprintf("%s (%s): %v", supplier, c.Object, a.Indicators),
			Severity:   string(a.Severity()),
			Confidence: a.Score,
			Citations:  []string{graph.ContractID(a.Ref)},
		})
	}
	return out
}

func entities(contracts []Contract) ([]graph.Entity, []graph.Relationship) {
	var ents []graph.Entity
	var rels []graph.Relationship
	for _, c := range contracts {
		contractID := graph.ContractID(c.ID)
		ents = append(ents, graph.Entity{
			ID:   contractID,
			Kind: graph.KindContract,
			Attributes: map[string]string{
				"object": c.Object,
				"value":  fmt.Sprintf("%.2f", c.Value),
			},
		})
		if c.SupplierID != "" {
			ents = append(ents, graph.Entity{
				ID:         c.SupplierID,
				Kind:       graph.KindSupplier,
				Attributes: nonEmpty(map[string]string{"name": c.SupplierName}),
			})
			rels = append(rels, graph.Relationship{Source: c.SupplierID, Target: contractID, Kind: "awarded"})
		}
		if c.AgencyID != "" {
			ents = append(ents, graph.Entity{
				ID:         c.AgencyID,
				Kind:       graph.KindAgency,
				Attributes: nonEmpty(map[string]string{"name": c.AgencyName}),
			})
			rels = append(rels, graph.Relationship{Source: c.AgencyID, Target: contractID, Kind: "issued"})
		}
	}
	return ents, rels
}

// valueBySupplier totals contract value per supplier node id.
func valueBySupplier(contracts []Contract) map[string]float64 {
	out := map[string]float64{}
	for _, c := range contracts {
		if c.SupplierID != "" {
			out[c.SupplierID] += c.Value
		}
	}
	return out
}

// SupplierIDs returns the distinct suppliers named in a zumbi result, sorted.
func SupplierIDs(result agentcore.Result) []string {
	seen := map[string]bool{}
	for _, e := range result.Entities {
		if e.Kind == graph.KindSupplier {
			seen[e.ID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func nonEmpty(attrs map[string]string) map[string]string {
	for k, v := range attrs {
		if v == "" {
			delete(attrs, k)
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
