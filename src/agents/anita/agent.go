// Package anita analyzes an agency's spending over time for recurring
// patterns and abnormal months.
package anita

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
const ID = "anita"

// Dataset is the federation dataset the agent reads.
const Dataset = "spending"

// Attempt methods, in escalation order.
const (
	MethodSpectral  = "spectral"
	MethodCombined  = "spectral+zscore"
	MethodSensitive = "spectral+zscore:sensitive"
)

// Config exposes heuristics for the spending analyst.
type Config struct {
	Providers         []string
	SpectralThreshold float64
	MinEnergyShare    float64
	QualityThreshold  float64
	MaxIterations     int
}

// Agent looks for periodicity and spikes in monthly spending.
type Agent struct {
	cfg  Config
	deps agentcore.RuntimeDeps
}

// NewAgent builds a spending analyst with defaults.
func NewAgent(cfg Config, deps agentcore.RuntimeDeps) *Agent {
	if cfg.SpectralThreshold <= 0 {
		cfg.SpectralThreshold = 4.0
	}
	if cfg.MinEnergyShare <= 0 {
		cfg.MinEnergyShare = 0.05
	}
	return &Agent{cfg: cfg, deps: deps}
}

// Describe returns the registration metadata for cfg.
func Describe(cfg Config) agentcore.Descriptor {
	return agentcore.Descriptor{
		ID:               ID,
		Name:             "Anita Garibaldi",
		Synopsis:         "Finds recurring spending patterns and abnormal months in an agency's expenses.",
		Capabilities:     []string{"spending_pattern", "spectral_analysis", "trend"},
		QualityThreshold: cfg.QualityThreshold,
		MaxIterations:    cfg.MaxIterations,
	}
}

func (a *Agent) Descriptor() agentcore.Descriptor { return Describe(a.cfg) }

// Reflect adds a Z-score pass over the months, then lowers the spectral
// threshold and energy share.
func (a *Agent) Reflect(prev agentcore.Attempt, _ agentcore.Analysis) agentcore.Attempt {
	switch prev.Method {
	case "", MethodSpectral:
		return prev.With(MethodCombined, map[string]float64{"z": 3.0})
	default:
		threshold := prev.Param("threshold", a.cfg.SpectralThreshold)
		share := prev.Param("share", a.cfg.MinEnergyShare)
		return prev.With(MethodSensitive, map[string]float64{
			"threshold": math.Max(2.0, threshold-1),
			"share":     math.Max(0.02, share/2),
		})
	}
}

// Analyze fetches the spending series and runs the spectral engine over it.
func (a *Agent) Analyze(ctx context.Context, msg agentcore.Message, attempt agentcore.Attempt) (agentcore.Analysis, error) {
	if a.deps.Gateway == nil {
		return agentcore.Analysis{}, fmt.Errorf("anita: no federation gateway configured")
	}
	method := attempt.Method
	if method == "" {
		method = MethodSpectral
	}

	req := federation.Request{
		Query:     federation.Query{Dataset: Dataset, Params: queryParams(msg)},
		Providers: a.cfg.Providers,
	}
	res, err := a.deps.Gateway.Fetch(ctx, req)
	if err != nil {
		return agentcore.Analysis{}, fmt.Errorf("anita: fetch spending: %w", err)
	}

	months := monthlySeries(res.Records)
	series := anomaly.Series{Source: ID}
	for _, m := range months {
		series.Points = append(series.Points, anomaly.Point{
			Ref:   m.Month.Format("2006-01"),
			Label: m.Month.Format("01/2006"),
			Value: m.Total,
			Time:  m.Month,
		})
	}

	engineCfg := anomaly.Config{
		Methods:           []anomaly.Method{anomaly.MethodSpectral},
		SpectralThreshold: attempt.Param("threshold", a.cfg.SpectralThreshold),
		SpectralMinShare:  attempt.Param("share", a.cfg.MinEnergyShare),
		ZThreshold:        attempt.Param("z", 3.0),
	}
	if method != MethodSpectral {
		engineCfg.Methods = append(engineCfg.Methods, anomaly.MethodZScore)
	}
	found := anomaly.NewEngine(engineCfg).Detect(series)

	trend := slope(series.Values())
	result := agentcore.Result{
		Anomalies: found,
		Sources:   res.Outcomes,
		Metrics: []agentcore.Metric{
			{Key: "months_analyzed", Value: float64(len(months)), Units: "count"},
			{Key: "spending_total", Value: total(months), Units: "BRL"},
			{Key: "spending_trend", Value: trend, Units: "BRL/month"},
		},
		Raw: map[string]any{"provider": res.Provider, "method": method},
	}
	if agency := graph.AgencyID(agentcore.String(msg.Content["agency"])); agency != "" {
		result.Entities = []graph.Entity{{ID: agency, Kind: graph.KindAgency}}
	}
	for _, an := range found {
		result.Findings = append(result.Findings, finding(an))
	}
	result.Summary = fmt.Sprintf("Analyzed %d months of spending from %s with %s; %d patterns.",
		len(months), res.Provider, method, len(found))

	return agentcore.Analysis{
		Result:     result,
		Confidence: confidence(len(months), len(engineCfg.Methods), res.Primary(req)),
	}, nil
}

// confidence needs enough months for the spectral method and grows toward
// three years of history.
func confidence(months, methods int, primary bool) float64 {
	if months < anomaly.MinSpectralPoints {
		return 0.25
	}
	conf := 0.4 + 0.4*math.Min(1, float64(months)/36) + 0.1*float64(methods-1)
	if !primary {
		conf *= 0.9
	}
	return math.Min(1, conf)
}

func finding(an anomaly.Anomaly) agentcore.Finding {
	if an.Type == anomaly.TypeSpectralPeriodicity {
		return agentcore.Finding{
			Title:      fmt.Sprintf("Spending repeats every %.1f months", an.Value),
			Details:    fmt.Sprintf("%v", an.Indicators),
			Severity:   string(an.Severity()),
			Confidence: an.Score,
		}
	}
	return agentcore.Finding{
		Title:      fmt.Sprintf("Abnormal spending in %s: R$ %.2f", an.Label, an.Value),
		Details:    fmt.Sprintf("%v", an.Indicators),
		Severity:   string(an.Severity()),
		Confidence: an.Score,
	}
}

var passthroughParams = []string{"agency", "year", "from", "to", "function"}

func queryParams(msg agentcore.Message) map[string]string {
	out := map[string]string{}
	for _, key := range passthroughParams {
		if v := agentcore.String(msg.Content[key]); v != "" {
			out[key] = v
		}
	}
	return out
}

// Month is one month of aggregated spending.
type Month struct {
	Month time.Time
	Total float64
}

// monthlySeries sums records per calendar month and fills gaps with zero so
// the series is evenly spaced.
func monthlySeries(records []federation.Record) []Month {
	sums := map[time.Time]float64{}
	for _, rec := range records {
		value, ok := agentcore.Float(agentcore.Lookup(rec, "valor", "valorPago", "pago", "valorLiquidado"))
		if !ok {
			continue
		}
		at := agentcore.Time(agentcore.Lookup(rec, "mesAno", "data", "dataPagamento"))
		if at.IsZero() {
			continue
		}
		sums[time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)] += value
	}
	if len(sums) == 0 {
		return nil
	}

	keys := make([]time.Time, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	var out []Month
	for m := keys[0]; !m.After(keys[len(keys)-1]); m = m.AddDate(0, 1, 0) {
		out = append(out, Month{Month: m, Total: sums[m]})
	}
	return out
}

func total(months []Month) float64 {
	var sum float64
	for _, m := range months {
		sum += m.Total
	}
	return sum
}

// slope is the least-squares trend per step.
func slope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
