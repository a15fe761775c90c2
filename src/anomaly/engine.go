package anomaly

import (
	"fmt"
	"sort"
)

// Config selects methods and their sensitivity.
type Config struct {
	Methods           []Method `yaml:"methods" json:"methods"`
	ZThreshold        float64  `yaml:"z_threshold" json:"z_threshold"`
	IQRMultiplier     float64  `yaml:"iqr_multiplier" json:"iqr_multiplier"`
	SpectralThreshold float64  `yaml:"spectral_threshold" json:"spectral_threshold"`
	SpectralMinShare  float64  `yaml:"spectral_min_share" json:"spectral_min_share"`
}

// DefaultConfig runs Z-score and IQR with conventional thresholds.
func DefaultConfig() Config {
	return Config{
		Methods:           []Method{MethodZScore, MethodIQR},
		ZThreshold:        3.0,
		IQRMultiplier:     1.5,
		SpectralThreshold: 4.0,
		SpectralMinShare:  0.05,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.Methods) == 0 {
		c.Methods = def.Methods
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = def.ZThreshold
	}
	if c.IQRMultiplier <= 0 {
		c.IQRMultiplier = def.IQRMultiplier
	}
	if c.SpectralThreshold <= 0 {
		c.SpectralThreshold = def.SpectralThreshold
	}
	if c.SpectralMinShare <= 0 {
		c.SpectralMinShare = def.SpectralMinShare
	}
	return c
}

// Engine runs the configured methods and merges their votes.
type Engine struct {
	cfg Config
}

// NewEngine builds an engine; zero fields take defaults.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	cfg := e.cfg
	cfg.Methods = append([]Method(nil), e.cfg.Methods...)
	return cfg
}

// Candidates runs every configured method without combining.
func (e *Engine) Candidates(s Series) []Candidate {
	var out []Candidate
	for _, m := range e.cfg.Methods {
		switch m {
		case MethodZScore:
			out = append(out, ZScore(s, e.cfg.ZThreshold)...)
		case MethodIQR:
			out = append(out, IQR(s, e.cfg.IQRMultiplier)...)
		case MethodSpectral:
			out = append(out, Spectral(s, e.cfg.SpectralThreshold, e.cfg.SpectralMinShare)...)
		}
	}
	return out
}

// Detect runs the configured methods over s and returns ranked anomalies.
func (e *Engine) Detect(s Series) []Anomaly {
	return Combine(s.Source, e.Candidates(s))
}

// Combine merges candidates that refer to the same point. The merged score is
// the maximum across the methods that fired; its type is the type of that
// method (earliest method wins ties). Results are ordered by score
// descending, then by ref.
func Combine(source string, candidates []Candidate) []Anomaly {
	groups := map[string][]Candidate{}
	var refs []string
	for _, c := range candidates {
		if _, ok := groups[c.Ref]; !ok {
			refs = append(refs, c.Ref)
		}
		groups[c.Ref] = append(groups[c.Ref], c)
	}

	out := make([]Anomaly, 0, len(refs))
	for _, ref := range refs {
		votes := groups[ref]
		sort.SliceStable(votes, func(i, j int) bool { return votes[i].Method.order() < votes[j].Method.order() })

		best := votes[0]
		for _, v := range votes[1:] {
			if v.Score > best.Score {
				best = v
			}
		}

		a := New(source, best.Type, ref, best.Score)
		a.Label = best.Label
		a.Value = best.Value
		seen := map[Method]bool{}
		for _, v := range votes {
			if !seen[v.Method] {
				seen[v.Method] = true
				a.Methods = append(a.Methods, v.Method)
			}
			a.Indicators = append(a.Indicators, v.Indicator)
		}
		if len(a.Methods) > 1 {
			a.Indicators = append(a.Indicators, fmt.Sprintf("confirmed by %d methods", len(a.Methods)))
		}
		a.Recommendations = Recommend(a.Type, a.Severity())
		out = append(out, a)
	}

	Rank(out)
	return out
}

// Rank sorts anomalies by score descending, then ref, then id.
func Rank(list []Anomaly) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		if list[i].Ref != list[j].Ref {
			return list[i].Ref < list[j].Ref
		}
		return list[i].ID < list[j].ID
	})
}

// Recommend returns follow-up actions for an anomaly of the given type and severity.
func Recommend(typ Type, sev Severity) []string {
	var out []string
	switch typ {
	case TypeZScoreOutlier, TypeIQROutlier:
		out = append(out, "Compare the contract price with reference prices for the same item")
	case TypeSpectralPeriodicity:
		out = append(out, "Check whether recurring payments match contracted delivery schedules")
	case TypeSanctionedSupplier:
		out = append(out, "Verify the sanction was in force when the contract was signed")
	case TypeSupplierConcentration:
		out = append(out, "Review competition records for the agency's recent tenders")
	case TypeCorrelatedRisk:
		out = append(out, "Open a joint review covering the supplier's contracts and sanctions")
	}
	switch sev {
	case SeverityCritical:
		out = append(out, "Escalate to the audit team for immediate review")
	case SeverityHigh:
		out = append(out, "Request supporting procurement documents from the agency")
	case SeverityMedium:
		out = append(out, "Add the supplier to the monitoring list")
	}
	return out
}
