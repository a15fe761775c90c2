// Package anomaly detects statistical outliers and periodic patterns in
// procurement series. Everything here is pure: no I/O, no clocks, no shared
// state, so identical input always produces identical, identically ordered
// output.
package anomaly

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/OneOfOne/xxhash"
)

// Type names the kind of irregularity.
type Type string

const (
	TypeZScoreOutlier       Type = "zscore_outlier"
	TypeIQROutlier          Type = "iqr_outlier"
	TypeSpectralPeriodicity Type = "spectral_periodicity"

	// Rule-based types raised by agents rather than by the engine.
	TypeSanctionedSupplier    Type = "sanctioned_supplier"
	TypeSupplierConcentration Type = "supplier_concentration"
	TypeCorrelatedRisk        Type = "correlated_risk"
)

// Severity is derived from an anomaly score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps a score onto its band: low [0,0.5), medium [0.5,0.7),
// high [0.7,0.85), critical [0.85,1].
func SeverityFor(score float64) Severity {
	switch {
	case score >= 0.85:
		return SeverityCritical
	case score >= 0.7:
		return SeverityHigh
	case score >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Rank orders severities from low (0) to critical (3).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Status tracks an anomaly through review.
type Status string

const (
	StatusDetected      Status = "detected"
	StatusInvestigating Status = "investigating"
	StatusConfirmed     Status = "confirmed"
	StatusFalsePositive Status = "false_positive"
	StatusResolved      Status = "resolved"
)

func (s Status) stage() int {
	switch s {
	case StatusDetected, StatusInvestigating:
		return 0
	case StatusConfirmed, StatusFalsePositive:
		return 1
	case StatusResolved:
		return 2
	default:
		return -1
	}
}

// Anomaly is one ranked finding.
type Anomaly struct {
	ID              string    `json:"id"`
	InvestigationID string    `json:"investigation_id,omitempty"`
	Source          string    `json:"source"`
	Type            Type      `json:"anomaly_type"`
	Score           float64   `json:"anomaly_score"`
	Ref             string    `json:"ref"`
	Label           string    `json:"label,omitempty"`
	Value           float64   `json:"value"`
	Methods         []Method  `json:"methods,omitempty"`
	Indicators      []string  `json:"indicators"`
	Recommendations []string  `json:"recommendations"`
	Status          Status    `json:"status"`
	DetectedAt      time.Time `json:"detected_at"`
}

// New builds a detected anomaly with a deterministic id and a normalized score.
func New(source string, typ Type, ref string, score float64) Anomaly {
	return Anomaly{
		ID:     ID(source, typ, ref),
		Source: source,
		Type:   typ,
		Score:  Round(score),
		Ref:    ref,
		Status: StatusDetected,
	}
}

// ID hashes the identifying fields into a stable 16 hex digit id.
func ID(source string, typ Type, ref string) string {
	sum := xxhash.ChecksumString64(source + "|" + string(typ) + "|" + ref)
	return fmt.Sprintf("%016x", sum)
}

// Severity is always computed from Score.
func (a Anomaly) Severity() Severity {
	return SeverityFor(a.Score)
}

// Transition moves the anomaly to status to. Moves are forward-only, except
// that detected and investigating may alternate.
func (a *Anomaly) Transition(to Status) error {
	from := a.Status
	if from == to {
		return nil
	}
	if to.stage() < 0 {
		return fmt.Errorf("anomaly %s: unknown status %q", a.ID, to)
	}
	if from.stage() == 0 && to.stage() == 0 {
		a.Status = to
		return nil
	}
	if to.stage() <= from.stage() {
		return fmt.Errorf("anomaly %s: cannot move from %s to %s", a.ID, from, to)
	}
	a.Status = to
	return nil
}

// MarshalJSON adds the derived severity.
func (a Anomaly) MarshalJSON() ([]byte, error) {
	type plain Anomaly
	return json.Marshal(struct {
		plain
		Severity Severity `json:"severity"`
	}{plain(a), a.Severity()})
}

// Round clamps a score to [0,1] and keeps four decimals.
func Round(score float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > 1 {
		score = 1
	}
	v, _ := strconv.ParseFloat(strconv.FormatFloat(score, 'f', 4, 64), 64)
	return v
}
