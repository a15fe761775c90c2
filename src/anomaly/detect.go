package anomaly

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Method names a detection technique.
type Method string

const (
	MethodZScore   Method = "zscore"
	MethodIQR      Method = "iqr"
	MethodSpectral Method = "spectral"
)

func (m Method) order() int {
	switch m {
	case MethodZScore:
		return 0
	case MethodIQR:
		return 1
	case MethodSpectral:
		return 2
	default:
		return 3
	}
}

// minStatisticalPoints is the smallest sample any method will look at.
const minStatisticalPoints = 3

// Point is one observation, e.g. a contract value.
type Point struct {
	Ref   string
	Label string
	Value float64
	Time  time.Time
}

// Series is a named sequence of points.
type Series struct {
	Source string
	Points []Point
}

// Values returns the raw values in order.
func (s Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}

// Candidate is one method's vote that a point or component is anomalous.
type Candidate struct {
	Ref       string
	Label     string
	Value     float64
	Method    Method
	Type      Type
	Score     float64
	Indicator string
}

// ZScore flags points whose distance from the mean of the remaining points
// exceeds threshold standard deviations of those remaining points. Excluding
// the candidate keeps one extreme value from inflating the spread it is
// measured against, which matters for the small samples typical of a single
// agency. A constant series yields nothing.
func ZScore(s Series, threshold float64) []Candidate {
	n := len(s.Points)
	if n < minStatisticalPoints || threshold <= 0 {
		return nil
	}

	values := s.Values()
	mean, m2 := meanM2(values)
	if m2 <= 0 {
		return nil
	}

	var out []Candidate
	nf := float64(n)
	for i, x := range values {
		d := x - mean
		looMean := mean - d/(nf-1)
		looM2 := m2 - d*d*nf/(nf-1)
		if looM2 < 0 {
			looM2 = 0
		}
		sd := math.Sqrt(looM2 / (nf - 2))
		dev := math.Abs(x - looMean)

		var z float64
		switch {
		case sd > 0:
			z = dev / sd
		case dev > 0:
			z = math.Inf(1)
		default:
			continue
		}
		if z <= threshold {
			continue
		}

		p := s.Points[i]
		out = append(out, Candidate{
			Ref:       p.Ref,
			Label:     p.Label,
			Value:     x,
			Method:    MethodZScore,
			Type:      TypeZScoreOutlier,
			Score:     exceedScore(z, threshold),
			Indicator: fmt.Sprintf("z-score %s vs peer mean %.2f", formatZ(z), looMean),
		})
	}
	return out
}

// IQR flags points outside [Q1 - k*IQR, Q3 + k*IQR].
func IQR(s Series, k float64) []Candidate {
	n := len(s.Points)
	if n < minStatisticalPoints || k <= 0 {
		return nil
	}

	sorted := s.Values()
	sort.Float64s(sorted)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	lower, upper := q1-k*iqr, q3+k*iqr

	var out []Candidate
	for _, p := range s.Points {
		var dist float64
		switch {
		case p.Value > upper:
			dist = p.Value - upper
		case p.Value < lower:
			dist = lower - p.Value
		default:
			continue
		}
		score := 1.0
		if iqr > 0 {
			score = dist / (dist + k*iqr)
		}
		out = append(out, Candidate{
			Ref:       p.Ref,
			Label:     p.Label,
			Value:     p.Value,
			Method:    MethodIQR,
			Type:      TypeIQROutlier,
			Score:     Round(score),
			Indicator: fmt.Sprintf("outside IQR fences [%.2f, %.2f]", lower, upper),
		})
	}
	return out
}

// meanM2 returns the mean and the sum of squared deviations (Welford).
func meanM2(values []float64) (float64, float64) {
	var mean, m2 float64
	for i, x := range values {
		delta := x - mean
		mean += delta / float64(i+1)
		m2 += delta * (x - mean)
	}
	return mean, m2
}

// quantile interpolates linearly between closest ranks of sorted data.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	h := float64(len(sorted)-1) * p
	lo := int(math.Floor(h))
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// exceedScore maps a statistic above threshold onto (0,1]: 1 - threshold/z.
func exceedScore(z, threshold float64) float64 {
	if math.IsInf(z, 1) {
		return 1
	}
	return Round(1 - threshold/z)
}

func formatZ(z float64) string {
	if math.IsInf(z, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", z)
}
