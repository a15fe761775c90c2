package anomaly

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"
)

// MinSpectralPoints is the shortest series the spectral method analyzes.
const MinSpectralPoints = 8

// madScale makes the median absolute deviation consistent with a standard
// deviation under normal noise.
const madScale = 1.4826

// Spectral looks for recurring patterns in a time-ordered series. The series
// is linearly detrended, zero-padded to a power of two and transformed with a
// radix-2 FFT. A frequency component is significant when its power is an
// outlier against the noise floor (robust z over median and MAD of the
// spectrum above threshold) and it holds at least minShare of total energy.
func Spectral(s Series, threshold, minShare float64) []Candidate {
	n := len(s.Points)
	if n < MinSpectralPoints || threshold <= 0 {
		return nil
	}

	values := detrend(s.Values())
	size := nextPow2(n)
	buf := make([]complex128, size)
	for i, v := range values {
		buf[i] = complex(v, 0)
	}
	fft(buf)

	half := size / 2
	power := make([]float64, half)
	var total float64
	for k := 1; k <= half; k++ {
		p := cmplx.Abs(buf[k])
		power[k-1] = p * p
		total += power[k-1]
	}
	if total <= 1e-12 {
		return nil
	}

	median := medianOf(power)
	deviations := make([]float64, len(power))
	for i, p := range power {
		deviations[i] = math.Abs(p - median)
	}
	spread := madScale * medianOf(deviations)

	var out []Candidate
	for i, p := range power {
		share := p / total
		if share < minShare || p <= median {
			continue
		}
		z := math.Inf(1)
		if spread > 0 {
			z = (p - median) / spread
		}
		if z <= threshold {
			continue
		}

		k := i + 1
		period := float64(size) / float64(k)
		out = append(out, Candidate{
			Ref:       fmt.Sprintf("freq:%d/%d", k, size),
			Label:     fmt.Sprintf("period %.1f samples", period),
			Value:     period,
			Method:    MethodSpectral,
			Type:      TypeSpectralPeriodicity,
			Score:     exceedScore(z, threshold),
			Indicator: fmt.Sprintf("component with period %.1f holds %.1f%% of energy (noise z %s)", period, share*100, formatZ(z)),
		})
	}
	return out
}

// detrend removes the least-squares line from values.
func detrend(values []float64) []float64 {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	slope := 0.0
	if denom != 0 {
		slope = (n*sumXY - sumX*sumY) / denom
	}
	intercept := (sumY - slope*sumX) / n

	out := make([]float64, len(values))
	for i, y := range values {
		out[i] = y - (intercept + slope*float64(i))
	}
	return out
}

// fft is an in-place iterative radix-2 Cooley-Tukey transform. len(a) must
// be a power of two.
func fft(a []complex128) {
	n := len(a)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			a[i], a[j] = a[j], a[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		angle := -2 * math.Pi / float64(length)
		wLen := complex(math.Cos(angle), math.Sin(angle))
		for start := 0; start < n; start += length {
			w := complex(1, 0)
			for k := 0; k < length/2; k++ {
				u := a[start+k]
				v := a[start+k+length/2] * w
				a[start+k] = u + v
				a[start+k+length/2] = u - v
				w *= wLen
			}
		}
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	m := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[m]
	}
	return (sorted[m-1] + sorted[m]) / 2
}
