// Package federation fans a single logical data need out to external
// government data providers, either as an ordered fallback chain or as a
// concurrent union of complementary sources. Every provider call runs behind
// that provider's circuit breaker.
package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Record is one row returned by a provider.
type Record map[string]any

// SourceKey is set on records merged by Union to name the provider they came from.
const SourceKey = "_source"

// Query names a dataset and its filter parameters.
type Query struct {
	Dataset string            `json:"dataset"`
	Params  map[string]string `json:"params,omitempty"`
}

// canonical renders the query with sorted params for hashing.
func (q Query) canonical() string {
	keys := make([]string, 0, len(q.Params))
	for k := range q.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(q.Dataset)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(q.Params[k])
	}
	return b.String()
}

// Request is a query plus the candidate providers, in priority order.
type Request struct {
	Query
	Providers []string `json:"providers"`
}

// Provider is an external data source.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, q Query) ([]Record, error)
}

// DatasetSupporter is implemented by providers that only serve some datasets.
// The gateway skips unsupported providers without touching their breaker.
type DatasetSupporter interface {
	Supports(dataset string) bool
}

// OutcomeStatus classifies one provider attempt.
type OutcomeStatus string

const (
	OutcomeOK      OutcomeStatus = "ok"
	OutcomeFailed  OutcomeStatus = "failed"
	OutcomeSkipped OutcomeStatus = "skipped"
)

// Outcome records what happened when a provider was consulted.
type Outcome struct {
	Status  OutcomeStatus `json:"status"`
	Records int           `json:"records"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
	Cached  bool          `json:"cached,omitempty"`

	Err error `json:"-"`
}

func okOutcome(n int, latency time.Duration) Outcome {
	return Outcome{Status: OutcomeOK, Records: n, Latency: latency}
}

func errOutcome(status OutcomeStatus, err error, latency time.Duration) Outcome {
	return Outcome{Status: status, Error: err.Error(), Err: err, Latency: latency}
}

// Result is the answer of a fallback Fetch.
type Result struct {
	Records  []Record           `json:"records"`
	Provider string             `json:"provider"`
	Cached   bool               `json:"cached"`
	Outcomes map[string]Outcome `json:"outcomes"`
}

// Primary reports whether the first candidate answered.
func (r *Result) Primary(req Request) bool {
	return len(req.Providers) > 0 && r.Provider == req.Providers[0]
}

// UnionResult is the merged answer of a Union fan-out.
type UnionResult struct {
	BySource map[string][]Record `json:"by_source"`
	Merged   []Record            `json:"merged"`
	Outcomes map[string]Outcome  `json:"outcomes"`
}

// Coverage is the fraction of attempted sources that answered.
func (u *UnionResult) Coverage() float64 {
	if u == nil || len(u.Outcomes) == 0 {
		return 0
	}
	ok := 0
	for _, o := range u.Outcomes {
		if o.Status == OutcomeOK {
			ok++
		}
	}
	return float64(ok) / float64(len(u.Outcomes))
}

// Failed lists the sources that did not answer, sorted.
func (u *UnionResult) Failed() []string {
	var out []string
	for name, o := range u.Outcomes {
		if o.Status != OutcomeOK {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

var (
	// ErrNoAvailableSource is matched by every *NoAvailableSourceError.
	ErrNoAvailableSource = errors.New("federation: no available source")
	// ErrUnknownProvider is returned for candidates that were never registered.
	ErrUnknownProvider = errors.New("federation: unknown provider")
	// ErrUnsupportedDataset is returned when a provider does not serve a dataset.
	ErrUnsupportedDataset = errors.New("federation: unsupported dataset")
	// ErrRateLimited is returned when a provider's local token bucket cannot
	// admit the call before the deadline.
	ErrRateLimited = errors.New("federation: rate limited")
)

// NoAvailableSourceError reports that every candidate failed or was open.
type NoAvailableSourceError struct {
	Dataset  string
	Errors   map[string]error
	Outcomes map[string]Outcome
}

func (e *NoAvailableSourceError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Errors[name]))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("federation: no available source for %q (no candidates)", e.Dataset)
	}
	return fmt.Sprintf("federation: no available source for %q (%s)", e.Dataset, strings.Join(parts, "; "))
}

// Is lets errors.Is match ErrNoAvailableSource.
func (e *NoAvailableSourceError) Is(target error) bool {
	return target == ErrNoAvailableSource
}

// StatusError is returned by HTTP providers for non-2xx responses.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.Status, e.Body)
}
