package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/stake-plus/govwatch/src/breaker"
	"github.com/stake-plus/govwatch/src/logging"
	"github.com/stake-plus/govwatch/src/telemetry"
)

const defaultCallTimeout = 20 * time.Second

// Options configures a Gateway.
type Options struct {
	// Breakers supplies one breaker per provider. Required.
	Breakers *breaker.Registry
	// Cache stores successful answers. Optional.
	Cache    Cache
	CacheTTL time.Duration
	// CallTimeout bounds each provider call (default: 20s).
	CallTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
}

type registration struct {
	provider Provider
	limiter  *rate.Limiter
}

// Gateway routes data requests to registered providers.
//
// Thread Safety: Safe for concurrent use. Providers should be registered
// before the first request.
type Gateway struct {
	breakers    *breaker.Registry
	cache       Cache
	cacheTTL    time.Duration
	callTimeout time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	flight      singleflight.Group

	mu        sync.RWMutex
	providers map[string]registration
}

// NewGateway builds a gateway. A nil breaker registry gets a default one.
func NewGateway(opts Options) *Gateway {
	if opts.Breakers == nil {
		opts.Breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	return &Gateway{
		breakers:    opts.Breakers,
		cache:       opts.Cache,
		cacheTTL:    opts.CacheTTL,
		callTimeout: opts.CallTimeout,
		logger:      logging.OrDiscard(opts.Logger),
		metrics:     opts.Metrics,
		providers:   map[string]registration{},
	}
}

// Register adds a provider. A positive limit installs a token bucket of the
// given burst in front of it.
func (g *Gateway) Register(p Provider, limit rate.Limit, burst int) {
	reg := registration{provider: p}
	if limit > 0 {
		if burst <= 0 {
			burst = 1
		}
		reg.limiter = rate.NewLimiter(limit, burst)
	}
	g.mu.Lock()
	g.providers[p.Name()] = reg
	g.mu.Unlock()
	g.breakers.Get(p.Name())
}

// Providers lists registered provider names, sorted.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.providers))
	for name := range g.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Breakers exposes the registry backing the gateway.
func (g *Gateway) Breakers() *breaker.Registry {
	return g.breakers
}

// Fetch tries the candidates in order and returns the first successful answer.
// Providers whose breaker is open are skipped without being invoked. When no
// candidate answers it returns a *NoAvailableSourceError.
//
// Identical concurrent requests share one upstream call. The shared call is
// detached from every caller's cancellation and bounded by CallTimeout per
// candidate; a caller whose ctx ends stops waiting with ctx.Err() while the
// others still receive the answer.
func (g *Gateway) Fetch(ctx context.Context, req Request) (*Result, error) {
	key := cacheKey(req.Query, req.Providers)
	ch := g.flight.DoChan(key, func() (any, error) {
		budget := g.callTimeout * time.Duration(max(1, len(req.Providers)))
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
		defer cancel()
		return g.fetch(shared, req, key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*Result)
		return &res, nil
	}
}

func (g *Gateway) fetch(ctx context.Context, req Request, key string) (*Result, error) {
	if cached, ok := g.cached(ctx, key); ok {
		return cached, nil
	}

	outcomes := make(map[string]Outcome, len(req.Providers))
	errs := make(map[string]error, len(req.Providers))
	for _, name := range req.Providers {
		if ctx.Err() != nil {
			errs[name] = ctx.Err()
			outcomes[name] = errOutcome(OutcomeSkipped, ctx.Err(), 0)
			continue
		}
		records, outcome := g.attempt(ctx, name, req.Query)
		outcomes[name] = outcome
		if outcome.Status != OutcomeOK {
			errs[name] = outcome.Err
			continue
		}

		res := &Result{Records: records, Provider: name, Outcomes: outcomes}
		g.store(ctx, key, res)
		return res, nil
	}
	return nil, &NoAvailableSourceError{Dataset: req.Dataset, Errors: errs, Outcomes: outcomes}
}

// Union queries every candidate concurrently and merges all answers. Some
// sources failing is a valid outcome; only a union where nothing answered
// returns a *NoAvailableSourceError.
func (g *Gateway) Union(ctx context.Context, req Request) (*UnionResult, error) {
	var (
		mu       sync.Mutex
		bySource = make(map[string][]Record, len(req.Providers))
		outcomes = make(map[string]Outcome, len(req.Providers))
	)

	var eg errgroup.Group
	for _, name := range dedupe(req.Providers) {
		eg.Go(func() error {
			key := cacheKey(req.Query, []string{name})
			var (
				records []Record
				outcome Outcome
			)
			if cached, ok := g.cached(ctx, key); ok {
				records = cached.Records
				outcome = okOutcome(len(records), 0)
				outcome.Cached = true
			} else {
				records, outcome = g.attempt(ctx, name, req.Query)
				if outcome.Status == OutcomeOK {
					g.store(ctx, key, &Result{Records: records, Provider: name})
				}
			}

			mu.Lock()
			defer mu.Unlock()
			outcomes[name] = outcome
			if outcome.Status == OutcomeOK {
				bySource[name] = records
			}
			return nil
		})
	}
	_ = eg.Wait()

	res := &UnionResult{BySource: bySource, Outcomes: outcomes}
	for _, name := range dedupe(req.Providers) {
		for _, rec := range bySource[name] {
			tagged := make(Record, len(rec)+1)
			for k, v := range rec {
				tagged[k] = v
			}
			tagged[SourceKey] = name
			res.Merged = append(res.Merged, tagged)
		}
	}

	if len(bySource) == 0 {
		errs := make(map[string]error, len(outcomes))
		for name, o := range outcomes {
			errs[name] = o.Err
		}
		return res, &NoAvailableSourceError{Dataset: req.Dataset, Errors: errs, Outcomes: outcomes}
	}
	return res, nil
}

// attempt performs one breaker-protected provider call.
func (g *Gateway) attempt(ctx context.Context, name string, q Query) ([]Record, Outcome) {
	g.mu.RLock()
	reg, ok := g.providers[name]
	g.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownProvider, name)
		g.metrics.ObserveFederationCall(name, "unknown")
		return nil, errOutcome(OutcomeFailed, err, 0)
	}
	if s, ok := reg.provider.(DatasetSupporter); ok && !s.Supports(q.Dataset) {
		err := fmt.Errorf("%w: %s does not serve %q", ErrUnsupportedDataset, name, q.Dataset)
		return nil, errOutcome(OutcomeSkipped, err, 0)
	}

	start := time.Now()
	b := g.breakers.Get(name)
	// Throttling is settled before the breaker sees the call.
	if reg.limiter != nil && b.Ready() {
		if err := reg.limiter.Wait(ctx); err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrRateLimited, name, err)
			g.logger.Debug("federation: provider skipped, rate limited", "provider", name, "dataset", q.Dataset)
			g.metrics.ObserveFederationCall(name, "throttled")
			return nil, errOutcome(OutcomeSkipped, err, time.Since(start))
		}
	}

	var records []Record
	err := b.Call(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
		out, err := reg.provider.Fetch(callCtx, q)
		if err != nil {
			return err
		}
		records = out
		return nil
	})
	latency := time.Since(start)

	switch {
	case err == nil:
		g.metrics.ObserveFederationCall(name, string(OutcomeOK))
		return records, okOutcome(len(records), latency)
	case errors.Is(err, breaker.ErrCircuitOpen):
		g.logger.Debug("federation: provider skipped, circuit open", "provider", name, "dataset", q.Dataset)
		g.metrics.ObserveFederationCall(name, string(OutcomeSkipped))
		return nil, errOutcome(OutcomeSkipped, err, latency)
	default:
		level := slog.LevelWarn
		if logging.IsTimeout(err) {
			level = slog.LevelInfo
		}
		g.logger.Log(ctx, level, "federation: provider failed", "provider", name, "dataset", q.Dataset, "err", err)
		g.metrics.ObserveFederationCall(name, string(OutcomeFailed))
		return nil, errOutcome(OutcomeFailed, err, latency)
	}
}

type cachedResult struct {
	Provider string   `json:"provider"`
	Records  []Record `json:"records"`
}

func (g *Gateway) cached(ctx context.Context, key string) (*Result, bool) {
	if g.cache == nil {
		return nil, false
	}
	raw, err := g.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			g.logger.Warn("federation: cache read failed", "err", err)
		}
		return nil, false
	}
	var entry cachedResult
	if err := json.Unmarshal(raw, &entry); err != nil {
		g.logger.Warn("federation: cache entry corrupt", "key", key, "err", err)
		return nil, false
	}
	return &Result{
		Records:  entry.Records,
		Provider: entry.Provider,
		Cached:   true,
		Outcomes: map[string]Outcome{entry.Provider: {Status: OutcomeOK, Records: len(entry.Records), Cached: true}},
	}, true
}

func (g *Gateway) store(ctx context.Context, key string, res *Result) {
	if g.cache == nil {
		return
	}
	raw, err := json.Marshal(cachedResult{Provider: res.Provider, Records: res.Records})
	if err != nil {
		g.logger.Warn("federation: cache encode failed", "err", err)
		return
	}
	if err := g.cache.Set(ctx, key, raw, g.cacheTTL); err != nil {
		g.logger.Warn("federation: cache write failed", "err", err)
	}
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
