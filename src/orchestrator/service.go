package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/graph"
	"github.com/stake-plus/govwatch/src/logging"
	"github.com/stake-plus/govwatch/src/telemetry"
)

const defaultInvestigationTimeout = 10 * time.Minute

// ErrNotRunning is returned when cancelling an investigation that already finished.
var ErrNotRunning = errors.New("orchestrator: investigation is not running")

// ServiceOptions wires a Service.
type ServiceOptions struct {
	Planner  *Planner
	Executor *Executor
	// Store defaults to a MemoryStore.
	Store Store
	// Graph accumulates entities across investigations. Optional.
	Graph *graph.Graph
	// InvestigationTimeout bounds a whole investigation (default: 10m).
	InvestigationTimeout time.Duration
	Logger               *slog.Logger
	Metrics              *telemetry.Metrics
}

type running struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled atomic.Bool
}

// Service is the entry point for submitting and tracking investigations.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	planner  *Planner
	executor *Executor
	store    Store
	graph    *graph.Graph
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time

	mu      sync.Mutex
	running map[string]*running
	wg      sync.WaitGroup
}

// NewService builds a service from opts.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Planner == nil || opts.Executor == nil {
		return nil, errors.New("orchestrator: planner and executor are required")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.InvestigationTimeout <= 0 {
		opts.InvestigationTimeout = defaultInvestigationTimeout
	}
	return &Service{
		planner:  opts.Planner,
		executor: opts.Executor,
		store:    opts.Store,
		graph:    opts.Graph,
		timeout:  opts.InvestigationTimeout,
		logger:   logging.OrDiscard(opts.Logger),
		metrics:  opts.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
		running:  map[string]*running{},
	}, nil
}

// Graph returns the shared entity graph, which may be nil.
func (s *Service) Graph() *graph.Graph {
	return s.graph
}

func (s *Service) prepare(ctx context.Context, q Query, caller agentcore.Caller) (*Investigation, error) {
	plan, err := s.planner.Plan(q)
	if err != nil {
		return nil, err
	}
	inv := &Investigation{
		ID:        uuid.NewString(),
		Query:     q,
		Caller:    caller,
		Status:    StatusPending,
		Plan:      plan,
		Steps:     []StepOutcome{},
		Anomalies: []anomaly.Anomaly{},
		CreatedAt: s.now(),
	}
	if err := s.store.Save(ctx, inv); err != nil {
		return nil, fmt.Errorf("orchestrator: save investigation: %w", err)
	}
	return inv, nil
}

// Submit plans q and starts the investigation in the background. Planning
// errors are returned immediately; the returned id can be polled with Get.
func (s *Service) Submit(ctx context.Context, q Query, caller agentcore.Caller) (string, error) {
	inv, err := s.prepare(ctx, q, caller)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	rt := &running{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.running[inv.ID] = rt
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(runCtx, inv, rt)
	}()
	return inv.ID, nil
}

// Run plans and executes q synchronously.
func (s *Service) Run(ctx context.Context, q Query, caller agentcore.Caller) (*Investigation, error) {
	inv, err := s.prepare(ctx, q, caller)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	rt := &running{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.running[inv.ID] = rt
	s.mu.Unlock()

	return s.execute(runCtx, inv, rt), nil
}

func (s *Service) execute(ctx context.Context, inv *Investigation, rt *running) *Investigation {
	defer func() {
		rt.cancel()
		s.mu.Lock()
		delete(s.running, inv.ID)
		s.mu.Unlock()
		close(rt.done)
	}()

	logger := s.logger.With("investigation", inv.ID, "intent", inv.Query.Intent)
	inv.Status = StatusRunning
	inv.StartedAt = s.now()
	s.save(inv, logger)
	logger.Info("investigation started", "steps", len(inv.Plan.Steps))

	outcomes, err := s.executor.Execute(ctx, inv.ID, inv.Plan, inv.Caller)
	if err != nil {
		inv.Error = err.Error()
	}
	inv.Cancelled = rt.cancelled.Load()

	if aggErr := Aggregate(inv, outcomes, s.graph, s.now()); aggErr != nil {
		logger.Error("aggregate investigation", "error", aggErr)
	}
	s.save(inv, logger)

	elapsed := inv.CompletedAt.Sub(inv.StartedAt)
	s.metrics.ObserveInvestigation(string(inv.Status), elapsed)
	logger.Info("investigation finished",
		"status", inv.Status,
		"anomalies", len(inv.Anomalies),
		"cancelled", inv.Cancelled,
		"duration", elapsed)
	return inv.Clone()
}

func (s *Service) save(inv *Investigation, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, inv); err != nil {
		logger.Error("save investigation", "status", inv.Status, "error", err)
	}
}

// Get returns the current state of an investigation.
func (s *Service) Get(ctx context.Context, id string) (*Investigation, error) {
	return s.store.Load(ctx, id)
}

// List returns recent investigations when the store supports listing.
func (s *Service) List(ctx context.Context, limit int) ([]*Investigation, error) {
	lister, ok := s.store.(Lister)
	if !ok {
		return nil, errors.New("orchestrator: store cannot list investigations")
	}
	return lister.List(ctx, limit)
}

// Cancel stops a running investigation. Steps that have not started are
// marked cancelled; results already produced are kept.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	rt, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		rt.cancelled.Store(true)
		rt.cancel()
		return nil
	}
	if _, err := s.store.Load(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotRunning, id)
}

// Wait blocks until the investigation finishes or ctx ends and returns its
// latest state.
func (s *Service) Wait(ctx context.Context, id string) (*Investigation, error) {
	s.mu.Lock()
	rt, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		select {
		case <-rt.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.store.Load(ctx, id)
}

// Shutdown waits for background investigations. When ctx ends first they are
// cancelled and Shutdown still waits for them to record their state.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, rt := range s.running {
		rt.cancelled.Store(true)
		rt.cancel()
	}
	s.mu.Unlock()
	<-done
	return ctx.Err()
}
