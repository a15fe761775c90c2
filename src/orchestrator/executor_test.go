package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/graph"
)

type fakeAgent struct {
	id         string
	confidence float64
	err        error
	panicMsg   string
	block      bool
	delay      time.Duration
	started    chan struct{}
	result     agentcore.Result

	calls  atomic.Int32
	active *atomic.Int32
	peak   *atomic.Int32

	mu   sync.Mutex
	msgs []agentcore.Message
}

func (a *fakeAgent) Descriptor() agentcore.Descriptor {
	return agentcore.Descriptor{ID: a.id, Name: a.id}
}

func (a *fakeAgent) Analyze(ctx context.Context, msg agentcore.Message, _ agentcore.Attempt) (agentcore.Analysis, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.msgs = append(a.msgs, msg)
	a.mu.Unlock()
	if a.started != nil {
		select {
		case <-a.started:
		default:
			close(a.started)
		}
	}

	if a.active != nil {
		n := a.active.Add(1)
		defer a.active.Add(-1)
		for {
			p := a.peak.Load()
			if n <= p || a.peak.CompareAndSwap(p, n) {
				break
			}
		}
	}
	if a.panicMsg != "" {
		panic(a.panicMsg)
	}
	if a.block {
		<-ctx.Done()
		return agentcore.Analysis{}, ctx.Err()
	}
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return agentcore.Analysis{}, ctx.Err()
		}
	}
	if a.err != nil {
		return agentcore.Analysis{}, a.err
	}
	return agentcore.Analysis{Result: a.result, Confidence: a.confidence}, nil
}

func (a *fakeAgent) Reflect(prev agentcore.Attempt, _ agentcore.Analysis) agentcore.Attempt {
	return prev.With("retry", map[string]float64{"n": float64(prev.Iteration)})
}

func (a *fakeAgent) lastMessage(t *testing.T) agentcore.Message {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.msgs)
	return a.msgs[len(a.msgs)-1]
}

func ok(id string, conf float64) *fakeAgent {
	return &fakeAgent{id: id, confidence: conf}
}

func newPool(t *testing.T, agents ...*fakeAgent) *agentcore.Pool {
	t.Helper()
	pool := agentcore.NewPool()
	for _, a := range agents {
		require.NoError(t, pool.Register(a.Descriptor(), func() (agentcore.Agent, error) { return a, nil }))
	}
	return pool
}

func newService(t *testing.T, cfg ExecutorConfig, agents ...*fakeAgent) *Service {
	t.Helper()
	pool := newPool(t, agents...)
	svc, err := NewService(ServiceOptions{
		Planner:  NewPlanner(pool),
		Executor: NewExecutor(pool, nil, cfg, nil, nil),
		Graph:    graph.New(),
	})
	require.NoError(t, err)
	return svc
}

func contractsAgent() *fakeAgent {
	a := ok("zumbi", 0.9)
	a.result = agentcore.Result{
		Summary: "2 anomalies",
		Anomalies: []anomaly.Anomaly{
			anomaly.New("zumbi", anomaly.TypeIQROutlier, "c2", 0.6),
			anomaly.New("zumbi", anomaly.TypeZScoreOutlier, "c1", 0.9),
		},
		Entities: []graph.Entity{{ID: "supplier:12345678000199", Kind: graph.KindSupplier}},
		Relationships: []graph.Relationship{
			{Source: "supplier:12345678000199", Target: "contract:c1", Kind: "awarded"},
		},
	}
	return a
}

func spendingAgent() *fakeAgent {
	a := ok("anita", 0.8)
	a.result = agentcore.Result{
		Anomalies: []anomaly.Anomaly{anomaly.New("anita", anomaly.TypeSpectralPeriodicity, "freq:8/32", 0.75)},
	}
	return a
}

func statuses(inv *Investigation) map[string]StepStatus {
	out := map[string]StepStatus{}
	for _, s := range inv.Steps {
		out[s.StepID] = s.Status
	}
	return out
}

func TestRun_AllStepsComplete(t *testing.T) {
	svc := newService(t, ExecutorConfig{}, contractsAgent(), spendingAgent(), ok("oxossi", 0.9), ok("nana", 0.9))

	inv, err := svc.Run(context.Background(), Query{Intent: IntentFullInvestigation}, agentcore.Caller{UserID: "auditor"})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inv.Status)
	assert.False(t, inv.CompletedAt.IsZero())
	assert.Len(t, inv.Steps, 4)
	for _, s := range inv.Steps {
		assert.Equal(t, StepCompleted, s.Status, s.StepID)
		require.NotNil(t, s.Response)
		assert.Equal(t, s.StepID, s.Response.StepID)
	}

	require.Len(t, inv.Anomalies, 3)
	assert.Equal(t, []float64{0.9, 0.75, 0.6}, []float64{inv.Anomalies[0].Score, inv.Anomalies[1].Score, inv.Anomalies[2].Score})
	for _, a := range inv.Anomalies {
		assert.Equal(t, inv.ID, a.InvestigationID)
		assert.False(t, a.DetectedAt.IsZero())
	}

	nodes, edges := svc.Graph().Len()
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, edges)
	assert.Contains(t, inv.Summary, "4 completed")
}

func TestRun_PartialFailureStillCompletes(t *testing.T) {
	spending := ok("anita", 0)
	spending.err = errors.New("portal returned 503")
	svc := newService(t, ExecutorConfig{}, contractsAgent(), spending, ok("oxossi", 0.9), ok("nana", 0.9))

	inv, err := svc.Run(context.Background(), Query{Intent: IntentFullInvestigation}, agentcore.Caller{})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inv.Status)
	assert.Len(t, inv.Steps, 4)

	failed := 0
	for _, s := range inv.Steps {
		if s.Status == StepFailed {
			failed++
			assert.Equal(t, StepSpending, s.StepID)
			assert.Contains(t, s.Error, "portal returned 503")
			assert.ErrorIs(t, s.Err(), agentcore.ErrAgentProcessing)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, StepCompleted, statuses(inv)[StepCorrelation], "soft dependency failure does not block")
	assert.Len(t, inv.Anomalies, 2)
	assert.Empty(t, inv.Error)
}

func TestRun_FailedHardDependencySkipsOnlyItsSubtree(t *testing.T) {
	contracts := ok("zumbi", 0)
	contracts.err = errors.New("no available source")
	nana := ok("nana", 0.9)
	svc := newService(t, ExecutorConfig{}, contracts, spendingAgent(), ok("oxossi", 0.9), nana)

	inv, err := svc.Run(context.Background(), Query{Intent: IntentFullInvestigation}, agentcore.Caller{})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inv.Status)
	assert.Equal(t, map[string]StepStatus{
		StepContracts:   StepFailed,
		StepSpending:    StepCompleted,
		StepSanctions:   StepCompleted,
		StepCorrelation: StepSkipped,
	}, statuses(inv))
	skipped, _ := inv.Step(StepCorrelation)
	assert.Contains(t, skipped.Error, "dependency contracts failed")
	assert.Equal(t, int32(0), nana.calls.Load())
}

func TestRun_AllStepsFail(t *testing.T) {
	contracts := ok("zumbi", 0)
	contracts.err = errors.New("boom")
	svc := newService(t, ExecutorConfig{}, contracts)

	inv, err := svc.Run(context.Background(), Query{Intent: IntentAnomalyScan}, agentcore.Caller{})

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inv.Status)
	assert.Contains(t, inv.Error, "contracts")
	assert.Contains(t, inv.Error, "boom")
	assert.Empty(t, inv.Anomalies)
	assert.NotNil(t, inv.Anomalies)
}

func TestRun_DegradedStepCountsAsResult(t *testing.T) {
	svc := newService(t, ExecutorConfig{}, ok("zumbi", 0.4))

	inv, err := svc.Run(context.Background(), Query{Intent: IntentAnomalyScan}, agentcore.Caller{})

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inv.Status)
	step, found := inv.Step(StepContracts)
	require.True(t, found)
	assert.Equal(t, StepDegraded, step.Status)
	assert.Equal(t, agentcore.DefaultMaxIterations, step.Response.IterationCount)
}

func TestExecute_PassesUpstreamResponses(t *testing.T) {
	nana := ok("nana", 0.9)
	pool := newPool(t, contractsAgent(), spendingAgent(), ok("oxossi", 0.9), nana)
	plan, err := NewPlanner(pool).Plan(Query{Intent: IntentFullInvestigation, Params: map[string]string{"agency": "26000"}})
	require.NoError(t, err)

	_, err = NewExecutor(pool, nil, ExecutorConfig{}, nil, nil).Execute(context.Background(), "inv-1", plan, agentcore.Caller{UserID: "u1"})
	require.NoError(t, err)

	msg := nana.lastMessage(t)
	assert.Equal(t, "inv-1", msg.InvestigationID)
	assert.Equal(t, StepCorrelation, msg.StepID)
	assert.Equal(t, "u1", msg.Caller.UserID)
	assert.Equal(t, "26000", msg.String("agency"))
	assert.NotEmpty(t, msg.ID)

	var upstream []string
	for step := range msg.Upstream {
		upstream = append(upstream, step)
	}
	sort.Strings(upstream)
	assert.Equal(t, []string{StepContracts, StepSanctions, StepSpending}, upstream)
	assert.Equal(t, "zumbi", msg.Upstream[StepContracts].AgentID)
}

func TestExecute_MessageIDsAreUnique(t *testing.T) {
	zumbi := ok("zumbi", 0.9)
	pool := newPool(t, zumbi)
	exec := NewExecutor(pool, nil, ExecutorConfig{}, nil, nil)
	plan := &ExecutionPlan{Steps: []Step{{ID: "a", AgentID: "zumbi"}, {ID: "b", AgentID: "zumbi"}}}

	_, err := exec.Execute(context.Background(), "inv", plan, agentcore.Caller{})
	require.NoError(t, err)

	zumbi.mu.Lock()
	defer zumbi.mu.Unlock()
	require.Len(t, zumbi.msgs, 2)
	assert.NotEqual(t, zumbi.msgs[0].ID, zumbi.msgs[1].ID)
}

func TestExecute_BoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	var agents []*fakeAgent
	var steps []Step
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		agent := ok(id, 0.9)
		agent.delay = 20 * time.Millisecond
		agent.active, agent.peak = &active, &peak
		agents = append(agents, agent)
		steps = append(steps, Step{ID: id, AgentID: id})
	}
	pool := newPool(t, agents...)

	outcomes, err := NewExecutor(pool, nil, ExecutorConfig{MaxConcurrency: 2}, nil, nil).
		Execute(context.Background(), "inv", &ExecutionPlan{Steps: steps}, agentcore.Caller{})

	require.NoError(t, err)
	for _, o := range outcomes {
		assert.Equal(t, StepCompleted, o.Status)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
}

func TestExecute_PanicBecomesFailedStep(t *testing.T) {
	bad := ok("zumbi", 0.9)
	bad.panicMsg = "index out of range"
	pool := newPool(t, bad, spendingAgent())
	plan := &ExecutionPlan{Steps: []Step{{ID: StepContracts, AgentID: "zumbi"}, {ID: StepSpending, AgentID: "anita"}}}

	outcomes, err := NewExecutor(pool, nil, ExecutorConfig{}, nil, nil).Execute(context.Background(), "inv", plan, agentcore.Caller{})

	require.NoError(t, err)
	assert.Equal(t, StepFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, "panicked: index out of range")
	assert.Equal(t, StepCompleted, outcomes[1].Status)
}

func TestExecute_UnknownAgentFailsStep(t *testing.T) {
	pool := newPool(t, ok("zumbi", 0.9))
	plan := &ExecutionPlan{Steps: []Step{{ID: "x", AgentID: "ghost"}}}

	outcomes, err := NewExecutor(pool, nil, ExecutorConfig{}, nil, nil).Execute(context.Background(), "inv", plan, agentcore.Caller{})

	require.NoError(t, err)
	assert.Equal(t, StepFailed, outcomes[0].Status)
	assert.ErrorIs(t, outcomes[0].Err(), agentcore.ErrUnknownAgent)
}

func TestExecute_StepTimeoutFailsStep(t *testing.T) {
	slow := ok("zumbi", 0.9)
	slow.block = true
	pool := newPool(t, slow)
	plan := &ExecutionPlan{Steps: []Step{{ID: StepContracts, AgentID: "zumbi"}}}

	outcomes, err := NewExecutor(pool, nil, ExecutorConfig{StepTimeout: 20 * time.Millisecond}, nil, nil).
		Execute(context.Background(), "inv", plan, agentcore.Caller{})

	require.NoError(t, err)
	assert.Equal(t, StepFailed, outcomes[0].Status)
	assert.ErrorIs(t, outcomes[0].Err(), context.DeadlineExceeded)
}

func TestExecute_CancelledContextCancelsPendingSteps(t *testing.T) {
	contracts := ok("zumbi", 0.9)
	contracts.block = true
	contracts.started = make(chan struct{})
	pool := newPool(t, contracts, ok("nana", 0.9))
	plan := &ExecutionPlan{Steps: []Step{
		{ID: StepContracts, AgentID: "zumbi"},
		{ID: StepCorrelation, AgentID: "nana", DependsOn: []string{StepContracts}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-contracts.started
		cancel()
	}()
	outcomes, err := NewExecutor(pool, nil, ExecutorConfig{}, nil, nil).Execute(ctx, "inv", plan, agentcore.Caller{})

	require.NoError(t, err)
	assert.Equal(t, StepCancelled, outcomes[0].Status)
	assert.Equal(t, StepCancelled, outcomes[1].Status)
}

func TestExecute_RejectsInvalidPlan(t *testing.T) {
	pool := newPool(t)
	_, err := NewExecutor(pool, nil, ExecutorConfig{}, nil, nil).Execute(context.Background(), "inv", &ExecutionPlan{}, agentcore.Caller{})
	assert.ErrorIs(t, err, ErrInvalidPlan)
}
