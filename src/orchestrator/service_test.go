package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
)

func TestSubmit_RunsInBackground(t *testing.T) {
	svc := newService(t, ExecutorConfig{}, contractsAgent())
	ctx := context.Background()

	id, err := svc.Submit(ctx, Query{Text: "scan", Intent: IntentAnomalyScan}, agentcore.Caller{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	inv, err := svc.Wait(waitCtx, id)

	require.NoError(t, err)
	assert.Equal(t, id, inv.ID)
	assert.Equal(t, StatusCompleted, inv.Status)
	assert.Equal(t, "u1", inv.Caller.UserID)
	assert.Len(t, inv.Anomalies, 2)
	assert.False(t, inv.StartedAt.IsZero())
	assert.False(t, inv.CompletedAt.Before(inv.StartedAt))

	got, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, inv.Status, got.Status)

	list, err := svc.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestSubmit_SurvivesRequestContext(t *testing.T) {
	contracts := contractsAgent()
	contracts.delay = 30 * time.Millisecond
	svc := newService(t, ExecutorConfig{}, contracts)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	id, err := svc.Submit(reqCtx, Query{Intent: IntentAnomalyScan}, agentcore.Caller{})
	require.NoError(t, err)
	cancelReq()

	inv, err := svc.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, inv.Status)
}

func TestSubmit_PlanningErrorsAreImmediate(t *testing.T) {
	svc := newService(t, ExecutorConfig{}, contractsAgent())

	_, err := svc.Submit(context.Background(), Query{Intent: "unknown"}, agentcore.Caller{})

	assert.ErrorIs(t, err, ErrUnknownIntent)
	list, err := svc.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCancel_PreservesCompletedSteps(t *testing.T) {
	contracts := ok("zumbi", 0.9)
	contracts.block = true
	contracts.started = make(chan struct{})
	spending := spendingAgent()
	spending.started = make(chan struct{})
	nana := ok("nana", 0.9)
	svc := newService(t, ExecutorConfig{}, contracts, spending, ok("oxossi", 0.9), nana)
	ctx := context.Background()

	id, err := svc.Submit(ctx, Query{Intent: IntentFullInvestigation}, agentcore.Caller{})
	require.NoError(t, err)

	<-contracts.started
	<-spending.started
	require.Eventually(t, func() bool {
		inv, err := svc.Get(ctx, id)
		return err == nil && inv.Status == StatusRunning
	}, time.Second, 5*time.Millisecond)
	// Spending answers immediately once started; give it time to finish.
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, svc.Cancel(ctx, id))
	inv, err := svc.Wait(ctx, id)
	require.NoError(t, err)

	assert.True(t, inv.Cancelled)
	assert.Equal(t, StatusCompleted, inv.Status, "the spending result is preserved")
	st := statuses(inv)
	assert.Equal(t, StepCancelled, st[StepContracts])
	assert.Equal(t, StepCompleted, st[StepSpending])
	assert.Equal(t, StepCancelled, st[StepSanctions])
	assert.Equal(t, StepCancelled, st[StepCorrelation])
	assert.Equal(t, int32(0), nana.calls.Load())
	require.Len(t, inv.Anomalies, 1)
	assert.Equal(t, "anita", inv.Anomalies[0].Source)

	assert.ErrorIs(t, svc.Cancel(ctx, id), ErrNotRunning)
}

func TestCancel_NothingDoneFails(t *testing.T) {
	contracts := ok("zumbi", 0.9)
	contracts.block = true
	contracts.started = make(chan struct{})
	svc := newService(t, ExecutorConfig{}, contracts)
	ctx := context.Background()

	id, err := svc.Submit(ctx, Query{Intent: IntentAnomalyScan}, agentcore.Caller{})
	require.NoError(t, err)
	<-contracts.started
	require.NoError(t, svc.Cancel(ctx, id))

	inv, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inv.Status)
	assert.True(t, inv.Cancelled)
	assert.Contains(t, inv.Error, "cancelled")
}

func TestCancel_Unknown(t *testing.T) {
	svc := newService(t, ExecutorConfig{}, contractsAgent())

	assert.ErrorIs(t, svc.Cancel(context.Background(), "nope"), ErrNotFound)
	_, err := svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvestigationTimeout(t *testing.T) {
	contracts := ok("zumbi", 0.9)
	contracts.block = true
	pool := newPool(t, contracts)
	svc, err := NewService(ServiceOptions{
		Planner:              NewPlanner(pool),
		Executor:             NewExecutor(pool, nil, ExecutorConfig{}, nil, nil),
		InvestigationTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	inv, err := svc.Run(context.Background(), Query{Intent: IntentAnomalyScan}, agentcore.Caller{})

	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inv.Status)
	assert.False(t, inv.Cancelled)
	assert.Equal(t, StepCancelled, statuses(inv)[StepContracts])
}

func TestShutdown_CancelsWhenDeadlinePasses(t *testing.T) {
	contracts := ok("zumbi", 0.9)
	contracts.block = true
	contracts.started = make(chan struct{})
	svc := newService(t, ExecutorConfig{}, contracts)

	id, err := svc.Submit(context.Background(), Query{Intent: IntentAnomalyScan}, agentcore.Caller{})
	require.NoError(t, err)
	<-contracts.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Shutdown(ctx), context.DeadlineExceeded)

	inv, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, inv.Status.Finished())
}

func TestAggregate_CompletesOnce(t *testing.T) {
	inv := &Investigation{ID: "inv-1", Status: StatusRunning}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	outcomes := []StepOutcome{{
		StepID:      StepContracts,
		AgentID:     "zumbi",
		Status:      StepCompleted,
		CompletedAt: now,
		Response: &agentcore.Response{Result: agentcore.Result{Anomalies: []anomaly.Anomaly{
			anomaly.New("zumbi", anomaly.TypeZScoreOutlier, "c1", 0.8),
			anomaly.New("zumbi", anomaly.TypeZScoreOutlier, "c1", 0.9),
		}}},
	}}

	require.NoError(t, Aggregate(inv, outcomes, nil, now))
	assert.Equal(t, StatusCompleted, inv.Status)
	assert.Equal(t, now, inv.CompletedAt)
	require.Len(t, inv.Anomalies, 1, "same id keeps the higher score")
	assert.Equal(t, 0.9, inv.Anomalies[0].Score)
	assert.Equal(t, now, inv.Anomalies[0].DetectedAt)

	later := now.Add(time.Hour)
	err := Aggregate(inv, nil, nil, later)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
	assert.Equal(t, now, inv.CompletedAt)
	assert.Len(t, inv.Anomalies, 1)

	assert.ErrorIs(t, inv.Complete(StatusFailed, later), ErrAlreadyCompleted)
}

func TestAggregate_FailedReportsSkippedSubtree(t *testing.T) {
	inv := &Investigation{ID: "inv-2", Status: StatusRunning}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	outcomes := []StepOutcome{
		{StepID: StepContracts, AgentID: "zumbi", Status: StepFailed, Error: "no available source"},
		{StepID: StepCorrelation, AgentID: "nana", Status: StepSkipped, Error: "skipped: dependency contracts failed"},
	}

	require.NoError(t, Aggregate(inv, outcomes, nil, now))

	assert.Equal(t, StatusFailed, inv.Status)
	assert.Equal(t, "contracts: no available source; correlation: skipped: dependency contracts failed", inv.Error)
}

func TestInvestigation_CloneIsIndependent(t *testing.T) {
	inv := &Investigation{
		ID:        "x",
		Steps:     []StepOutcome{{StepID: "a"}},
		Anomalies: []anomaly.Anomaly{},
		Plan:      &ExecutionPlan{Steps: []Step{{ID: "a", AgentID: "zumbi"}}},
	}
	cp := inv.Clone()
	cp.Steps[0].StepID = "b"
	cp.Plan.Steps[0].ID = "b"

	assert.Equal(t, "a", inv.Steps[0].StepID)
	assert.Equal(t, "a", inv.Plan.Steps[0].ID)
	assert.NotNil(t, cp.Anomalies)
}
