package nana

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/graph"
)

const (
	acme   = "supplier:11111111000111"
	branch = "supplier:11111111000292"
	other  = "supplier:22222222000122"
)

func zumbiResponse() *agentcore.Response {
	priced := anomaly.New("zumbi", anomaly.TypeZScoreOutlier, "c3", 0.97)
	priced.Value = 500
	return &agentcore.Response{
		AgentID: "zumbi",
		Result: agentcore.Result{
			Anomalies: []anomaly.Anomaly{priced},
			Entities: []graph.Entity{
				{ID: acme, Kind: graph.KindSupplier},
				{ID: branch, Kind: graph.KindSupplier},
				{ID: other, Kind: graph.KindSupplier},
				{ID: "contract:c3", Kind: graph.KindContract},
				{ID: "contract:c4", Kind: graph.KindContract},
			},
			Relationships: []graph.Relationship{
				{Source: acme, Target: "contract:c3", Kind: "awarded"},
				{Source: other, Target: "contract:c4", Kind: "awarded"},
				{Source: "agency:26000", Target: "contract:c3", Kind: "issued"},
				{Source: "agency:26000", Target: "contract:c4", Kind: "issued"},
			},
		},
	}
}

func oxossiResponse(sanctioned string) *agentcore.Response {
	return &agentcore.Response{
		AgentID: "oxossi",
		Result: agentcore.Result{
			Anomalies: []anomaly.Anomaly{anomaly.New("oxossi", anomaly.TypeSanctionedSupplier, sanctioned, 0.95)},
		},
	}
}

func anitaResponse() *agentcore.Response {
	pattern := anomaly.New("anita", anomaly.TypeSpectralPeriodicity, "freq:8/32", 0.9)
	pattern.Value = 4
	return &agentcore.Response{AgentID: "anita", Result: agentcore.Result{Anomalies: []anomaly.Anomaly{pattern}}}
}

func TestAnalyze_CorrelatesPriceAndSanction(t *testing.T) {
	agent := NewAgent(Config{}, agentcore.RuntimeDeps{})
	msg := agentcore.Message{Upstream: map[string]*agentcore.Response{
		"contracts": zumbiResponse(),
		"suppliers": oxossiResponse(acme),
	}}

	analysis, err := agent.Analyze(context.Background(), msg, agentcore.Attempt{})

	require.NoError(t, err)
	require.Len(t, analysis.Result.Anomalies, 1)
	found := analysis.Result.Anomalies[0]
	assert.Equal(t, anomaly.TypeCorrelatedRisk, found.Type)
	assert.Equal(t, acme, found.Ref)
	assert.Equal(t, "price+sanction", found.Label)
	assert.InDelta(t, 1-(1-0.97)*(1-0.95), found.Score, 1e-4)
	assert.InDelta(t, 0.7, analysis.Confidence, 1e-9)
	assert.Contains(t, analysis.Result.Relationships, graph.Relationship{
		Source: acme, Target: "contract:c3", Kind: "implicated_in",
		Attributes: map[string]string{"anomaly": anomaly.ID("zumbi", anomaly.TypeZScoreOutlier, "c3")},
	})
}

func TestAnalyze_SingleSignalIsNotEnough(t *testing.T) {
	agent := NewAgent(Config{}, agentcore.RuntimeDeps{})
	msg := agentcore.Message{Upstream: map[string]*agentcore.Response{
		"contracts": zumbiResponse(),
		"suppliers": oxossiResponse(other),
	}}

	analysis, err := agent.Analyze(context.Background(), msg, agentcore.Attempt{})

	require.NoError(t, err)
	assert.Empty(t, analysis.Result.Anomalies)
}

func TestAnalyze_BranchSanctionReachesOtherBranch(t *testing.T) {
	agent := NewAgent(Config{}, agentcore.RuntimeDeps{})
	msg := agentcore.Message{Upstream: map[string]*agentcore.Response{
		"contracts": zumbiResponse(),
		"suppliers": oxossiResponse(branch),
	}}

	direct, err := agent.Analyze(context.Background(), msg, agentcore.Attempt{Method: MethodDirect})
	require.NoError(t, err)
	assert.Empty(t, direct.Result.Anomalies)

	rooted, err := agent.Analyze(context.Background(), msg, agentcore.Attempt{Method: MethodCompanyRoot})
	require.NoError(t, err)
	require.Len(t, rooted.Result.Anomalies, 2)
	refs := []string{rooted.Result.Anomalies[0].Ref, rooted.Result.Anomalies[1].Ref}
	assert.ElementsMatch(t, []string{acme, branch}, refs)
}

func TestAnalyze_AgencyPattern(t *testing.T) {
	agent := NewAgent(Config{}, agentcore.RuntimeDeps{})
	msg := agentcore.Message{
		Content: map[string]any{"agency": "26000"},
		Upstream: map[string]*agentcore.Response{
			"contracts": zumbiResponse(),
			"spending":  anitaResponse(),
		},
	}

	direct, err := agent.Analyze(context.Background(), msg, agentcore.Attempt{Method: MethodDirect})
	require.NoError(t, err)
	assert.Empty(t, direct.Result.Anomalies)

	widened, err := agent.Analyze(context.Background(), msg, agentcore.Attempt{Method: MethodAgencySignal})
	require.NoError(t, err)
	require.Len(t, widened.Result.Anomalies, 1)
	assert.Equal(t, acme, widened.Result.Anomalies[0].Ref)
	assert.Equal(t, "agency_pattern+price", widened.Result.Anomalies[0].Label)
}

func TestAnalyze_NoUpstream(t *testing.T) {
	analysis, err := NewAgent(Config{}, agentcore.RuntimeDeps{}).Analyze(context.Background(), agentcore.Message{}, agentcore.Attempt{})

	require.NoError(t, err)
	assert.Equal(t, 0.3, analysis.Confidence)
}

func TestProcess_DegradedUpstreamNeedsReflection(t *testing.T) {
	z := zumbiResponse()
	z.Degraded = true
	msg := agentcore.Message{Upstream: map[string]*agentcore.Response{
		"contracts": z,
		"suppliers": oxossiResponse(acme),
	}}

	resp, err := (&agentcore.Reflector{}).Process(context.Background(), NewAgent(Config{}, agentcore.RuntimeDeps{}), msg)

	require.NoError(t, err)
	assert.Equal(t, 2, resp.IterationCount)
	assert.False(t, resp.Degraded)
	assert.Equal(t, MethodCompanyRoot, resp.Method)
}
