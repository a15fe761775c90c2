package zumbi

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/breaker"
	"github.com/stake-plus/govwatch/src/federation"
	"github.com/stake-plus/govwatch/src/graph"
)

func contractsProvider(name string, values ...float64) federation.Provider {
	return federation.ProviderFunc{ID: name, Fn: func(_ context.Context, q federation.Query) ([]federation.Record, error) {
		out := make([]federation.Record, 0, len(values))
		for i, v := range values {
			out = append(out, federation.Record{
				"id":             fmt.Sprintf("c%d", i+1),
				"objeto":         "material de escritorio",
				"valor":          v,
				"dataAssinatura": "2024-03-15",
				"fornecedor":     map[string]any{"cnpjFormatado": fmt.Sprintf("11.111.111/0001-%02d", i%3), "nome": "Fornecedor"},
				"orgao":          q.Params["agency"],
			})
		}
		return out, nil
	}}
}

func newGateway(providers ...federation.Provider) *federation.Gateway {
	gw := federation.NewGateway(federation.Options{Breakers: breaker.NewRegistry(breaker.DefaultConfig())})
	for _, p := range providers {
		gw.Register(p, 0, 0)
	}
	return gw
}

func TestAnalyze_FlagsValorOutlier(t *testing.T) {
	agent := NewAgent(Config{Providers: []string{"portal"}}, agentcore.RuntimeDeps{
		Gateway: newGateway(contractsProvider("portal", 100, 105, 500)),
	})
	msg := agentcore.Message{ID: "m1", Content: map[string]any{"agency": "26000"}}

	analysis, err := agent.Analyze(context.Background(), msg, agentcore.Attempt{Iteration: 1})

	require.NoError(t, err)
	require.Len(t, analysis.Result.Anomalies, 1)
	found := analysis.Result.Anomalies[0]
	assert.Equal(t, 500.0, found.Value)
	assert.Equal(t, "c3", found.Ref)
	assert.GreaterOrEqual(t, found.Severity().Rank(), anomaly.SeverityHigh.Rank())
	assert.Equal(t, federation.OutcomeOK, analysis.Result.Sources["portal"].Status)
	assert.Less(t, analysis.Confidence, 0.7, "three contracts are too few to be confident")
	require.Len(t, analysis.Result.Findings, 1)
	assert.Equal(t, []string{graph.ContractID("c3")}, analysis.Result.Findings[0].Citations)
}

func TestAnalyze_Entities(t *testing.T) {
	agent := NewAgent(Config{Providers: []string{"portal"}}, agentcore.RuntimeDeps{
		Gateway: newGateway(contractsProvider("portal", 100, 105, 500)),
	})

	analysis, err := agent.Analyze(context.Background(), agentcore.Message{Content: map[string]any{"agency": "26000"}}, agentcore.Attempt{})

	require.NoError(t, err)
	assert.Equal(t, []string{"supplier:11111111000100", "supplier:11111111000101", "supplier:11111111000102"}, SupplierIDs(analysis.Result))
	assert.Contains(t, analysis.Result.Relationships, graph.Relationship{Source: "agency:26000", Target: "contract:c1", Kind: "issued"})
	assert.Contains(t, analysis.Result.Relationships, graph.Relationship{Source: "supplier:11111111000100", Target: "contract:c1", Kind: "awarded"})
	bySupplier, ok := analysis.Result.Raw["value_by_supplier"].(map[string]float64)
	require.True(t, ok)
	assert.Equal(t, 100.0, bySupplier["supplier:11111111000100"])
}

func TestReflect_Escalates(t *testing.T) {
	agent := NewAgent(Config{}, agentcore.RuntimeDeps{})

	second := agent.Reflect(agentcore.Attempt{Iteration: 1}, agentcore.Analysis{})
	third := agent.Reflect(second, agentcore.Analysis{})

	assert.Equal(t, MethodCombined, second.Method)
	assert.Equal(t, MethodSensitive, third.Method)
	assert.Equal(t, 2.5, third.Param("z", 0))
	assert.Equal(t, 1.5, third.Param("k", 0))
}

func TestProcess_LargeSampleAcceptedFirstPass(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 1000 + float64(i%7)*10
	}
	values[42] = 90000
	agent := NewAgent(Config{Providers: []string{"portal"}}, agentcore.RuntimeDeps{
		Gateway: newGateway(contractsProvider("portal", values...)),
	})

	resp, err := (&agentcore.Reflector{}).Process(context.Background(), agent, agentcore.Message{ID: "m1"})

	require.NoError(t, err)
	assert.Equal(t, 1, resp.IterationCount)
	assert.False(t, resp.Degraded)
	require.NotEmpty(t, resp.Result.Anomalies)
	assert.Equal(t, "c43", resp.Result.Anomalies[0].Ref)
}

func TestProcess_SmallSampleDegrades(t *testing.T) {
	agent := NewAgent(Config{Providers: []string{"portal"}}, agentcore.RuntimeDeps{
		Gateway: newGateway(contractsProvider("portal", 100, 105, 500)),
	})

	resp, err := (&agentcore.Reflector{}).Process(context.Background(), agent, agentcore.Message{ID: "m1"})

	require.NoError(t, err)
	assert.Equal(t, 3, resp.IterationCount)
	assert.True(t, resp.Degraded)
	assert.Equal(t, MethodCombined, resp.Method)
}

func TestAnalyze_NoSourceIsAnError(t *testing.T) {
	down := federation.ProviderFunc{ID: "portal", Fn: func(context.Context, federation.Query) ([]federation.Record, error) {
		return nil, errors.New("503")
	}}
	agent := NewAgent(Config{Providers: []string{"portal"}}, agentcore.RuntimeDeps{Gateway: newGateway(down)})

	_, err := agent.Analyze(context.Background(), agentcore.Message{}, agentcore.Attempt{})

	assert.ErrorIs(t, err, federation.ErrNoAvailableSource)
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.2, confidence(2, 1, true))
	assert.Less(t, confidence(20, 1, true), 0.7)
	assert.GreaterOrEqual(t, confidence(20, 2, true), 0.7)
	assert.GreaterOrEqual(t, confidence(50, 1, true), 0.7)
	assert.Less(t, confidence(50, 1, false), confidence(50, 1, true))
}

func TestParseContracts_SkipsRecordsWithoutValue(t *testing.T) {
	got := parseContracts([]federation.Record{
		{"id": "a", "valor": "1.500,00"},
		{"id": "b"},
		{"valorFinalCompra": 10.0},
	})

	require.Len(t, got, 2)
	assert.Equal(t, 1500.0, got[0].Value)
	assert.Equal(t, "row-2", got[1].ID)
}
