package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/breaker"
	"github.com/stake-plus/govwatch/src/graph"
	"github.com/stake-plus/govwatch/src/orchestrator"
	"github.com/stake-plus/govwatch/src/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAgent struct {
	block   chan struct{}
	lastMsg chan agentcore.Message
}

func (a *stubAgent) Descriptor() agentcore.Descriptor {
	return agentcore.Descriptor{ID: "zumbi", Name: "Zumbi", Capabilities: []string{"price_anomaly"}}
}

func (a *stubAgent) Analyze(ctx context.Context, msg agentcore.Message, _ agentcore.Attempt) (agentcore.Analysis, error) {
	select {
	case a.lastMsg <- msg:
	default:
	}
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return agentcore.Analysis{}, ctx.Err()
		}
	}
	supplier := graph.SupplierID("12.345.678/0001-99")
	return agentcore.Analysis{
		Confidence: 0.9,
		Result: agentcore.Result{
			Anomalies: []anomaly.Anomaly{anomaly.New("zumbi", anomaly.TypeZScoreOutlier, "c1", 0.8)},
			Entities: []graph.Entity{
				{ID: supplier, Kind: "supplier"},
				{ID: graph.AgencyID("36000"), Kind: "agency"},
			},
			Relationships: []graph.Relationship{{Source: graph.AgencyID("36000"), Target: supplier, Kind: "awarded"}},
		},
	}, nil
}

func (a *stubAgent) Reflect(prev agentcore.Attempt, _ agentcore.Analysis) agentcore.Attempt { return prev }

type fixture struct {
	router *gin.Engine
	agent  *stubAgent
	svc    *orchestrator.Service
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	agent := &stubAgent{lastMsg: make(chan agentcore.Message, 1)}
	pool := agentcore.NewPool()
	require.NoError(t, pool.Register(agent.Descriptor(), func() (agentcore.Agent, error) { return agent, nil }))
	svc, err := orchestrator.NewService(orchestrator.ServiceOptions{
		Planner:  orchestrator.NewPlanner(pool),
		Executor: orchestrator.NewExecutor(pool, nil, orchestrator.ExecutorConfig{}, nil, nil),
		Graph:    graph.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	opts.Service = svc
	opts.Agents = pool
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	return fixture{router: New(opts), agent: agent, svc: svc}
}

func (f fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestCreate_SubmitsAndPolls(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodPost, "/v1/investigations",
		`{"query":"<b>health</b> ministry","intent":"anomaly_scan","params":{"agency":"36000"}}`,
		headerUserID, "auditor")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, w, &created)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "/v1/investigations/"+created.ID, w.Header().Get("Location"))

	_, err := f.svc.Wait(context.Background(), created.ID)
	require.NoError(t, err)

	w = f.do(http.MethodGet, "/v1/investigations/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var inv orchestrator.Investigation
	decode(t, w, &inv)
	assert.Equal(t, orchestrator.StatusCompleted, inv.Status)
	assert.Equal(t, "health ministry", inv.Query.Text, "markup is stripped")
	assert.Equal(t, "auditor", inv.Caller.UserID)
	require.Len(t, inv.Anomalies, 1)

	msg := <-f.agent.lastMsg
	assert.Equal(t, "36000", msg.Content["agency"])

	w = f.do(http.MethodGet, "/v1/investigations?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Investigations []orchestrator.Investigation `json:"investigations"`
	}
	decode(t, w, &list)
	require.Len(t, list.Investigations, 1)
}

func TestCreate_Wait(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodPost, "/v1/investigations?wait=true", `{"intent":"anomaly_scan"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var inv orchestrator.Investigation
	decode(t, w, &inv)
	assert.Equal(t, orchestrator.StatusCompleted, inv.Status)
}

func TestCreate_Errors(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"intent":`, http.StatusBadRequest},
		{"missing intent", `{"query":"x"}`, http.StatusBadRequest},
		{"unknown intent", `{"intent":"gossip"}`, http.StatusBadRequest},
		{"no agent for plan", `{"intent":"spending_pattern"}`, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/v1/investigations", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"err"`)
		})
	}

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/investigations?limit=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/investigations/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/v1/investigations/missing", "").Code)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, Options{})
	f.agent.block = make(chan struct{})

	w := f.do(http.MethodPost, "/v1/investigations", `{"intent":"anomaly_scan"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var created struct {
		ID string `json:"id"`
	}
	decode(t, w, &created)
	<-f.agent.lastMsg

	w = f.do(http.MethodDelete, "/v1/investigations/"+created.ID, "")
	require.Equal(t, http.StatusAccepted, w.Code)

	inv, err := f.svc.Wait(context.Background(), created.ID)
	require.NoError(t, err)
	assert.True(t, inv.Cancelled)

	assert.Equal(t, http.StatusConflict, f.do(http.MethodDelete, "/v1/investigations/"+created.ID, "").Code)
}

func TestAgentsAndBreakers(t *testing.T) {
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	breakers.Get("transparencia")
	f := newFixture(t, Options{Breakers: breakers})

	w := f.do(http.MethodGet, "/v1/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	var agents struct {
		Agents []agentcore.Descriptor `json:"agents"`
	}
	decode(t, w, &agents)
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, "zumbi", agents.Agents[0].ID)

	w = f.do(http.MethodGet, "/v1/breakers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"transparencia"`)
	assert.Contains(t, w.Body.String(), `"state":"closed"`)
}

func TestGraphEntity(t *testing.T) {
	f := newFixture(t, Options{})
	w := f.do(http.MethodPost, "/v1/investigations?wait=1", `{"intent":"anomaly_scan"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/v1/graph/entities/agency:36000", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Entity        graph.Entity         `json:"entity"`
		Neighbors     []graph.Entity       `json:"neighbors"`
		Relationships []graph.Relationship `json:"relationships"`
	}
	decode(t, w, &body)
	assert.Equal(t, "agency", body.Entity.Kind)
	require.Len(t, body.Neighbors, 1)
	assert.Equal(t, "supplier:12345678000199", body.Neighbors[0].ID)
	require.Len(t, body.Relationships, 1)
	assert.Equal(t, "awarded", body.Relationships[0].Kind)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/graph/entities/agency:1", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	telemetry.NewMetrics(reg).ObserveStep("zumbi", "completed")
	f := newFixture(t, Options{Gatherer: reg})

	w := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "govwatch_step_outcomes_total")
}

func TestCORS(t *testing.T) {
	f := newFixture(t, Options{AllowedOrigins: []string{"https://audit.example.org"}})

	w := f.do(http.MethodGet, "/healthz", "", "Origin", "https://audit.example.org")

	assert.Equal(t, "https://audit.example.org", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Options{RateLimit: 1, Burst: 2})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/agents", "", headerUserID, "u1").Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/v1/agents", "", headerUserID, "u1").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/agents", "", headerUserID, "u2").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/healthz", "", headerUserID, "u1").Code)
}

func TestRateLimiter_ForgetsIdleVisitors(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	now = now.Add(visitorIdle + time.Minute)
	assert.True(t, rl.Allow("b"))
	rl.mu.Lock()
	_, kept := rl.visitors["a"]
	rl.mu.Unlock()
	assert.False(t, kept)
}
