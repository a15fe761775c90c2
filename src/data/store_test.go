package data

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/orchestrator"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(sqlite.Open(filepath.Join(t.TempDir(), "govwatch.db")), nil)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func sampleInvestigation(id string, created time.Time) *orchestrator.Investigation {
	high := anomaly.New("zumbi", anomaly.TypeZScoreOutlier, "c1", 0.9)
	high.InvestigationID = id
	high.Value = 500
	high.DetectedAt = created.Add(time.Second)
	low := anomaly.New("zumbi", anomaly.TypeIQROutlier, "c2", 0.55)
	low.InvestigationID = id

	return &orchestrator.Investigation{
		ID:     id,
		Query:  orchestrator.Query{Text: "health ministry", Intent: orchestrator.IntentAnomalyScan, Params: map[string]string{"agency": "36000"}},
		Caller: agentcore.Caller{UserID: "auditor"},
		Status: orchestrator.StatusCompleted,
		Steps: []orchestrator.StepOutcome{{
			StepID:  orchestrator.StepContracts,
			AgentID: "zumbi",
			Status:  orchestrator.StepCompleted,
			Response: &agentcore.Response{
				AgentID:        "zumbi",
				Confidence:     0.82,
				IterationCount: 1,
			},
		}},
		Anomalies:   []anomaly.Anomaly{high, low},
		CreatedAt:   created,
		StartedAt:   created,
		CompletedAt: created.Add(2 * time.Second),
	}
}

func TestGormStore_RoundTrip(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	inv := sampleInvestigation("inv-1", created)

	require.NoError(t, store.Save(ctx, inv))
	got, err := store.Load(ctx, "inv-1")

	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, got.Status)
	assert.Equal(t, inv.Query, got.Query)
	assert.Equal(t, "auditor", got.Caller.UserID)
	assert.True(t, inv.CompletedAt.Equal(got.CompletedAt))
	require.Len(t, got.Steps, 1)
	assert.Equal(t, 0.82, got.Steps[0].Response.Confidence)
	require.Len(t, got.Anomalies, 2)
	assert.Equal(t, inv.Anomalies[0].ID, got.Anomalies[0].ID)
	assert.Equal(t, anomaly.SeverityCritical, got.Anomalies[0].Severity())
}

func TestGormStore_SaveReplacesAnomalies(t *testing.T) {
	db := openTestDB(t)
	store := NewGormStore(db)
	ctx := context.Background()
	inv := sampleInvestigation("inv-1", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))

	inv.Status = orchestrator.StatusRunning
	inv.CompletedAt = time.Time{}
	saved := inv.Anomalies
	inv.Anomalies = []anomaly.Anomaly{}
	require.NoError(t, store.Save(ctx, inv))

	inv.Status = orchestrator.StatusCompleted
	inv.Anomalies = saved
	require.NoError(t, store.Save(ctx, inv))
	require.NoError(t, store.Save(ctx, inv))

	var rows int64
	require.NoError(t, db.Model(&InvestigationRecord{}).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)

	all, err := store.AnomaliesBySeverity(ctx, "inv-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c1", all[0].Ref)
	assert.Equal(t, "critical", all[0].Severity)
	assert.Equal(t, "zscore_outlier", all[0].AnomalyType)
	assert.Equal(t, 500.0, all[0].Value)

	critical, err := store.AnomaliesBySeverity(ctx, "inv-1", "critical", "high")
	require.NoError(t, err)
	require.Len(t, critical, 1)

	got, err := store.Load(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusCompleted, got.Status)
}

func TestGormStore_NotFound(t *testing.T) {
	store := NewGormStore(openTestDB(t))

	_, err := store.Load(context.Background(), "missing")

	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
}

func TestGormStore_ListNewestFirst(t *testing.T) {
	store := NewGormStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, sampleInvestigation(id, base.Add(time.Duration(i)*time.Hour))))
	}

	list, err := store.List(ctx, 2)

	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestGormStore_BacksService(t *testing.T) {
	var _ orchestrator.Store = (*GormStore)(nil)
	var _ orchestrator.Lister = (*GormStore)(nil)
}

func TestLoadSettings_OnlyActive(t *testing.T) {
	db := openTestDB(t)
	t.Cleanup(ResetSettings)
	require.NoError(t, db.Create(&[]Setting{
		{Name: "log_level", Value: "debug", Active: 1},
		{Name: "http_addr", Value: ":9999", Active: 0},
	}).Error)

	require.NoError(t, LoadSettings(db))

	assert.Equal(t, "debug", GetSetting("log_level"))
	assert.Empty(t, GetSetting("http_addr"))
	_, ok := LookupSetting("missing")
	assert.False(t, ok)
}

func TestPutSetting_Upserts(t *testing.T) {
	db := openTestDB(t)
	t.Cleanup(ResetSettings)
	ctx := context.Background()

	require.NoError(t, PutSetting(ctx, db, "log_level", "info"))
	require.NoError(t, PutSetting(ctx, db, "log_level", "warn"))

	v, ok := LookupSetting("log_level")
	assert.True(t, ok)
	assert.Equal(t, "warn", v)

	var rows []Setting
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "warn", rows[0].Value)

	ResetSettings()
	require.NoError(t, LoadSettings(db))
	assert.Equal(t, "warn", GetSetting("log_level"))
}

func TestNormalizeDSN(t *testing.T) {
	dsn, err := normalizeDSN("u:p@tcp(db:3306)/gov")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.True(t, strings.HasPrefix(dsn, "u:p@tcp(db:3306)/gov?"))

	dsn, err = normalizeDSN("u:p@tcp(db:3306)/gov?parseTime=false")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")

	_, err = normalizeDSN("not a dsn")
	assert.Error(t, err)
}

func TestGetMySQLDSN(t *testing.T) {
	t.Setenv("MYSQL_DSN", "")
	t.Setenv("MYSQL_HOST", "")
	_, err := GetMySQLDSN()
	assert.Error(t, err)

	t.Setenv("MYSQL_HOST", "db")
	t.Setenv("MYSQL_USER", "auditor")
	t.Setenv("MYSQL_PASSWORD", "secret")
	t.Setenv("MYSQL_DATABASE", "gov")
	dsn, err := GetMySQLDSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "auditor:secret@tcp(db:3306)/gov")
	assert.Contains(t, dsn, "parseTime=true")

	t.Setenv("MYSQL_DSN", "u:p@tcp(other)/gov")
	dsn, err = GetMySQLDSN()
	require.NoError(t, err)
	assert.Equal(t, "u:p@tcp(other)/gov", dsn, "an explicit DSN wins")
}
