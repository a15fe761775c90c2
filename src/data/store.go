package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stake-plus/govwatch/src/orchestrator"
)

// GormStore persists investigations and their anomalies through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore returns a store on db. Call Migrate first.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Save upserts the investigation row and replaces its anomaly rows.
func (s *GormStore) Save(ctx context.Context, inv *orchestrator.Investigation) error {
	if inv == nil || inv.ID == "" {
		return errors.New("data: investigation without id")
	}
	rec, err := toRecord(inv)
	if err != nil {
		return err
	}
	anomalies := toAnomalyRecords(inv)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return fmt.Errorf("data: save investigation %s: %w", inv.ID, err)
		}
		if err := tx.Where("investigation_id = ?", inv.ID).Delete(&AnomalyRecord{}).Error; err != nil {
			return fmt.Errorf("data: clear anomalies of %s: %w", inv.ID, err)
		}
		if len(anomalies) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&anomalies, 200).Error; err != nil {
			return fmt.Errorf("data: save anomalies of %s: %w", inv.ID, err)
		}
		return nil
	})
}

// Load reads an investigation back from its stored document.
func (s *GormStore) Load(ctx context.Context, id string) (*orchestrator.Investigation, error) {
	var rec InvestigationRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", orchestrator.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("data: load investigation %s: %w", id, err)
	}
	return fromRecord(rec)
}

// List returns up to limit investigations, newest first.
func (s *GormStore) List(ctx context.Context, limit int) ([]*orchestrator.Investigation, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []InvestigationRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("data: list investigations: %w", err)
	}
	out := make([]*orchestrator.Investigation, 0, len(recs))
	for _, rec := range recs {
		inv, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// AnomaliesBySeverity returns the stored anomalies of an investigation,
// highest score first, restricted to severities when any are given.
func (s *GormStore) AnomaliesBySeverity(ctx context.Context, investigationID string, severities ...string) ([]AnomalyRecord, error) {
	q := s.db.WithContext(ctx).Where("investigation_id = ?", investigationID)
	if len(severities) > 0 {
		q = q.Where("severity IN ?", severities)
	}
	var out []AnomalyRecord
	if err := q.Order("anomaly_score DESC").Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("data: anomalies of %s: %w", investigationID, err)
	}
	return out, nil
}

func toRecord(inv *orchestrator.Investigation) (InvestigationRecord, error) {
	doc, err := json.Marshal(inv)
	if err != nil {
		return InvestigationRecord{}, fmt.Errorf("data: encode investigation %s: %w", inv.ID, err)
	}
	query, err := json.Marshal(inv.Query)
	if err != nil {
		return InvestigationRecord{}, fmt.Errorf("data: encode query %s: %w", inv.ID, err)
	}
	rec := InvestigationRecord{
		ID:        inv.ID,
		Query:     string(query),
		Intent:    string(inv.Query.Intent),
		Status:    string(inv.Status),
		UserID:    inv.Caller.UserID,
		Results:   string(doc),
		CreatedAt: inv.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	if !inv.CompletedAt.IsZero() {
		at := inv.CompletedAt
		rec.CompletedAt = &at
	}
	return rec, nil
}

func fromRecord(rec InvestigationRecord) (*orchestrator.Investigation, error) {
	var inv orchestrator.Investigation
	if rec.Results != "" {
		if err := json.Unmarshal([]byte(rec.Results), &inv); err != nil {
			return nil, fmt.Errorf("data: decode investigation %s: %w", rec.ID, err)
		}
	} else if err := json.Unmarshal([]byte(rec.Query), &inv.Query); err != nil {
		return nil, fmt.Errorf("data: decode query %s: %w", rec.ID, err)
	}
	inv.ID = rec.ID
	inv.Status = orchestrator.Status(rec.Status)
	if rec.CompletedAt != nil && inv.CompletedAt.IsZero() {
		inv.CompletedAt = rec.CompletedAt.UTC()
	}
	return &inv, nil
}

func toAnomalyRecords(inv *orchestrator.Investigation) []AnomalyRecord {
	out := make([]AnomalyRecord, 0, len(inv.Anomalies))
	for _, a := range inv.Anomalies {
		created := a.DetectedAt
		if created.IsZero() {
			created = inv.CreatedAt
		}
		out = append(out, AnomalyRecord{
			ID:              a.ID,
			InvestigationID: inv.ID,
			Source:          a.Source,
			AnomalyType:     string(a.Type),
			AnomalyScore:    a.Score,
			Severity:        string(a.Severity()),
			Status:          string(a.Status),
			Ref:             a.Ref,
			Value:           a.Value,
			CreatedAt:       created,
		})
	}
	return out
}
