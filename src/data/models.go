package data

import "time"

// Setting is one row of the settings table. Only active rows are loaded.
type Setting struct {
	ID     uint8  `gorm:"primaryKey"`
	Name   string `gorm:"size:64;not null;uniqueIndex"`
	Value  string `gorm:"type:text;not null"`
	Active uint8  `gorm:"not null"`
}

// InvestigationRecord is the persisted shape of an investigation. Results
// holds the full investigation document as JSON.
type InvestigationRecord struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Query       string    `gorm:"type:text;not null"`
	Intent      string    `gorm:"size:32;not null;index"`
	Status      string    `gorm:"size:16;not null;index"`
	UserID      string    `gorm:"size:64"`
	Results     string    `gorm:"type:longtext"`
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (InvestigationRecord) TableName() string { return "investigations" }

// AnomalyRecord is one anomaly of an investigation. Anomaly ids are
// deterministic per source, type and ref, so the key includes the
// investigation.
type AnomalyRecord struct {
	ID              string  `gorm:"primaryKey;size:16"`
	InvestigationID string  `gorm:"primaryKey;size:36"`
	Source          string  `gorm:"size:32;not null"`
	AnomalyType     string  `gorm:"column:anomaly_type;size:32;not null;index"`
	AnomalyScore    float64 `gorm:"column:anomaly_score;not null"`
	Severity        string  `gorm:"size:16;not null;index"`
	Status          string  `gorm:"size:16;not null"`
	Ref             string  `gorm:"size:128"`
	Value           float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (AnomalyRecord) TableName() string { return "anomalies" }

// Models lists every table the service owns, for AutoMigrate.
func Models() []any {
	return []any{&Setting{}, &InvestigationRecord{}, &AnomalyRecord{}}
}
