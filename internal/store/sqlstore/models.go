package sqlstore

import (
	"encoding/json"
	"time"

	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gmsas95/medminder/internal/medication"
)

// medicationRow is the medications table
type medicationRow struct {
	ID            string          `gorm:"primaryKey"`
	Seq           int64           `gorm:"index"`
	Name          string          `gorm:"not null"`
	Dosage        string          `gorm:"not null"`
	Rule          json.RawMessage `gorm:"type:text"`
	GracePeriod   int64
	Notes         string
	WithFood      bool
	Active        bool `gorm:"index"`
	DeactivatedAt *time.Time
	RuleSince     time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime:false"`
}

func (medicationRow) TableName() string { return "medications" }

// doseRow is the dose_events table. Seq keeps append order.
type doseRow struct {
	Seq          uint64    `gorm:"primaryKey;autoIncrement"`
	ID           string    `gorm:"uniqueIndex;not null"`
	MedicationID string    `gorm:"index:idx_med_scheduled;not null"`
	ScheduledAt  time.Time `gorm:"index:idx_med_scheduled"`
	ActualAt     *time.Time
	Status       string `gorm:"not null"`
	RecordedAt   time.Time
	Version      int
	Supersedes   string
	Note         string
}

func (doseRow) TableName() string { return "dose_events" }

func toMedicationRow(m medication.Medication) (medicationRow, error) {
	rule, err := json.Marshal(m.Rule)
	if err != nil {
		return medicationRow{}, err
	}
	return medicationRow{
		ID:            m.ID,
		Seq:           m.Seq,
		Name:          m.Name,
		Dosage:        m.Dosage,
		Rule:          rule,
		GracePeriod:   int64(m.GracePeriod),
		Notes:         m.Notes,
		WithFood:      m.WithFood,
		Active:        m.Active,
		DeactivatedAt: m.DeactivatedAt,
		RuleSince:     m.RuleSince,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}, nil
}

func (r medicationRow) toMedication() (medication.Medication, error) {
	var rule medication.Rule
	if err := json.Unmarshal(r.Rule, &rule); err != nil {
		return medication.Medication{}, err
	}
	return medication.Medication{
		ID:            r.ID,
		Seq:           r.Seq,
		Name:          r.Name,
		Dosage:        r.Dosage,
		Rule:          rule,
		GracePeriod:   time.Duration(r.GracePeriod),
		Notes:         r.Notes,
		WithFood:      r.WithFood,
		Active:        r.Active,
		DeactivatedAt: r.DeactivatedAt,
		RuleSince:     r.RuleSince,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func toDoseRow(e ledger.DoseEvent) doseRow {
	return doseRow{
		ID:           e.ID,
		MedicationID: e.MedicationID,
		ScheduledAt:  e.ScheduledAt.UTC(),
		ActualAt:     e.ActualAt,
		Status:       string(e.Status),
		RecordedAt:   e.RecordedAt,
		Version:      e.Version,
		Supersedes:   e.Supersedes,
		Note:         e.Note,
	}
}

func (r doseRow) toDoseEvent() ledger.DoseEvent {
	return ledger.DoseEvent{
		ID:           r.ID,
		MedicationID: r.MedicationID,
		ScheduledAt:  r.ScheduledAt.UTC(),
		ActualAt:     r.ActualAt,
		Status:       ledger.Status(r.Status),
		RecordedAt:   r.RecordedAt,
		Version:      r.Version,
		Supersedes:   r.Supersedes,
		Note:         r.Note,
	}
}
