// Package sqlstore persists medications and the dose ledger in SQLite
// through GORM
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gmsas95/medminder/internal/medication"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store is a SQLite-backed Storage
type Store struct {
	db  *gorm.DB
	sql *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it
func Open(path string) (*Store, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if err := db.AutoMigrate(&medicationRow{}, &doseRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return &Store{db: db, sql: sqlDB}, nil
}

func (s *Store) LoadMedications(ctx context.Context) ([]medication.Medication, error) {
	var rows []medicationRow
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	meds := make([]medication.Medication, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMedication()
		if err != nil {
			return nil, fmt.Errorf("medication %s: %w", r.ID, err)
		}
		meds = append(meds, m)
	}
	return meds, nil
}

// SaveMedications replaces the medications table with meds in one transaction
func (s *Store) SaveMedications(ctx context.Context, meds []medication.Medication) error {
	rows := make([]medicationRow, 0, len(meds))
	ids := make([]string, 0, len(meds))
	for _, m := range meds {
		r, err := toMedicationRow(m)
		if err != nil {
			return err
		}
		rows = append(rows, r)
		ids = append(ids, m.ID)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(ids) == 0 {
			return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&medicationRow{}).Error
		}
		if err := tx.Where("id NOT IN ?", ids).Delete(&medicationRow{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	})
}

func (s *Store) LoadLedger(ctx context.Context) ([]ledger.DoseEvent, error) {
	var rows []doseRow
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.DoseEvent, len(rows))
	for i, r := range rows {
		out[i] = r.toDoseEvent()
	}
	return out, nil
}

func (s *Store) AppendLedgerEntry(ctx context.Context, entry ledger.DoseEvent) error {
	row := toDoseRow(entry)
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) Close() error {
	return s.sql.Close()
}
