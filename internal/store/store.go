// Package store defines the storage collaborator used by the tracker and
// provides the available backends
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gmsas95/medminder/internal/config"
	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gmsas95/medminder/internal/medication"
	"github.com/gmsas95/medminder/internal/store/kvstore"
	"github.com/gmsas95/medminder/internal/store/sqlstore"
)

// Storage persists medications and ledger entries. The tracker calls it on
// startup and after each mutating command, never while holding its own locks.
type Storage interface {
	LoadMedications(ctx context.Context) ([]medication.Medication, error)
	// SaveMedications receives the full medication list
	SaveMedications(ctx context.Context, meds []medication.Medication) error
	// LoadLedger returns every entry, superseded versions included, in
	// append order
	LoadLedger(ctx context.Context) ([]ledger.DoseEvent, error)
	AppendLedgerEntry(ctx context.Context, entry ledger.DoseEvent) error
	Close() error
}

// Open creates the backend selected by cfg.Driver
func Open(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "medminder.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return sqlstore.Open(path)
	case "badger":
		path := cfg.BadgerPath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "badger")
		}
		return kvstore.Open(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
