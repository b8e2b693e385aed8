// Package kvstore persists medications and the dose ledger in BadgerDB
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gmsas95/medminder/internal/medication"
)

var (
	medPrefix  = []byte("med/")
	dosePrefix = []byte("dose/")
	doseSeqKey = []byte("seq/dose")
)

// Store is a Badger-backed Storage. Medications live under med/<id>; dose
// entries under dose/<seq> so iteration replays append order.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens the database in dir. An empty dir opens an in-memory database.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueLogFileSize(16 << 20).
		WithMemTableSize(16 << 20)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	return open(opts)
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	seq, err := db.GetSequence(doseSeqKey, 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open dose sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

func medKey(id string) []byte {
	return append(append([]byte{}, medPrefix...), id...)
}

func doseKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", dosePrefix, n))
}

func (s *Store) LoadMedications(ctx context.Context) ([]medication.Medication, error) {
	var meds []medication.Medication
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: medPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var m medication.Medication
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("medication %s: %w", it.Item().Key(), err)
			}
			meds = append(meds, m)
		}
		return nil
	})
	return meds, err
}

// SaveMedications writes meds and removes keys for medications no longer
// present, in one transaction
func (s *Store) SaveMedications(ctx context.Context, meds []medication.Medication) error {
	keep := make(map[string]bool, len(meds))
	return s.db.Update(func(txn *badger.Txn) error {
		for _, m := range meds {
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			if err := txn.Set(medKey(m.ID), data); err != nil {
				return err
			}
			keep[m.ID] = true
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: medPrefix})
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if !keep[string(key[len(medPrefix):])] {
				stale = append(stale, key)
			}
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return ctx.Err()
	})
}

func (s *Store) LoadLedger(ctx context.Context) ([]ledger.DoseEvent, error) {
	var out []ledger.DoseEvent
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: dosePrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e ledger.DoseEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("dose entry %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *Store) AppendLedgerEntry(ctx context.Context, entry ledger.DoseEvent) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	n, err := s.seq.Next()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(doseKey(n), data)
	})
}

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
