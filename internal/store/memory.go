package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gmsas95/medminder/internal/ledger"
	"github.com/gmsas95/medminder/internal/medication"
)

// Memory keeps everything in process. Values are deep-copied through JSON so
// callers never share slices with the store.
type Memory struct {
	mu      sync.RWMutex
	meds    []byte
	entries [][]byte
}

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) LoadMedications(ctx context.Context) ([]medication.Medication, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.meds == nil {
		return nil, nil
	}
	var meds []medication.Medication
	if err := json.Unmarshal(m.meds, &meds); err != nil {
		return nil, err
	}
	return meds, nil
}

func (m *Memory) SaveMedications(ctx context.Context, meds []medication.Medication) error {
	data, err := json.Marshal(meds)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.meds = data
	m.mu.Unlock()
	return nil
}

func (m *Memory) LoadLedger(ctx context.Context) ([]ledger.DoseEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.DoseEvent, 0, len(m.entries))
	for _, raw := range m.entries {
		var e ledger.DoseEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) AppendLedgerEntry(ctx context.Context, entry ledger.DoseEvent) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries = append(m.entries, data)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
