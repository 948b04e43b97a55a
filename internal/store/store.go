// Package store persists production records, machines and predictions.
//
// Implementations report an existing (machine_id, date) record or machine id
// with apperr.ErrDuplicate and a missing machine with apperr.ErrNotFound.
// Any other error is a backend failure.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"oeecast/internal/apperr"
	"oeecast/internal/model"
)

// Query selects production records. Zero fields do not filter.
type Query struct {
	MachineID string
	Since     string // inclusive YYYY-MM-DD
	Limit     int
}

func (q Query) match(r model.ProductionRecord) bool {
	if q.MachineID != "" && r.MachineID != q.MachineID {
		return false
	}
	return q.Since == "" || r.Date >= q.Since
}

type Store interface {
	InsertRecord(ctx context.Context, r model.ProductionRecord) error
	HasRecord(ctx context.Context, machineID, date string) (bool, error)
	// FindRecords returns matches in insertion order.
	FindRecords(ctx context.Context, q Query) ([]model.ProductionRecord, error)
	// FindRecent returns up to limit records of one machine, newest date first.
	FindRecent(ctx context.Context, machineID string, limit int) ([]model.ProductionRecord, error)

	InsertMachine(ctx context.Context, m model.Machine) error
	GetMachine(ctx context.Context, id string) (model.Machine, error)
	ListMachines(ctx context.Context) ([]model.Machine, error)
	CountMachines(ctx context.Context) (int, error)

	// InsertPredictions stores the whole batch or nothing.
	InsertPredictions(ctx context.Context, ps []model.Prediction) error
	// FindPredictions returns up to limit predictions ordered by date ascending.
	FindPredictions(ctx context.Context, machineID string, limit int) ([]model.Prediction, error)

	InsertMaintenance(ctx context.Context, l model.MaintenanceLog) error
	// FindMaintenance returns up to limit logs, newest date first. Logs of the
	// same day come newest insertion first.
	FindMaintenance(ctx context.Context, limit int) ([]model.MaintenanceLog, error)

	Close() error
}

func duplicateRecord(machineID, date string) error {
	return fmt.Errorf("%w: record for machine %s on %s", apperr.ErrDuplicate, machineID, date)
}

func duplicateMachine(id string) error {
	return fmt.Errorf("%w: machine %s", apperr.ErrDuplicate, id)
}

func machineNotFound(id string) error {
	return fmt.Errorf("%w: machine %s", apperr.ErrNotFound, id)
}

// InMemoryStore is a thread-safe store for tests and ephemeral runs.
type InMemoryStore struct {
	mu          sync.RWMutex
	records     []model.ProductionRecord
	recordIndex map[string]struct{}
	machines    []model.Machine
	machineIdx  map[string]int
	predictions []model.Prediction
	maintenance []model.MaintenanceLog
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		recordIndex: make(map[string]struct{}),
		machineIdx:  make(map[string]int),
	}
}

func (s *InMemoryStore) InsertRecord(_ context.Context, r model.ProductionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.RecordKey(r.MachineID, r.Date)
	if _, ok := s.recordIndex[key]; ok {
		return duplicateRecord(r.MachineID, r.Date)
	}
	s.recordIndex[key] = struct{}{}
	s.records = append(s.records, r)
	return nil
}

func (s *InMemoryStore) HasRecord(_ context.Context, machineID, date string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.recordIndex[model.RecordKey(machineID, date)]
	return ok, nil
}

func (s *InMemoryStore) FindRecords(_ context.Context, q Query) ([]model.ProductionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.ProductionRecord{}
	for _, r := range s.records {
		if !q.match(r) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) FindRecent(_ context.Context, machineID string, limit int) ([]model.ProductionRecord, error) {
	s.mu.RLock()
	var out []model.ProductionRecord
	for _, r := range s.records {
		if r.MachineID == machineID {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) InsertMachine(_ context.Context, m model.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machineIdx[m.ID]; ok {
		return duplicateMachine(m.ID)
	}
	s.machineIdx[m.ID] = len(s.machines)
	s.machines = append(s.machines, m)
	return nil
}

func (s *InMemoryStore) GetMachine(_ context.Context, id string) (model.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.machineIdx[id]
	if !ok {
		return model.Machine{}, machineNotFound(id)
	}
	return s.machines[i], nil
}

func (s *InMemoryStore) ListMachines(_ context.Context) ([]model.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Machine{}, s.machines...), nil
}

func (s *InMemoryStore) CountMachines(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.machines), nil
}

func (s *InMemoryStore) InsertPredictions(_ context.Context, ps []model.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictions = append(s.predictions, ps...)
	return nil
}

func (s *InMemoryStore) FindPredictions(_ context.Context, machineID string, limit int) ([]model.Prediction, error) {
	s.mu.RLock()
	out := []model.Prediction{}
	for _, p := range s.predictions {
		if p.MachineID == machineID {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) InsertMaintenance(_ context.Context, l model.MaintenanceLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maintenance = append(s.maintenance, l)
	return nil
}

func (s *InMemoryStore) FindMaintenance(_ context.Context, limit int) ([]model.MaintenanceLog, error) {
	s.mu.RLock()
	out := make([]model.MaintenanceLog, 0, len(s.maintenance))
	for i := len(s.maintenance) - 1; i >= 0; i-- {
		out = append(out, s.maintenance[i])
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
