// Package ingest validates raw production entries, derives their OEE metrics
// and stores them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"oeecast/internal/apperr"
	"oeecast/internal/metrics"
	"oeecast/internal/model"
	"oeecast/internal/oee"
	"oeecast/internal/store"
)

type Options struct {
	Store         store.Store
	PlannedWindow float64
	Metrics       *metrics.Registry
	Logger        *zap.SugaredLogger
}

type Service struct {
	store   store.Store
	window  float64
	metrics *metrics.Registry
	log     *zap.SugaredLogger
}

func New(opts Options) *Service {
	s := &Service{store: opts.Store, window: opts.PlannedWindow, metrics: opts.Metrics, log: opts.Logger}
	if s.window == 0 {
		s.window = oee.DefaultPlannedWindow
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	return s
}

// Ingest enriches and stores one entry. An existing record for the same
// machine and day yields apperr.ErrDuplicate and leaves the store unchanged.
func (s *Service) Ingest(ctx context.Context, in model.ProductionInput) (model.ProductionRecord, error) {
	rec, err := oee.Enrich(in, s.window)
	if err != nil {
		return model.ProductionRecord{}, err
	}
	if err := s.store.InsertRecord(ctx, rec); err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			return model.ProductionRecord{}, err
		}
		return model.ProductionRecord{}, apperr.Persistence("insert record", err)
	}
	if s.metrics != nil {
		s.metrics.RecordsIngested.Inc()
	}
	return rec, nil
}

type BatchResult struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// IngestBatch stores entries in order, skipping ones that already exist.
// Invalid input or a storage failure stops the batch; rows before it stay.
func (s *Service) IngestBatch(ctx context.Context, ins []model.ProductionInput) (BatchResult, error) {
	var res BatchResult
	for i, in := range ins {
		_, err := s.Ingest(ctx, in)
		switch {
		case err == nil:
			res.Inserted++
		case errors.Is(err, apperr.ErrDuplicate):
			res.Skipped++
			if s.metrics != nil {
				s.metrics.RecordsSkipped.Inc()
			}
		default:
			return res, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	s.log.Infow("batch ingested", "inserted", res.Inserted, "skipped", res.Skipped)
	return res, nil
}

// MachineInput describes a machine to register.
type MachineInput struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Site string `json:"site"`
}

// AddMachine registers a machine under a fresh id with operational status.
func (s *Service) AddMachine(ctx context.Context, in MachineInput) (model.Machine, error) {
	if strings.TrimSpace(in.Name) == "" {
		return model.Machine{}, apperr.Invalid("machine name is required")
	}
	m := model.Machine{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Type:      in.Type,
		Site:      in.Site,
		Status:    model.MachineStatusOperational,
		CreatedAt: model.Now(),
	}
	if err := s.store.InsertMachine(ctx, m); err != nil {
		if errors.Is(err, apperr.ErrDuplicate) {
			return model.Machine{}, err
		}
		return model.Machine{}, apperr.Persistence("insert machine", err)
	}
	return m, nil
}

// DefaultMaintenanceLimit caps maintenance listings when no limit is given.
const DefaultMaintenanceLimit = 100

// MaintenanceInput describes a maintenance intervention to log.
type MaintenanceInput struct {
	MachineID  string  `json:"machine_id"`
	Type       string  `json:"type"`
	Duration   float64 `json:"duration"`
	Technician string  `json:"technician"`
	Notes      string  `json:"notes"`
	Date       string  `json:"date"`
}

// LogMaintenance validates and stores one maintenance log under a fresh id.
func (s *Service) LogMaintenance(ctx context.Context, in MaintenanceInput) (model.MaintenanceLog, error) {
	switch {
	case strings.TrimSpace(in.MachineID) == "":
		return model.MaintenanceLog{}, apperr.Invalid("machine_id is required")
	case strings.TrimSpace(in.Type) == "":
		return model.MaintenanceLog{}, apperr.Invalid("maintenance type is required")
	case strings.TrimSpace(in.Technician) == "":
		return model.MaintenanceLog{}, apperr.Invalid("technician is required")
	case math.IsNaN(in.Duration) || math.IsInf(in.Duration, 0) || in.Duration < 0:
		return model.MaintenanceLog{}, apperr.Invalid("duration must be a non-negative number of hours, got %v", in.Duration)
	}
	if _, err := model.ParseDate(in.Date); err != nil {
		return model.MaintenanceLog{}, apperr.Invalid("%v", err)
	}
	l := model.MaintenanceLog{
		ID:         uuid.NewString(),
		MachineID:  in.MachineID,
		Type:       in.Type,
		Duration:   in.Duration,
		Technician: in.Technician,
		Notes:      in.Notes,
		Date:       in.Date,
		CreatedAt:  model.Now(),
	}
	if err := s.store.InsertMaintenance(ctx, l); err != nil {
		return model.MaintenanceLog{}, apperr.Persistence("insert maintenance log", err)
	}
	s.log.Infow("maintenance logged", "machineId", l.MachineID, "type", l.Type, "date", l.Date)
	return l, nil
}

// Maintenance lists logs newest date first. limit <= 0 uses DefaultMaintenanceLimit.
func (s *Service) Maintenance(ctx context.Context, limit int) ([]model.MaintenanceLog, error) {
	if limit <= 0 {
		limit = DefaultMaintenanceLimit
	}
	logs, err := s.store.FindMaintenance(ctx, limit)
	if err != nil {
		return nil, apperr.Persistence("find maintenance logs", err)
	}
	return logs, nil
}
