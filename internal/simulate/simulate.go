// Package simulate generates plausible production data for demos and tests.
package simulate

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"oeecast/internal/apperr"
	"oeecast/internal/ingest"
	"oeecast/internal/model"
	"oeecast/internal/store"
)

// SampleMachines is the demo fleet.
var SampleMachines = []ingest.MachineInput{
	{Name: "Conveyor Line A", Type: "Conveyor", Site: "Factory 1"},
	{Name: "Assembly Robot B", Type: "Robot", Site: "Factory 1"},
	{Name: "Packaging Unit C", Type: "Packaging", Site: "Factory 2"},
	{Name: "Quality Checker D", Type: "Inspection", Site: "Factory 2"},
}

const HistoryDays = 30

type span struct{ lo, hi float64 }

// profile bounds each generated field.
type profile struct {
	output, downtime, efficiency, quality span
}

var (
	historyProfile = profile{
		output:     span{800, 1200},
		downtime:   span{10, 60},
		efficiency: span{75, 95},
		quality:    span{0.92, 0.99},
	}
	liveProfile = profile{
		output:     span{800, 1200},
		downtime:   span{5, 45},
		efficiency: span{80, 95},
		quality:    span{0.92, 0.99},
	}
)

type Options struct {
	Ingest *ingest.Service
	Store  store.Store
	Seed   int64
	Now    func() time.Time
	Logger *zap.SugaredLogger
}

// Simulator draws from one seeded source, so output is reproducible for a
// given seed and call order.
type Simulator struct {
	ingest *ingest.Service
	store  store.Store
	now    func() time.Time
	log    *zap.SugaredLogger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(opts Options) *Simulator {
	s := &Simulator{
		ingest: opts.Ingest,
		store:  opts.Store,
		now:    opts.Now,
		log:    opts.Logger,
		rng:    rand.New(rand.NewSource(opts.Seed)),
	}
	if s.now == nil {
		s.now = model.Now
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	return s
}

func (s *Simulator) uniform(sp span) float64 {
	return sp.lo + s.rng.Float64()*(sp.hi-sp.lo)
}

func (s *Simulator) entry(machineID, date string, p profile) model.ProductionInput {
	q := s.uniform(p.quality)
	return model.ProductionInput{
		MachineID:   machineID,
		Date:        date,
		Output:      s.uniform(p.output),
		Downtime:    s.uniform(p.downtime),
		Efficiency:  s.uniform(p.efficiency),
		QualityRate: &q,
	}
}

// History returns days entries per machine, from today back to days-1 days ago.
func (s *Simulator) History(machineIDs []string, days int) []model.ProductionInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]model.ProductionInput, 0, len(machineIDs)*days)
	for _, id := range machineIDs {
		for i := 0; i < days; i++ {
			out = append(out, s.entry(id, model.DaysAgo(now, i), historyProfile))
		}
	}
	return out
}

// Today returns one entry per machine dated today.
func (s *Simulator) Today(machineIDs []string) []model.ProductionInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := model.FormatDate(s.now())
	out := make([]model.ProductionInput, 0, len(machineIDs))
	for _, id := range machineIDs {
		out = append(out, s.entry(id, today, liveProfile))
	}
	return out
}

type SeedResult struct {
	Machines int `json:"machines"`
	ingest.BatchResult
}

// SeedSample registers the sample fleet (reusing machines that already exist
// by name) and fills in missing history. Safe to call repeatedly.
func (s *Simulator) SeedSample(ctx context.Context) (SeedResult, error) {
	existing, err := s.store.ListMachines(ctx)
	if err != nil {
		return SeedResult{}, apperr.Persistence("list machines", err)
	}
	byName := make(map[string]string, len(existing))
	for _, m := range existing {
		byName[m.Name] = m.ID
	}

	ids := make([]string, 0, len(SampleMachines))
	for _, in := range SampleMachines {
		if id, ok := byName[in.Name]; ok {
			ids = append(ids, id)
			continue
		}
		m, err := s.ingest.AddMachine(ctx, in)
		if err != nil {
			return SeedResult{}, err
		}
		ids = append(ids, m.ID)
	}

	res, err := s.ingest.IngestBatch(ctx, s.History(ids, HistoryDays))
	if err != nil {
		return SeedResult{}, err
	}
	s.log.Infow("sample data seeded", "machines", len(ids), "inserted", res.Inserted, "skipped", res.Skipped)
	return SeedResult{Machines: len(ids), BatchResult: res}, nil
}

type TodayResult struct {
	Date      string `json:"date"`
	Simulated int    `json:"simulated"`
}

// SimulateToday adds today's entry for every machine that does not have one.
func (s *Simulator) SimulateToday(ctx context.Context) (TodayResult, error) {
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return TodayResult{}, apperr.Persistence("list machines", err)
	}
	if len(machines) == 0 {
		return TodayResult{}, apperr.Invalid("no machines found, create machines first")
	}
	ids := make([]string, len(machines))
	for i, m := range machines {
		ids[i] = m.ID
	}
	res, err := s.ingest.IngestBatch(ctx, s.Today(ids))
	if err != nil {
		return TodayResult{}, err
	}
	return TodayResult{Date: model.FormatDate(s.now()), Simulated: res.Inserted}, nil
}
