package simulate

import (
	"context"
	"errors"
	"testing"
	"time"

	"oeecast/internal/apperr"
	"oeecast/internal/ingest"
	"oeecast/internal/store"
)

var fixedNow = func() time.Time { return time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC) }

func newSimulator(st store.Store, seed int64) *Simulator {
	return New(Options{Ingest: ingest.New(ingest.Options{Store: st}), Store: st, Seed: seed, Now: fixedNow})
}

func TestHistory_RangesAndDates(t *testing.T) {
	s := newSimulator(store.NewInMemoryStore(), 1)
	entries := s.History([]string{"M1", "M2"}, 30)
	if len(entries) != 60 {
		t.Fatalf("want 60 entries, got %d", len(entries))
	}
	if entries[0].Date != "2024-01-15" || entries[29].Date != "2023-12-17" {
		t.Fatalf("dates: %s .. %s", entries[0].Date, entries[29].Date)
	}
	for _, e := range entries {
		if e.Output < 800 || e.Output > 1200 || e.Downtime < 10 || e.Downtime > 60 ||
			e.Efficiency < 75 || e.Efficiency > 95 || e.Quality() < 0.92 || e.Quality() > 0.99 {
			t.Fatalf("entry out of range: %+v q=%v", e, e.Quality())
		}
	}
}

func TestHistory_SeedIsReproducible(t *testing.T) {
	a := newSimulator(store.NewInMemoryStore(), 7).History([]string{"M1"}, 5)
	b := newSimulator(store.NewInMemoryStore(), 7).History([]string{"M1"}, 5)
	for i := range a {
		if a[i].Output != b[i].Output || a[i].Efficiency != b[i].Efficiency {
			t.Fatalf("entry %d differs", i)
		}
	}
}

func TestSeedSample_Idempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	s := newSimulator(st, 42)
	ctx := context.Background()
	first, err := s.SeedSample(ctx)
	if err != nil {
		t.Fatalf("SeedSample: %v", err)
	}
	if first.Machines != 4 || first.Inserted != 120 || first.Skipped != 0 {
		t.Fatalf("first seed: %+v", first)
	}
	second, err := s.SeedSample(ctx)
	if err != nil {
		t.Fatalf("SeedSample again: %v", err)
	}
	if second.Inserted != 0 || second.Skipped != 120 {
		t.Fatalf("second seed: %+v", second)
	}
	if n, _ := st.CountMachines(ctx); n != 4 {
		t.Fatalf("machines = %d", n)
	}
}

func TestSimulateToday(t *testing.T) {
	st := store.NewInMemoryStore()
	s := newSimulator(st, 3)
	ctx := context.Background()
	if _, err := s.SimulateToday(ctx); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("no machines: want ErrInvalidInput, got %v", err)
	}
	for _, m := range SampleMachines[:2] {
		if _, err := ingest.New(ingest.Options{Store: st}).AddMachine(ctx, m); err != nil {
			t.Fatalf("AddMachine: %v", err)
		}
	}
	res, err := s.SimulateToday(ctx)
	if err != nil {
		t.Fatalf("SimulateToday: %v", err)
	}
	if res.Date != "2024-01-15" || res.Simulated != 2 {
		t.Fatalf("result: %+v", res)
	}
	again, _ := s.SimulateToday(ctx)
	if again.Simulated != 0 {
		t.Fatalf("second run simulated %d", again.Simulated)
	}
}
