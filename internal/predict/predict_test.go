package predict

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"oeecast/internal/apperr"
	"oeecast/internal/forecast"
	"oeecast/internal/metrics"
	"oeecast/internal/model"
	"oeecast/internal/store"
)

var fixedNow = func() time.Time { return time.Date(2024, 1, 15, 13, 30, 0, 0, time.UTC) }

func seed(t *testing.T, st store.Store, machine string, days int) {
	t.Helper()
	start := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < days; i++ {
		downtime := float64(10 + (i*11)%45)
		eff := 95 - downtime/4
		r := model.ProductionRecord{
			ID:         fmt.Sprintf("%s-%d", machine, i),
			MachineID:  machine,
			Date:       model.FormatDate(start.AddDate(0, 0, i)),
			Output:     float64(850 + (i*53)%300),
			Downtime:   downtime,
			Efficiency: eff,
			OEE:        eff * 0.88,
		}
		if err := st.InsertRecord(context.Background(), r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

type recordingSink struct {
	batches [][]model.Prediction
	fail    bool
}

func (r *recordingSink) Append(_ context.Context, ps []model.Prediction) error {
	if r.fail {
		return errors.New("sink down")
	}
	r.batches = append(r.batches, ps)
	return nil
}

func newService(st store.Store, sink *recordingSink, reg *metrics.Registry) *Service {
	opts := Options{
		Model:   forecast.New(forecast.Options{}),
		Store:   st,
		Metrics: reg,
		Now:     fixedNow,
	}
	if sink != nil {
		opts.Sink = sink
	}
	return New(opts)
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		day  int
		want float64
	}{
		{1, 0.95}, {2, 0.9}, {7, 0.65}, {10, 0.5}, {11, 0.5}, {365, 0.5},
	}
	for _, tt := range tests {
		if got := Confidence(tt.day); got != tt.want {
			t.Errorf("Confidence(%d) = %v, want %v", tt.day, got, tt.want)
		}
	}
}

func TestForecast_SevenDays(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, "M1", 20)
	sink := &recordingSink{}
	reg := metrics.NewRegistry()
	svc := newService(st, sink, reg)
	ctx := context.Background()
	if _, err := svc.Train(ctx); err != nil {
		t.Fatalf("Train: %v", err)
	}

	preds, err := svc.Forecast(ctx, "M1", 7)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(preds) != 7 {
		t.Fatalf("want 7 predictions, got %d", len(preds))
	}
	if preds[0].Date != "2024-01-16" || preds[6].Date != "2024-01-22" {
		t.Fatalf("dates: first=%s last=%s", preds[0].Date, preds[6].Date)
	}
	for i, p := range preds {
		if i > 0 {
			if p.Date <= preds[i-1].Date {
				t.Fatalf("dates not strictly increasing at %d", i)
			}
			if p.Confidence > preds[i-1].Confidence {
				t.Fatalf("confidence increased at %d", i)
			}
		}
		if p.Confidence < 0.5 || p.Confidence > 0.95 {
			t.Fatalf("confidence out of bounds: %v", p.Confidence)
		}
		if p.ModelVersion != "v1" || p.MachineID != "M1" || p.ID == "" {
			t.Fatalf("prediction fields: %+v", p)
		}
	}

	stored, err := svc.History(ctx, "M1", 0)
	if err != nil || len(stored) != 7 {
		t.Fatalf("History: %d %v", len(stored), err)
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 7 {
		t.Fatalf("sink batches: %d", len(sink.batches))
	}
}

func TestForecast_Deterministic(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, "M1", 15)
	svc := newService(st, nil, nil)
	ctx := context.Background()
	if _, err := svc.Train(ctx); err != nil {
		t.Fatalf("Train: %v", err)
	}
	a, _ := svc.Forecast(ctx, "M1", 3)
	b, _ := svc.Forecast(ctx, "M1", 3)
	for i := range a {
		if a[i].PredictedEfficiency != b[i].PredictedEfficiency || a[i].PredictedOEE != b[i].PredictedOEE {
			t.Fatalf("forecast not deterministic at %d", i)
		}
	}
	// Repeated forecasts append.
	all, _ := svc.History(ctx, "M1", 0)
	if len(all) != 6 {
		t.Fatalf("want 6 stored predictions, got %d", len(all))
	}
}

func TestForecast_NoDataForMachineRegardlessOfTraining(t *testing.T) {
	st := store.NewInMemoryStore()
	svc := newService(st, nil, nil)
	ctx := context.Background()
	if _, err := svc.Forecast(ctx, "ghost", 7); !errors.Is(err, apperr.ErrNoDataForMachine) {
		t.Fatalf("untrained: want ErrNoDataForMachine, got %v", err)
	}

	seed(t, st, "M1", 12)
	if _, err := svc.Train(ctx); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if _, err := svc.Forecast(ctx, "ghost", 7); !errors.Is(err, apperr.ErrNoDataForMachine) {
		t.Fatalf("trained: want ErrNoDataForMachine, got %v", err)
	}
}

func TestForecast_ModelNotTrained(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, "M1", 3)
	reg := metrics.NewRegistry()
	svc := newService(st, nil, reg)
	if _, err := svc.Forecast(context.Background(), "M1", 7); !errors.Is(err, apperr.ErrModelNotTrained) {
		t.Fatalf("want ErrModelNotTrained, got %v", err)
	}
}

func TestForecast_InvalidHorizon(t *testing.T) {
	svc := newService(store.NewInMemoryStore(), nil, nil)
	for _, h := range []int{0, -1, MaxHorizonDays + 1} {
		if _, err := svc.Forecast(context.Background(), "M1", h); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Fatalf("horizon %d: want ErrInvalidInput, got %v", h, err)
		}
	}
}

type failingPredictionStore struct {
	*store.InMemoryStore
}

func (failingPredictionStore) InsertPredictions(context.Context, []model.Prediction) error {
	return errors.New("disk full")
}

func TestForecast_PersistenceFailureFailsWholeCall(t *testing.T) {
	st := failingPredictionStore{store.NewInMemoryStore()}
	seed(t, st, "M1", 12)
	sink := &recordingSink{}
	svc := newService(st, sink, nil)
	ctx := context.Background()
	if _, err := svc.Train(ctx); err != nil {
		t.Fatalf("Train: %v", err)
	}
	preds, err := svc.Forecast(ctx, "M1", 7)
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("want ErrPersistence, got %v", err)
	}
	if preds != nil || len(sink.batches) != 0 {
		t.Fatalf("partial result leaked: %d preds, %d batches", len(preds), len(sink.batches))
	}
}

func TestForecast_SinkFailureDoesNotFailForecast(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, "M1", 12)
	svc := newService(st, &recordingSink{fail: true}, metrics.NewRegistry())
	ctx := context.Background()
	if _, err := svc.Train(ctx); err != nil {
		t.Fatalf("Train: %v", err)
	}
	preds, err := svc.Forecast(ctx, "M1", 2)
	if err != nil || len(preds) != 2 {
		t.Fatalf("Forecast: %d %v", len(preds), err)
	}
}

func TestTrain_NineVersusTenRecords(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, "M1", 9)
	svc := newService(st, nil, nil)
	ctx := context.Background()
	if _, err := svc.Train(ctx); !errors.Is(err, apperr.ErrInsufficientData) {
		t.Fatalf("9 records: want ErrInsufficientData, got %v", err)
	}

	r := model.ProductionRecord{ID: "extra", MachineID: "M2", Date: "2024-01-10", Output: 900, Downtime: 20, Efficiency: 88, OEE: 80}
	if err := st.InsertRecord(ctx, r); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rep, err := svc.Train(ctx)
	if err != nil {
		t.Fatalf("10 records: %v", err)
	}
	if rep.Version == "" || rep.SampleCount != 10 {
		t.Fatalf("report: %+v", rep)
	}
}
