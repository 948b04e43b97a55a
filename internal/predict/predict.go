// Package predict turns a machine's recent history into a dated forecast and
// keeps the forecast model trained on the stored records.
package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"oeecast/internal/apperr"
	"oeecast/internal/changelog"
	"oeecast/internal/forecast"
	"oeecast/internal/metrics"
	"oeecast/internal/model"
	"oeecast/internal/oee"
	"oeecast/internal/store"
)

const (
	DefaultHorizonDays  = 7
	MaxHorizonDays      = 365
	DefaultRecentWindow = 5
	DefaultHistoryLimit = 100

	maxConfidence   = 0.95
	minConfidence   = 0.5
	confidenceDecay = 0.05
)

type Options struct {
	Model   *forecast.Model
	Store   store.Store
	Sink    changelog.Writer
	Metrics *metrics.Registry
	Logger  *zap.SugaredLogger
	Now     func() time.Time

	RecentWindow int
}

type Service struct {
	model   *forecast.Model
	store   store.Store
	sink    changelog.Writer
	metrics *metrics.Registry
	log     *zap.SugaredLogger
	now     func() time.Time
	recent  int
}

func New(opts Options) *Service {
	s := &Service{
		model:   opts.Model,
		store:   opts.Store,
		sink:    opts.Sink,
		metrics: opts.Metrics,
		log:     opts.Logger,
		now:     opts.Now,
		recent:  opts.RecentWindow,
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.now == nil {
		s.now = model.Now
	}
	if s.recent <= 0 {
		s.recent = DefaultRecentWindow
	}
	return s
}

// Confidence decays 0.05 per day ahead, bounded to [0.5, 0.95].
func Confidence(daysAhead int) float64 {
	c := 1.0 - float64(daysAhead)*confidenceDecay
	return oee.Round2(math.Max(minConfidence, math.Min(maxConfidence, c)))
}

// Forecast predicts efficiency and OEE for each of the next horizonDays days.
// Baseline output and downtime are the means of the machine's most recent
// records and stay constant over the horizon. All predictions come from one
// model version and are stored in a single batch before being returned.
func (s *Service) Forecast(ctx context.Context, machineID string, horizonDays int) ([]model.Prediction, error) {
	preds, err := s.forecast(ctx, machineID, horizonDays)
	if err != nil {
		s.count(func(m *metrics.Registry) { m.ForecastsFailed.Inc() })
		return nil, err
	}
	s.count(func(m *metrics.Registry) {
		m.ForecastsServed.Inc()
		m.PredictionsStored.Add(float64(len(preds)))
	})
	return preds, nil
}

func (s *Service) forecast(ctx context.Context, machineID string, horizonDays int) ([]model.Prediction, error) {
	if machineID == "" {
		return nil, apperr.Invalid("machine id is required")
	}
	if horizonDays < 1 || horizonDays > MaxHorizonDays {
		return nil, apperr.Invalid("horizon must be between 1 and %d days, got %d", MaxHorizonDays, horizonDays)
	}

	recent, err := s.store.FindRecent(ctx, machineID, s.recent)
	if err != nil {
		return nil, apperr.Persistence("find recent records", err)
	}
	if len(recent) == 0 {
		return nil, fmt.Errorf("%w: %s", apperr.ErrNoDataForMachine, machineID)
	}

	snap, err := s.model.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	outputs := make([]float64, len(recent))
	downtimes := make([]float64, len(recent))
	for i, r := range recent {
		outputs[i], downtimes[i] = r.Output, r.Downtime
	}
	avgOutput := stat.Mean(outputs, nil)
	avgDowntime := stat.Mean(downtimes, nil)

	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	preds := make([]model.Prediction, 0, horizonDays)
	for i := 1; i <= horizonDays; i++ {
		day := today.AddDate(0, 0, i)
		eff, o := snap.Predict(forecast.CalendarFeatures(avgOutput, avgDowntime, day))
		preds = append(preds, model.Prediction{
			ID:                  uuid.NewString(),
			MachineID:           machineID,
			Date:                model.FormatDate(day),
			PredictedEfficiency: oee.Round2(eff),
			PredictedOEE:        oee.Round2(o),
			Confidence:          Confidence(i),
			ModelVersion:        snap.Version,
			CreatedAt:           now,
		})
	}

	if err := s.store.InsertPredictions(ctx, preds); err != nil {
		return nil, apperr.Persistence("insert predictions", err)
	}
	s.log.Infow("forecast stored",
		"machineId", machineID,
		"horizonDays", horizonDays,
		"modelVersion", snap.Version,
		"baselineRecords", len(recent),
	)
	s.publish(ctx, preds)
	return preds, nil
}

// publish hands stored predictions to the sink. The forecast already
// succeeded, so failures are logged and counted but not returned.
func (s *Service) publish(ctx context.Context, preds []model.Prediction) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Append(ctx, preds); err != nil {
		s.count(func(m *metrics.Registry) { m.PublishFailures.Inc() })
		s.log.Errorw("prediction publish failed",
			"machineId", preds[0].MachineID,
			"count", len(preds),
			"error", err,
		)
	}
}

// Train fits the model on every stored record.
func (s *Service) Train(ctx context.Context) (forecast.TrainingReport, error) {
	start := time.Now()
	records, err := s.store.FindRecords(ctx, store.Query{})
	if err != nil {
		s.count(func(m *metrics.Registry) { m.TrainingFailures.Inc() })
		return forecast.TrainingReport{}, apperr.Persistence("load training records", err)
	}
	s.count(func(m *metrics.Registry) { m.TrainingRuns.Inc() })
	report, err := s.model.Train(ctx, records)
	if err != nil {
		s.count(func(m *metrics.Registry) { m.TrainingFailures.Inc() })
		if !errors.Is(err, apperr.ErrInsufficientData) {
			s.log.Errorw("training failed", "records", len(records), "error", err)
		}
		return forecast.TrainingReport{}, err
	}
	s.count(func(m *metrics.Registry) {
		m.TrainingSec.Observe(time.Since(start).Seconds())
		if snap, err := s.model.Snapshot(ctx); err == nil {
			m.ModelSeq.Set(float64(snap.Seq))
		}
	})
	return report, nil
}

// ModelState reports whether a trained version is loaded in memory.
func (s *Service) ModelState() forecast.State { return s.model.State() }

// History returns stored predictions for a machine, oldest date first.
func (s *Service) History(ctx context.Context, machineID string, limit int) ([]model.Prediction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	ps, err := s.store.FindPredictions(ctx, machineID, limit)
	if err != nil {
		return nil, apperr.Persistence("find predictions", err)
	}
	return ps, nil
}

func (s *Service) count(fn func(m *metrics.Registry)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}
