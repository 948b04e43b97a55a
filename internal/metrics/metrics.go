package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RecordsIngested prometheus.Counter
	RecordsSkipped  prometheus.Counter

	TrainingRuns     prometheus.Counter
	TrainingFailures prometheus.Counter
	TrainingSec      prometheus.Histogram
	ModelSeq         prometheus.Gauge

	ForecastsServed   prometheus.Counter
	ForecastsFailed   prometheus.Counter
	PredictionsStored prometheus.Counter
	PublishFailures   prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	ingested := prometheus.NewCounter(prometheus.CounterOpts{Name: "oee_records_ingested_total"})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "oee_records_skipped_total"})

	runs := prometheus.NewCounter(prometheus.CounterOpts{Name: "oee_training_runs_total"})
	failures := prometheus.NewCounter(prometheus.CounterOpts{Name: "oee_training_failures_total"})
	trainingSec := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "oee_training_seconds",
		Buckets: prometheus.DefBuckets,
	})
	modelSeq := prometheus.NewGauge(prometheus.GaugeOpts{Name: "oee_model_seq"})

	served := prometheus.NewCounter(prometheus.CounterOpts{Name: "oee_forecasts_served_total"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "oee_forecasts_failed_total"})
	stored := prometheus.NewCounter(prometheus.CounterOpts{Name: "oee_predictions_stored_total"})
	publishFailures := prometheus.NewCounter(prometheus.CounterOpts{Name: "oee_prediction_publish_failures_total"})

	r.MustRegister(ingested, skipped, runs, failures, trainingSec, modelSeq, served, failed, stored, publishFailures)
	return &Registry{
		reg:               r,
		RecordsIngested:   ingested,
		RecordsSkipped:    skipped,
		TrainingRuns:      runs,
		TrainingFailures:  failures,
		TrainingSec:       trainingSec,
		ModelSeq:          modelSeq,
		ForecastsServed:   served,
		ForecastsFailed:   failed,
		PredictionsStored: stored,
		PublishFailures:   publishFailures,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
