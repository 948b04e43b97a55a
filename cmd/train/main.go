package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"oeecast/internal/apperr"
	"oeecast/internal/backend"
	"oeecast/internal/forecast"
	"oeecast/internal/metrics"
	"oeecast/internal/predict"
)

func main() {
	var (
		storeBackend   string
		dataDir        string
		postgresDSN    string
		modelDir       string
		bootstrap      string
		manifestSink   string
		manifestSource string
		topicModels    string
		trees          int
		httpAddr       string
		everySec       int
	)
	flag.StringVar(&storeBackend, "store", "pebble", "record store: pebble|badger|postgres")
	flag.StringVar(&dataDir, "data-dir", "./data/oeed", "data directory for pebble/badger")
	flag.StringVar(&postgresDSN, "postgres-dsn", os.Getenv("OEE_POSTGRES_DSN"), "postgres dsn for -store=postgres")
	flag.StringVar(&modelDir, "model-dir", "./models", "model artifact directory")
	flag.StringVar(&bootstrap, "kafka-bootstrap", os.Getenv("KAFKA_BOOTSTRAP"), "kafka bootstrap for the model pointer")
	flag.StringVar(&manifestSink, "manifest-sink", "file", "file|kafka|both")
	flag.StringVar(&manifestSource, "manifest-source", "file", "file|kafka")
	flag.StringVar(&topicModels, "topic-models", "oee.models", "model pointer topic")
	flag.IntVar(&trees, "trees", forecast.DefaultEstimators, "trees per random forest")
	flag.StringVar(&httpAddr, "http", "", "http listen for /metrics, empty disables")
	flag.IntVar(&everySec, "every", 0, "retrain interval seconds, 0 trains once and exits")
	flag.Parse()

	if storeBackend == "memory" {
		log.Fatalf("offline training needs a durable store")
	}
	mc := backend.ModelConfig{
		Dir:            modelDir,
		KafkaBootstrap: bootstrap,
		ManifestSink:   manifestSink,
		ManifestSource: manifestSource,
		TopicModels:    topicModels,
	}
	sc := backend.StoreConfig{Backend: storeBackend, DataDir: dataDir, PostgresDSN: postgresDSN}
	if err := run(sc, mc, trees, httpAddr, time.Duration(everySec)*time.Second); err != nil {
		log.Fatalf("train failed: %v", err)
	}
}

// run trains once, or every interval until interrupted when every > 0.
func run(sc backend.StoreConfig, mc backend.ModelConfig, trees int, httpAddr string, every time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger := zl.Sugar()
	defer logger.Sync()

	st, err := backend.OpenStore(ctx, sc)
	if err != nil {
		return err
	}
	defer st.Close()

	ms, err := backend.OpenModelStore(mc, logger)
	if err != nil {
		return err
	}

	rf := forecast.NewRandomForest()
	rf.Estimators = trees
	mreg := metrics.NewRegistry()
	svc := predict.New(predict.Options{
		Model:   forecast.New(forecast.Options{Algorithm: rf, Store: ms, Logger: logger}),
		Store:   st,
		Metrics: mreg,
		Logger:  logger,
	})

	if httpAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", mreg.Handler())
			_ = http.ListenAndServe(httpAddr, mux)
		}()
	}

	if every <= 0 {
		return trainOnce(ctx, svc, logger)
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := trainOnce(ctx, svc, logger); err != nil && !errors.Is(err, apperr.ErrInsufficientData) {
			logger.Errorw("training cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func trainOnce(ctx context.Context, svc *predict.Service, logger *zap.SugaredLogger) error {
	report, err := svc.Train(ctx)
	if err != nil {
		if errors.Is(err, apperr.ErrInsufficientData) {
			logger.Warnw("not enough records to train", "error", err)
		}
		return err
	}
	logger.Infow("training cycle completed",
		"version", report.Version,
		"samples", report.SampleCount,
		"efficiencyR2", report.EfficiencyR2,
		"efficiencyMSE", report.EfficiencyMSE,
		"oeeR2", report.OEER2,
	)
	return nil
}
