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
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"oeecast/internal/api"
	"oeecast/internal/apperr"
	"oeecast/internal/backend"
	"oeecast/internal/changelog"
	"oeecast/internal/forecast"
	"oeecast/internal/ingest"
	"oeecast/internal/metrics"
	"oeecast/internal/predict"
	"oeecast/internal/simulate"
)

// Config holds CLI flags for the analytics service.
type Config struct {
	HTTPAddr    string
	CORSOrigins string
	DevLog      bool

	StoreBackend string // memory|pebble|badger|postgres
	DataDir      string
	PostgresDSN  string

	ModelDir       string
	ManifestSink   string // file|kafka|both
	ManifestSource string // file|kafka
	TopicModels    string
	ModelPollSec   int
	Trees          int

	KafkaBootstrap string
	// Prediction sinks, comma separated: file,kafka,redis,influx
	PredictionSinks  string
	ChangelogDir     string
	TopicPredictions string
	RedisURL         string
	RedisChannel     string
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string

	IngestSource    string // none|kafka
	TopicProduction string
	GroupID         string

	PlannedWindow float64
	SimSeed       int64
}

func main() {
	cfg := readFlags()
	if err := run(cfg); err != nil {
		log.Fatalf("oeed failed: %v", err)
	}
}

func readFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.HTTPAddr, "http", ":8001", "http listen address")
	flag.StringVar(&cfg.CORSOrigins, "cors-origins", envOr("CORS_ORIGINS", "*"), "comma separated allowed origins")
	flag.BoolVar(&cfg.DevLog, "dev-log", false, "human readable development logging")
	flag.StringVar(&cfg.StoreBackend, "store", "pebble", "record store: memory|pebble|badger|postgres")
	flag.StringVar(&cfg.DataDir, "data-dir", "./data/oeed", "data directory for pebble/badger")
	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", envOr("OEE_POSTGRES_DSN", ""), "postgres dsn for -store=postgres")
	flag.StringVar(&cfg.ModelDir, "model-dir", "./models", "model artifact directory")
	flag.StringVar(&cfg.ManifestSink, "manifest-sink", "file", "latest model pointer sink: file|kafka|both")
	flag.StringVar(&cfg.ManifestSource, "manifest-source", "file", "latest model pointer source: file|kafka")
	flag.StringVar(&cfg.TopicModels, "topic-models", "oee.models", "kafka topic for the latest model pointer (compacted)")
	flag.IntVar(&cfg.ModelPollSec, "model-poll", 0, "seconds between checks for a newer published model, 0 disables")
	flag.IntVar(&cfg.Trees, "trees", forecast.DefaultEstimators, "trees per random forest")
	flag.StringVar(&cfg.KafkaBootstrap, "kafka-bootstrap", envOr("KAFKA_BOOTSTRAP", ""), "kafka bootstrap servers, e.g. localhost:9092")
	flag.StringVar(&cfg.PredictionSinks, "prediction-sinks", "file", "prediction sinks: any of file,kafka,redis,influx")
	flag.StringVar(&cfg.ChangelogDir, "changelog-dir", "./changelog", "directory for the prediction audit log")
	flag.StringVar(&cfg.TopicPredictions, "topic-predictions", "oee.predictions", "kafka topic for predictions")
	flag.StringVar(&cfg.RedisURL, "redis-url", envOr("REDIS_URL", "redis://localhost:6379/0"), "redis url for the redis sink")
	flag.StringVar(&cfg.RedisChannel, "redis-channel", changelog.DefaultRedisChannel, "redis pub/sub channel")
	flag.StringVar(&cfg.InfluxURL, "influx-url", envOr("INFLUX_URL", "http://localhost:8086"), "influxdb url for the influx sink")
	flag.StringVar(&cfg.InfluxToken, "influx-token", envOr("INFLUX_TOKEN", ""), "influxdb token")
	flag.StringVar(&cfg.InfluxOrg, "influx-org", envOr("INFLUX_ORG", "oee"), "influxdb organization")
	flag.StringVar(&cfg.InfluxBucket, "influx-bucket", envOr("INFLUX_BUCKET", "predictions"), "influxdb bucket")
	flag.StringVar(&cfg.IngestSource, "ingest-source", "none", "production record source: none|kafka")
	flag.StringVar(&cfg.TopicProduction, "topic-production", "oee.production", "kafka topic with production entries")
	flag.StringVar(&cfg.GroupID, "group-id", "oeed", "consumer group id")
	flag.Float64Var(&cfg.PlannedWindow, "planned-window", 480, "planned production minutes per day")
	flag.Int64Var(&cfg.SimSeed, "sim-seed", 0, "simulator seed, 0 uses the clock")
	flag.Parse()
	return cfg
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func newLogger(dev bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if dev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func run(cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg.DevLog)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	if !cfg.DevLog {
		gin.SetMode(gin.ReleaseMode)
	}

	st, err := backend.OpenStore(ctx, backend.StoreConfig{
		Backend:     cfg.StoreBackend,
		DataDir:     cfg.DataDir,
		PostgresDSN: cfg.PostgresDSN,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	ms, err := backend.OpenModelStore(backend.ModelConfig{
		Dir:            cfg.ModelDir,
		KafkaBootstrap: cfg.KafkaBootstrap,
		ManifestSink:   cfg.ManifestSink,
		ManifestSource: cfg.ManifestSource,
		TopicModels:    cfg.TopicModels,
	}, logger)
	if err != nil {
		return err
	}

	rf := forecast.NewRandomForest()
	rf.Estimators = cfg.Trees
	fm := forecast.New(forecast.Options{Algorithm: rf, Store: ms, Logger: logger})

	mreg := metrics.NewRegistry()
	if snap, err := fm.Snapshot(ctx); err == nil {
		mreg.ModelSeq.Set(float64(snap.Seq))
	} else if !errors.Is(err, apperr.ErrModelNotTrained) {
		logger.Warnw("could not load latest model", "error", err)
	}

	sink, closeSinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	ing := ingest.New(ingest.Options{Store: st, PlannedWindow: cfg.PlannedWindow, Metrics: mreg, Logger: logger})
	svc := predict.New(predict.Options{Model: fm, Store: st, Sink: sink, Metrics: mreg, Logger: logger})
	seed := cfg.SimSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sim := simulate.New(simulate.Options{Ingest: ing, Store: st, Seed: seed, Logger: logger})

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.New(api.Options{
			Store:         st,
			Ingest:        ing,
			Predict:       svc,
			Simulator:     sim,
			Metrics:       mreg,
			Logger:        logger,
			PlannedWindow: cfg.PlannedWindow,
			CORSOrigins:   cfg.CORSOrigins,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("http listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.IngestSource == "kafka" && cfg.KafkaBootstrap != "" {
		c, err := ingest.NewConsumer(cfg.KafkaBootstrap, cfg.GroupID, cfg.TopicProduction, ing, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		g.Go(func() error {
			logger.Infow("consuming production entries", "topic", cfg.TopicProduction, "group", cfg.GroupID)
			return c.Run(gctx)
		})
	}

	if cfg.ModelPollSec > 0 {
		g.Go(func() error {
			pollModel(gctx, fm, mreg, time.Duration(cfg.ModelPollSec)*time.Second, logger)
			return nil
		})
	}

	err = g.Wait()
	logger.Infow("oeed stopped", "error", err)
	return err
}

// pollModel swaps in versions published by other trainers until ctx is done.
func pollModel(ctx context.Context, fm *forecast.Model, mreg *metrics.Registry, every time.Duration, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		changed, err := fm.Refresh(ctx)
		if err != nil {
			logger.Warnw("model refresh failed", "error", err)
			continue
		}
		if changed {
			if snap, err := fm.Snapshot(ctx); err == nil {
				mreg.ModelSeq.Set(float64(snap.Seq))
			}
		}
	}
}

// buildSinks returns the configured prediction fan-out and a func that
// releases its clients. Nil means no sink.
func buildSinks(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (changelog.Writer, func(), error) {
	var (
		writers []changelog.Writer
		closers []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	for _, name := range splitList(cfg.PredictionSinks) {
		switch name {
		case "file":
			fw, err := changelog.NewFileWriter(cfg.ChangelogDir, "predictions.jsonl")
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("init prediction log: %w", err)
			}
			writers = append(writers, fw)
		case "kafka":
			if cfg.KafkaBootstrap == "" {
				logger.Warnw("kafka sink requested without bootstrap, skipping")
				continue
			}
			writers = append(writers, changelog.NewKafkaWriter(cfg.KafkaBootstrap, cfg.TopicPredictions))
		case "redis":
			rp, client, err := changelog.NewRedisPublisher(ctx, cfg.RedisURL, cfg.RedisChannel)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, func() { _ = client.Close() })
			writers = append(writers, rp)
		case "influx":
			iw, client, err := changelog.NewInfluxWriter(ctx, cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, client.Close)
			writers = append(writers, iw)
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown prediction sink %q", name)
		}
	}
	logger.Infow("prediction sinks ready", "sinks", cfg.PredictionSinks, "active", len(writers))
	switch len(writers) {
	case 0:
		return nil, closeAll, nil
	case 1:
		return writers[0], closeAll, nil
	default:
		return changelog.NewMultiWriter(writers...), closeAll, nil
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
