// Package backend builds the record store and model store selected by flags.
package backend

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"oeecast/internal/manifest"
	"oeecast/internal/modelstore"
	"oeecast/internal/snapshot"
	"oeecast/internal/store"
)

// ModelManifestKey is the record key of the latest-version pointer on Kafka.
const ModelManifestKey = "oee-model-latest"

type StoreConfig struct {
	Backend     string // memory|pebble|badger|postgres
	DataDir     string
	PostgresDSN string
}

// OpenStore opens the configured record store. The caller closes it.
func OpenStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewInMemoryStore(), nil
	case "pebble", "":
		s, err := store.NewPebbleStore(filepath.Join(cfg.DataDir, "pebble"))
		if err != nil {
			return nil, fmt.Errorf("init pebble: %w", err)
		}
		return s, nil
	case "badger":
		s, err := store.NewBadgerStore(filepath.Join(cfg.DataDir, "badger"))
		if err != nil {
			return nil, fmt.Errorf("init badger: %w", err)
		}
		return s, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend needs a dsn")
		}
		s, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

type ModelConfig struct {
	Dir            string
	KafkaBootstrap string
	ManifestSink   string // file|kafka|both
	ManifestSource string // file|kafka
	TopicModels    string
}

// OpenModelStore keeps artifacts under Dir and publishes the latest pointer to
// the filesystem, Kafka or both. Kafka options are ignored without a bootstrap.
func OpenModelStore(cfg ModelConfig, log *zap.SugaredLogger) (*modelstore.Store, error) {
	fs := manifest.NewFilesystemManifest(cfg.Dir)
	var pub manifest.Publisher = fs
	var reader manifest.Reader = fs

	if cfg.KafkaBootstrap != "" {
		switch cfg.ManifestSink {
		case "file", "":
		case "kafka":
			pub = manifest.NewKafkaManifest(cfg.KafkaBootstrap, cfg.TopicModels, ModelManifestKey)
		case "both":
			pub = manifest.MultiPublisher(fs, manifest.NewKafkaManifest(cfg.KafkaBootstrap, cfg.TopicModels, ModelManifestKey))
		default:
			return nil, fmt.Errorf("unknown manifest sink %q", cfg.ManifestSink)
		}
		switch cfg.ManifestSource {
		case "file", "":
		case "kafka":
			reader = manifest.NewKafkaReader(manifest.SplitBrokers(cfg.KafkaBootstrap), cfg.TopicModels, ModelManifestKey)
		default:
			return nil, fmt.Errorf("unknown manifest source %q", cfg.ManifestSource)
		}
	}
	return modelstore.New(snapshot.NewFilesystemSnapshotter(cfg.Dir), pub, reader, log), nil
}
