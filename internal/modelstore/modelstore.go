// Package modelstore persists trained model versions and resolves the one that
// currently serves forecasts.
package modelstore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"oeecast/internal/manifest"
	"oeecast/internal/snapshot"
)

// Store writes a version's artifacts before moving the latest pointer to it,
// so readers never resolve a pointer to a partial version.
type Store struct {
	snapshots snapshot.Snapshotter
	publisher manifest.Publisher
	reader    manifest.Reader
	log       *zap.SugaredLogger
}

func New(snap snapshot.Snapshotter, pub manifest.Publisher, reader manifest.Reader, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{snapshots: snap, publisher: pub, reader: reader, log: log}
}

// NewFilesystem keeps artifacts and the latest pointer under one directory.
func NewFilesystem(dir string, log *zap.SugaredLogger) *Store {
	fm := manifest.NewFilesystemManifest(dir)
	return New(snapshot.NewFilesystemSnapshotter(dir), fm, fm, log)
}

func (s *Store) Save(ctx context.Context, a snapshot.Artifacts) error {
	if err := s.snapshots.WriteSnapshot(a); err != nil {
		return fmt.Errorf("write snapshot %s: %w", a.Version, err)
	}
	if err := s.publisher.PublishLatest(ctx, a.Version, a.Seq); err != nil {
		return fmt.Errorf("publish manifest %s: %w", a.Version, err)
	}
	s.log.Infow("model version published", "version", a.Version, "seq", a.Seq)
	return nil
}

// LoadLatest returns snapshot.ErrNoSnapshot when nothing has been published.
func (s *Store) LoadLatest(ctx context.Context) (snapshot.Artifacts, error) {
	m, err := s.reader.ReadLatest(ctx)
	if err != nil {
		if errors.Is(err, manifest.ErrNoManifest) {
			return snapshot.Artifacts{}, snapshot.ErrNoSnapshot
		}
		return snapshot.Artifacts{}, fmt.Errorf("read manifest: %w", err)
	}
	return s.Load(ctx, m.Version)
}

// LatestSeq reads the sequence the latest pointer names without touching the
// version's artifacts. It is 0 when nothing has been published.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	m, err := s.reader.ReadLatest(ctx)
	if err != nil {
		if errors.Is(err, manifest.ErrNoManifest) {
			return 0, nil
		}
		return 0, fmt.Errorf("read manifest: %w", err)
	}
	return m.Seq, nil
}

func (s *Store) Load(_ context.Context, version string) (snapshot.Artifacts, error) {
	a, err := s.snapshots.ReadSnapshot(version)
	if err != nil {
		return snapshot.Artifacts{}, err
	}
	s.log.Debugw("model version loaded", "version", a.Version, "seq", a.Seq)
	return a, nil
}
