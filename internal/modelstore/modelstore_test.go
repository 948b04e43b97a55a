package modelstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"oeecast/internal/manifest"
	"oeecast/internal/snapshot"
)

func artifacts(version string, seq int64) snapshot.Artifacts {
	return snapshot.Artifacts{
		Version:    version,
		Seq:        seq,
		Algorithm:  "random_forest",
		Efficiency: []byte(`{"v":"` + version + `-eff"}`),
		OEE:        []byte(`{"v":"` + version + `-oee"}`),
	}
}

func TestSaveThenLoadLatest(t *testing.T) {
	s := NewFilesystem(t.TempDir(), nil)
	ctx := context.Background()
	for i, v := range []string{"v1", "v2"} {
		if err := s.Save(ctx, artifacts(v, int64(i+1))); err != nil {
			t.Fatalf("Save %s: %v", v, err)
		}
	}
	got, err := s.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if got.Version != "v2" || got.Seq != 2 || string(got.OEE) != `{"v":"v2-oee"}` {
		t.Fatalf("unexpected latest: %+v", got)
	}
	old, err := s.Load(ctx, "v1")
	if err != nil || string(old.Efficiency) != `{"v":"v1-eff"}` {
		t.Fatalf("Load v1: %+v %v", old, err)
	}
}

func TestLoadLatest_Empty(t *testing.T) {
	s := NewFilesystem(t.TempDir(), nil)
	if _, err := s.LoadLatest(context.Background()); !errors.Is(err, snapshot.ErrNoSnapshot) {
		t.Fatalf("want ErrNoSnapshot, got %v", err)
	}
}

type failingPublisher struct{}

func (failingPublisher) PublishLatest(context.Context, string, int64) error {
	return errors.New("broker down")
}

func TestSave_PublishFailureKeepsPreviousLatest(t *testing.T) {
	dir := t.TempDir()
	fm := manifest.NewFilesystemManifest(dir)
	snap := snapshot.NewFilesystemSnapshotter(dir)
	good := New(snap, fm, fm, nil)
	ctx := context.Background()
	if err := good.Save(ctx, artifacts("v1", 1)); err != nil {
		t.Fatalf("Save v1: %v", err)
	}

	bad := New(snap, manifest.MultiPublisher(fm, failingPublisher{}), fm, nil)
	// The filesystem pointer moves before the failing publisher runs.
	if err := bad.Save(ctx, artifacts("v2", 2)); err == nil {
		t.Fatalf("expected publish error")
	}

	onlyFailing := New(snap, failingPublisher{}, fm, nil)
	if err := onlyFailing.Save(ctx, artifacts("v3", 3)); err == nil {
		t.Fatalf("expected publish error")
	}
	got, err := good.LoadLatest(ctx)
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if got.Version != "v2" {
		t.Fatalf("latest = %s, want v2", got.Version)
	}
}

func TestLatestSeq_IgnoresMissingArtifacts(t *testing.T) {
	dir := t.TempDir()
	s := NewFilesystem(dir, nil)
	ctx := context.Background()
	if seq, err := s.LatestSeq(ctx); err != nil || seq != 0 {
		t.Fatalf("empty store: seq=%d err=%v", seq, err)
	}
	for i, v := range []string{"v1", "v2"} {
		if err := s.Save(ctx, artifacts(v, int64(i+1))); err != nil {
			t.Fatalf("Save %s: %v", v, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(dir, "v2")); err != nil {
		t.Fatalf("remove v2: %v", err)
	}
	if _, err := s.LoadLatest(ctx); !errors.Is(err, snapshot.ErrNoSnapshot) {
		t.Fatalf("LoadLatest with dangling pointer: %v", err)
	}
	seq, err := s.LatestSeq(ctx)
	if err != nil || seq != 2 {
		t.Fatalf("LatestSeq = %d, %v; want 2", seq, err)
	}
}
