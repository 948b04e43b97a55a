package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteAndReadSnapshot(t *testing.T) {
	dir := t.TempDir()
	snap := NewFilesystemSnapshotter(dir)
	in := Artifacts{
		Version:    "v3",
		Seq:        3,
		Algorithm:  "random_forest",
		CreatedAt:  time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Report:     []byte(`{"sample_count":12}`),
		Efficiency: []byte(`{"trees":[1]}`),
		OEE:        []byte(`{"trees":[2]}`),
	}
	if err := snap.WriteSnapshot(in); err != nil {
		t.Fatalf("WriteSnapshot error: %v", err)
	}
	for _, name := range []string{"efficiency.json", "oee.json", "meta.json"} {
		if _, err := os.Stat(filepath.Join(dir, "v3", name)); err != nil {
			t.Fatalf("%s missing: %v", name, err)
		}
	}

	got, err := snap.ReadSnapshot("v3")
	if err != nil {
		t.Fatalf("ReadSnapshot error: %v", err)
	}
	if got.Version != "v3" || got.Seq != 3 || got.Algorithm != "random_forest" || !got.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("unexpected meta: %+v", got)
	}
	if string(got.Efficiency) != `{"trees":[1]}` || string(got.OEE) != `{"trees":[2]}` {
		t.Fatalf("unexpected artifacts: %s / %s", got.Efficiency, got.OEE)
	}
	if string(got.Report) != `{"sample_count":12}` {
		t.Fatalf("unexpected report: %s", got.Report)
	}
}

func TestWriteSnapshot_LeavesNoStagingDirs(t *testing.T) {
	dir := t.TempDir()
	snap := NewFilesystemSnapshotter(dir)
	if err := snap.WriteSnapshot(Artifacts{Version: "v1", Efficiency: []byte("{}"), OEE: []byte("{}")}); err != nil {
		t.Fatalf("WriteSnapshot error: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "v1" {
		t.Fatalf("unexpected entries: %v", entries)
	}
}

func TestReadSnapshot_Missing(t *testing.T) {
	snap := NewFilesystemSnapshotter(t.TempDir())
	if _, err := snap.ReadSnapshot("v9"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("want ErrNoSnapshot, got %v", err)
	}
}

func TestWriteSnapshot_RequiresVersion(t *testing.T) {
	snap := NewFilesystemSnapshotter(t.TempDir())
	if err := snap.WriteSnapshot(Artifacts{}); err == nil {
		t.Fatalf("expected error for empty version")
	}
}

func TestReadSnapshot_ReportIsCompact(t *testing.T) {
	dir := t.TempDir()
	snap := NewFilesystemSnapshotter(dir)
	in := Artifacts{
		Version:    "v1",
		Report:     []byte(`{"model_version": "v1", "scores": {"r2": [0.5, 0.25]}, "note": "a b"}`),
		Efficiency: []byte("{}"),
		OEE:        []byte("{}"),
	}
	if err := snap.WriteSnapshot(in); err != nil {
		t.Fatalf("WriteSnapshot error: %v", err)
	}
	got, err := snap.ReadSnapshot("v1")
	if err != nil {
		t.Fatalf("ReadSnapshot error: %v", err)
	}
	want := `{"model_version":"v1","scores":{"r2":[0.5,0.25]},"note":"a b"}`
	if string(got.Report) != want {
		t.Fatalf("report = %s, want %s", got.Report, want)
	}
}
