package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoSnapshot is returned when no trained model has been persisted.
var ErrNoSnapshot = errors.New("no model snapshot")

const (
	efficiencyFile = "efficiency.json"
	oeeFile        = "oee.json"
	metaFile       = "meta.json"
)

// Artifacts is one trained model version: two serialized regressors plus metadata.
type Artifacts struct {
	Version    string          `json:"version"`
	Seq        int64           `json:"seq"`
	Algorithm  string          `json:"algorithm"`
	CreatedAt  time.Time       `json:"createdAt"`
	Report     json.RawMessage `json:"report,omitempty"`
	Efficiency []byte          `json:"-"`
	OEE        []byte          `json:"-"`
}

type Snapshotter interface {
	WriteSnapshot(a Artifacts) error
	ReadSnapshot(version string) (Artifacts, error)
}

// FilesystemSnapshotter lays out <baseDir>/<version>/{efficiency,oee,meta}.json.
type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

// WriteSnapshot stages all artifacts in a temp dir and renames it into place,
// so a version directory is either complete or absent.
func (f *FilesystemSnapshotter) WriteSnapshot(a Artifacts) error {
	if a.Version == "" {
		return fmt.Errorf("snapshot version is empty")
	}
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.MkdirTemp(f.baseDir, ".staging-"+a.Version+"-")
	if err != nil {
		return fmt.Errorf("mkdir temp: %w", err)
	}
	defer os.RemoveAll(tmp)

	meta, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	for name, data := range map[string][]byte{
		efficiencyFile: a.Efficiency,
		oeeFile:        a.OEE,
		metaFile:       meta,
	} {
		if err := os.WriteFile(filepath.Join(tmp, name), data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	dst := filepath.Join(f.baseDir, a.Version)
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear %s: %w", dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *FilesystemSnapshotter) ReadSnapshot(version string) (Artifacts, error) {
	dir := filepath.Join(f.baseDir, version)
	meta, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Artifacts{}, fmt.Errorf("%w: version %s", ErrNoSnapshot, version)
		}
		return Artifacts{}, fmt.Errorf("read meta: %w", err)
	}
	var a Artifacts
	if err := json.Unmarshal(meta, &a); err != nil {
		return Artifacts{}, fmt.Errorf("decode meta: %w", err)
	}
	// meta.json is indented on write; hand the report back in compact form.
	if len(a.Report) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, a.Report); err != nil {
			return Artifacts{}, fmt.Errorf("compact report: %w", err)
		}
		a.Report = buf.Bytes()
	}
	if a.Efficiency, err = os.ReadFile(filepath.Join(dir, efficiencyFile)); err != nil {
		return Artifacts{}, fmt.Errorf("read efficiency model: %w", err)
	}
	if a.OEE, err = os.ReadFile(filepath.Join(dir, oeeFile)); err != nil {
		return Artifacts{}, fmt.Errorf("read oee model: %w", err)
	}
	return a, nil
}
