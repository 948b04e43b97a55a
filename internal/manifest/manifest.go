package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const latestFile = "manifest.latest.json"

// ErrNoManifest means no model version has been published yet.
var ErrNoManifest = errors.New("no manifest published")

// Manifest points at the model version that serves forecasts.
type Manifest struct {
	Version              string `json:"version"`
	Seq                  int64  `json:"seq"`
	CreatedAtEpochSecond int64  `json:"createdAt"`
}

var NowUnix = func() int64 { return time.Now().UTC().Unix() }

type Publisher interface {
	PublishLatest(ctx context.Context, version string, seq int64) error
}

type Reader interface {
	ReadLatest(ctx context.Context) (Manifest, error)
}

type multiPublisher struct {
	pubs []Publisher
}

// MultiPublisher publishes to each publisher in order and stops at the first error.
func MultiPublisher(pubs ...Publisher) Publisher {
	return &multiPublisher{pubs: pubs}
}

func (m *multiPublisher) PublishLatest(ctx context.Context, version string, seq int64) error {
	for _, p := range m.pubs {
		if err := p.PublishLatest(ctx, version, seq); err != nil {
			return err
		}
	}
	return nil
}

type FilesystemManifest struct {
	baseDir string
}

func NewFilesystemManifest(baseDir string) *FilesystemManifest {
	return &FilesystemManifest{baseDir: baseDir}
}

// PublishLatest replaces manifest.latest.json via write-to-temp and rename.
func (f *FilesystemManifest) PublishLatest(_ context.Context, version string, seq int64) error {
	if err := os.MkdirAll(f.baseDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	m := Manifest{Version: version, Seq: seq, CreatedAtEpochSecond: NowUnix()}
	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	tmp, err := os.CreateTemp(f.baseDir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(f.baseDir, latestFile)); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *FilesystemManifest) ReadLatest(_ context.Context) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, latestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, ErrNoManifest
		}
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return m, nil
}

// KafkaManifest publishes the latest pointer as a keyed record on a compacted topic.
type KafkaManifest struct {
	writer kafkaMessageWriter
	key    []byte
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// SplitBrokers turns a comma-separated bootstrap list into broker addresses.
func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		if a = strings.TrimSpace(a); a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

// NewKafkaManifest creates a Kafka manifest publisher. key is typically "oee-model-latest".
func NewKafkaManifest(bootstrap, topic, key string) *KafkaManifest {
	return &KafkaManifest{writer: &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, key: []byte(key)}
}

// NewKafkaManifestWith is only for tests to inject a fake writer.
func NewKafkaManifestWith(w kafkaMessageWriter, key string) *KafkaManifest {
	return &KafkaManifest{writer: w, key: []byte(key)}
}

func (k *KafkaManifest) PublishLatest(ctx context.Context, version string, seq int64) error {
	b, err := json.Marshal(&Manifest{Version: version, Seq: seq, CreatedAtEpochSecond: NowUnix()})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: k.key, Value: b})
}

// KafkaReader scans a compacted manifest topic and keeps the last record for its key.
type KafkaReader struct {
	open    func() kafkaMessageReader
	key     []byte
	timeout time.Duration
}

type kafkaMessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func NewKafkaReader(brokers []string, topic, key string) *KafkaReader {
	return &KafkaReader{
		open: func() kafkaMessageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:   brokers,
				Topic:     topic,
				Partition: 0,
				MinBytes:  1,
				MaxBytes:  10e6,
			})
		},
		key:     []byte(key),
		timeout: 10 * time.Second,
	}
}

// NewKafkaReaderWith is only for tests to inject a fake reader.
func NewKafkaReaderWith(r kafkaMessageReader, key string, timeout time.Duration) *KafkaReader {
	return &KafkaReader{open: func() kafkaMessageReader { return r }, key: []byte(key), timeout: timeout}
}

// ReadLatest reads from the start until the scan deadline passes. Fine for a
// small compacted topic.
func (k *KafkaReader) ReadLatest(ctx context.Context) (Manifest, error) {
	r := k.open()
	defer r.Close()

	scanCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	var last Manifest
	for {
		msg, err := r.ReadMessage(scanCtx)
		if err != nil {
			if ctx.Err() != nil {
				return Manifest{}, ctx.Err()
			}
			if scanCtx.Err() != nil {
				break
			}
			return Manifest{}, fmt.Errorf("read kafka: %w", err)
		}
		if string(msg.Key) != string(k.key) {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			return Manifest{}, fmt.Errorf("unmarshal kafka manifest: %w", err)
		}
		last = m
	}
	if last.Version == "" {
		return Manifest{}, ErrNoManifest
	}
	return last, nil
}
