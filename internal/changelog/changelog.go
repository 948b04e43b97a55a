// Package changelog fans stored predictions out to downstream sinks.
package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"oeecast/internal/manifest"
	"oeecast/internal/model"
)

// Writer receives each batch of predictions after it has been persisted.
type Writer interface {
	Append(ctx context.Context, ps []model.Prediction) error
}

// MultiWriter appends to every writer and joins their errors, so one failing
// sink does not starve the others.
type MultiWriter struct {
	writers []Writer
}

func NewMultiWriter(ws ...Writer) *MultiWriter {
	return &MultiWriter{writers: ws}
}

func (m *MultiWriter) Append(ctx context.Context, ps []model.Prediction) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.Append(ctx, ps); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiWriter) Len() int { return len(m.writers) }

// FileWriter appends one JSON line per prediction.
type FileWriter struct {
	mu   sync.Mutex
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Append(_ context.Context, ps []model.Prediction) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for i := range ps {
		if err := enc.Encode(&ps[i]); err != nil {
			return fmt.Errorf("encode: %w", err)
		}
	}
	return nil
}

// KafkaWriter publishes predictions keyed by machine id.
type KafkaWriter struct {
	writer kafkaMessageWriter
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func NewKafkaWriter(bootstrap string, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(manifest.SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}}
}

// NewKafkaWriterWith is only for tests to inject a fake writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}

func (k *KafkaWriter) Append(ctx context.Context, ps []model.Prediction) error {
	msgs := make([]kafka.Message, 0, len(ps))
	for i := range ps {
		b, err := json.Marshal(&ps[i])
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(ps[i].MachineID), Value: b})
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

// DefaultRedisChannel is where RedisPublisher announces predictions.
const DefaultRedisChannel = "oee:predictions"

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes each prediction as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  redisPublisher
	channel string
}

// NewRedisPublisher connects using a redis:// URL.
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisPublisherWith(client, channel), client, nil
}

func NewRedisPublisherWith(c redisPublisher, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{client: c, channel: channel}
}

func (r *RedisPublisher) Append(ctx context.Context, ps []model.Prediction) error {
	for i := range ps {
		data, err := json.Marshal(&ps[i])
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
			return fmt.Errorf("redis publish: %w", err)
		}
	}
	return nil
}

// Measurement is the InfluxDB measurement written by InfluxWriter.
const Measurement = "oee_prediction"

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxWriter writes one point per prediction, timestamped at the predicted day.
type InfluxWriter struct {
	api pointWriter
}

// NewInfluxWriter returns the writer and the client so the caller can Close it.
func NewInfluxWriter(ctx context.Context, url, token, org, bucket string) (*InfluxWriter, influxdb2.Client, error) {
	client := influxdb2.NewClient(url, token)
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("influxdb health: %w", err)
	}
	return &InfluxWriter{api: client.WriteAPIBlocking(org, bucket)}, client, nil
}

func NewInfluxWriterWith(w pointWriter) *InfluxWriter {
	return &InfluxWriter{api: w}
}

func (w *InfluxWriter) Append(ctx context.Context, ps []model.Prediction) error {
	points := make([]*write.Point, 0, len(ps))
	for _, p := range ps {
		day, err := model.ParseDate(p.Date)
		if err != nil {
			return err
		}
		points = append(points, write.NewPoint(
			Measurement,
			map[string]string{
				"machine_id":    p.MachineID,
				"model_version": p.ModelVersion,
			},
			map[string]interface{}{
				"predicted_efficiency": p.PredictedEfficiency,
				"predicted_oee":        p.PredictedOEE,
				"confidence":           p.Confidence,
			},
			day,
		))
	}
	if err := w.api.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}
