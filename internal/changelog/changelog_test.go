package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"oeecast/internal/model"
)

func predictions() []model.Prediction {
	return []model.Prediction{
		{ID: "p1", MachineID: "M1", Date: "2024-01-16", PredictedEfficiency: 84.1, PredictedOEE: 77.2, Confidence: 0.95, ModelVersion: "v1"},
		{ID: "p2", MachineID: "M1", Date: "2024-01-17", PredictedEfficiency: 83.9, PredictedOEE: 76.8, Confidence: 0.9, ModelVersion: "v1"},
	}
}

func TestFileWriter_Append(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "predictions.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	ps := predictions()
	if err := w.Append(context.Background(), ps[:1]); err != nil {
		t.Fatalf("append1: %v", err)
	}
	if err := w.Append(context.Background(), ps[1:]); err != nil {
		t.Fatalf("append2: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "predictions.jsonl"))
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	var got []model.Prediction
	for s.Scan() {
		var p model.Prediction
		if err := json.Unmarshal(s.Bytes(), &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, p)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 || got[0] != ps[0] || got[1] != ps[1] {
		t.Fatalf("mismatch: %+v", got)
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaWriter_Append(t *testing.T) {
	fk := &fakeKafkaWriter{}
	if err := NewKafkaWriterWith(fk).Append(context.Background(), predictions()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fk.msgs) != 2 {
		t.Fatalf("want 2 msgs, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != "M1" {
		t.Fatalf("bad key: %s", fk.msgs[0].Key)
	}
	var p model.Prediction
	if err := json.Unmarshal(fk.msgs[1].Value, &p); err != nil || p.ID != "p2" {
		t.Fatalf("bad value: %s", fk.msgs[1].Value)
	}
}

func TestKafkaWriter_Append_Fail(t *testing.T) {
	if err := NewKafkaWriterWith(&fakeKafkaWriter{fail: true}).Append(context.Background(), predictions()); err == nil {
		t.Fatalf("expected error")
	}
}

type fakeRedis struct {
	channel string
	msgs    [][]byte
	fail    bool
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.fail {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	f.channel = channel
	f.msgs = append(f.msgs, message.([]byte))
	cmd.SetVal(1)
	return cmd
}

func TestRedisPublisher_Append(t *testing.T) {
	fr := &fakeRedis{}
	if err := NewRedisPublisherWith(fr, "").Append(context.Background(), predictions()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if fr.channel != DefaultRedisChannel || len(fr.msgs) != 2 {
		t.Fatalf("published %d to %q", len(fr.msgs), fr.channel)
	}
	if err := NewRedisPublisherWith(&fakeRedis{fail: true}, "c").Append(context.Background(), predictions()); err == nil {
		t.Fatalf("expected error")
	}
}

type fakePointWriter struct {
	points []*write.Point
}

func (f *fakePointWriter) WritePoint(_ context.Context, point ...*write.Point) error {
	f.points = append(f.points, point...)
	return nil
}

func TestInfluxWriter_Append(t *testing.T) {
	fw := &fakePointWriter{}
	if err := NewInfluxWriterWith(fw).Append(context.Background(), predictions()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fw.points) != 2 {
		t.Fatalf("want 2 points, got %d", len(fw.points))
	}
	pt := fw.points[0]
	if pt.Name() != Measurement {
		t.Fatalf("measurement = %s", pt.Name())
	}
	if pt.Time().Format(model.DateLayout) != "2024-01-16" {
		t.Fatalf("time = %v", pt.Time())
	}
	tags := map[string]string{}
	for _, tag := range pt.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["machine_id"] != "M1" || tags["model_version"] != "v1" {
		t.Fatalf("tags = %v", tags)
	}
}

func TestInfluxWriter_RejectsBadDate(t *testing.T) {
	ps := predictions()
	ps[0].Date = "soon"
	if err := NewInfluxWriterWith(&fakePointWriter{}).Append(context.Background(), ps); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMultiWriter_JoinsErrorsAndKeepsGoing(t *testing.T) {
	first := &fakeKafkaWriter{fail: true}
	second := &fakeKafkaWriter{}
	mw := NewMultiWriter(NewKafkaWriterWith(first), NewKafkaWriterWith(second))
	if err := mw.Append(context.Background(), predictions()); err == nil {
		t.Fatalf("expected joined error")
	}
	if len(second.msgs) != 2 {
		t.Fatalf("second sink got %d messages", len(second.msgs))
	}
	if mw.Len() != 2 {
		t.Fatalf("Len = %d", mw.Len())
	}
}
