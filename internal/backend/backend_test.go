package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"oeecast/internal/model"
	"oeecast/internal/snapshot"
	"oeecast/internal/store"
)

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"memory", "pebble", "badger"} {
		t.Run(name, func(t *testing.T) {
			st, err := OpenStore(ctx, StoreConfig{Backend: name, DataDir: t.TempDir()})
			if err != nil {
				t.Fatalf("OpenStore: %v", err)
			}
			defer st.Close()
			m := model.Machine{ID: "m1", Name: "Press", CreatedAt: time.Unix(0, 0).UTC()}
			if err := st.InsertMachine(ctx, m); err != nil {
				t.Fatalf("InsertMachine: %v", err)
			}
			if n, _ := st.CountMachines(ctx); n != 1 {
				t.Fatalf("count = %d", n)
			}
		})
	}
}

func TestOpenStore_Rejects(t *testing.T) {
	ctx := context.Background()
	if _, err := OpenStore(ctx, StoreConfig{Backend: "mongo"}); err == nil {
		t.Fatalf("unknown backend accepted")
	}
	if _, err := OpenStore(ctx, StoreConfig{Backend: "postgres"}); err == nil {
		t.Fatalf("postgres without dsn accepted")
	}
}

func TestOpenStore_DefaultsToPebble(t *testing.T) {
	st, err := OpenStore(context.Background(), StoreConfig{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer st.Close()
	if _, ok := st.(*store.KVStore); !ok {
		t.Fatalf("default backend is %T", st)
	}
}

func TestOpenModelStore_Filesystem(t *testing.T) {
	ctx := context.Background()
	ms, err := OpenModelStore(ModelConfig{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("OpenModelStore: %v", err)
	}
	if _, err := ms.LoadLatest(ctx); !errors.Is(err, snapshot.ErrNoSnapshot) {
		t.Fatalf("want ErrNoSnapshot, got %v", err)
	}
	a := snapshot.Artifacts{Version: "v1", Seq: 1, Efficiency: []byte(`{}`), OEE: []byte(`{}`)}
	if err := ms.Save(ctx, a); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := ms.LoadLatest(ctx)
	if err != nil || got.Version != "v1" {
		t.Fatalf("LoadLatest: %+v %v", got, err)
	}
}

func TestOpenModelStore_RejectsUnknownModes(t *testing.T) {
	if _, err := OpenModelStore(ModelConfig{Dir: t.TempDir(), KafkaBootstrap: "localhost:9092", ManifestSink: "s3"}, nil); err == nil {
		t.Fatalf("unknown sink accepted")
	}
	if _, err := OpenModelStore(ModelConfig{Dir: t.TempDir(), KafkaBootstrap: "localhost:9092", ManifestSource: "s3"}, nil); err == nil {
		t.Fatalf("unknown source accepted")
	}
	// Without a bootstrap Kafka settings are ignored.
	if _, err := OpenModelStore(ModelConfig{Dir: t.TempDir(), ManifestSink: "kafka"}, nil); err != nil {
		t.Fatalf("OpenModelStore: %v", err)
	}
}
