package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"oeecast/internal/changelog"
	"oeecast/internal/model"
)

func TestSplitList(t *testing.T) {
	got := splitList(" file, kafka,,redis ")
	want := []string{"file", "kafka", "redis"}
	if len(got) != len(want) {
		t.Fatalf("splitList = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitList = %v", got)
		}
	}
}

func TestBuildSinks(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	sink, closeAll, err := buildSinks(ctx, Config{PredictionSinks: ""}, log)
	if err != nil || sink != nil {
		t.Fatalf("no sinks: %v %v", sink, err)
	}
	closeAll()

	dir := t.TempDir()
	sink, closeAll, err = buildSinks(ctx, Config{PredictionSinks: "file,kafka", ChangelogDir: dir}, log)
	if err != nil {
		t.Fatalf("buildSinks: %v", err)
	}
	defer closeAll()
	if _, ok := sink.(*changelog.FileWriter); !ok {
		t.Fatalf("kafka without bootstrap should be skipped, got %T", sink)
	}
	if err := sink.Append(ctx, []model.Prediction{{MachineID: "M1", Date: "2024-01-16"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "predictions.jsonl")); err != nil {
		t.Fatalf("prediction log missing: %v", err)
	}

	sink, closeBoth, err := buildSinks(ctx, Config{PredictionSinks: "file,kafka", ChangelogDir: t.TempDir(), KafkaBootstrap: "localhost:9092"}, log)
	if err != nil {
		t.Fatalf("buildSinks: %v", err)
	}
	defer closeBoth()
	if mw, ok := sink.(*changelog.MultiWriter); !ok || mw.Len() != 2 {
		t.Fatalf("want two-way fan-out, got %T", sink)
	}

	if _, _, err := buildSinks(ctx, Config{PredictionSinks: "carrier-pigeon"}, log); err == nil {
		t.Fatalf("unknown sink accepted")
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("OEE_TEST_VALUE", "set")
	if got := envOr("OEE_TEST_VALUE", "fallback"); got != "set" {
		t.Fatalf("envOr = %q", got)
	}
	t.Setenv("OEE_TEST_VALUE", "")
	if got := envOr("OEE_TEST_VALUE", "fallback"); got != "fallback" {
		t.Fatalf("envOr empty = %q", got)
	}
}
