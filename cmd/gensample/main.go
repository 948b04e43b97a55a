package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"oeecast/internal/simulate"
)

func main() {
	var (
		machines   int
		days       int
		seed       int64
		outputFile string
	)
	flag.IntVar(&machines, "machines", 4, "number of machines")
	flag.IntVar(&days, "days", simulate.HistoryDays, "days of history per machine")
	flag.Int64Var(&seed, "seed", 0, "random seed, 0 uses the clock")
	flag.StringVar(&outputFile, "output", "oee.production.jsonl", "output file")
	flag.Parse()

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if err := generate(machines, days, seed, outputFile); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

// generate writes one production entry per machine and day as JSON lines,
// ready to be produced to the ingestion topic.
func generate(machines, days int, seed int64, outputFile string) error {
	file, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	ids := make([]string, machines)
	for i := range ids {
		ids[i] = fmt.Sprintf("M%d", i+1)
	}
	entries := simulate.New(simulate.Options{Seed: seed}).History(ids, days)

	enc := json.NewEncoder(file)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("encode entry %d: %w", i+1, err)
		}
	}

	log.Printf("generated %d entries for %d machines to %s", len(entries), machines, outputFile)
	return nil
}
