package oee

import (
	"errors"
	"math"
	"testing"

	"oeecast/internal/apperr"
	"oeecast/internal/model"
)

func TestCompute_ReferenceRecord(t *testing.T) {
	m, err := Compute(1000, 15, 85.5, 0.96, DefaultPlannedWindow)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if m.Availability != 96.88 {
		t.Errorf("availability = %v, want 96.88", m.Availability)
	}
	if m.Performance != 85.5 {
		t.Errorf("performance = %v, want 85.5", m.Performance)
	}
	if m.Quality != 96 {
		t.Errorf("quality = %v, want 96", m.Quality)
	}
	// 0.96875 * 0.855 * 0.96 = 0.79515
	if math.Abs(m.OEE-79.515) > 0.0051 {
		t.Errorf("oee = %v, want ~79.51/79.52", m.OEE)
	}
}

func TestCompute_DowntimeBeyondWindowZeroesAvailability(t *testing.T) {
	for _, downtime := range []float64{480, 481, 1000, 1e6} {
		m, err := Compute(100, downtime, 90, 1, DefaultPlannedWindow)
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		if m.Availability != 0 || m.OEE != 0 {
			t.Fatalf("downtime=%v: availability=%v oee=%v, want 0", downtime, m.Availability, m.OEE)
		}
	}
}

func TestCompute_PerformanceClampedAt100(t *testing.T) {
	for _, eff := range []float64{100, 100.01, 150, 1e9} {
		m, err := Compute(100, 0, eff, 1, DefaultPlannedWindow)
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		if m.Performance != 100 {
			t.Fatalf("efficiency=%v: performance=%v, want 100", eff, m.Performance)
		}
	}
}

func TestCompute_NegativeEfficiencyNotClamped(t *testing.T) {
	m, err := Compute(100, 0, -10, 1, DefaultPlannedWindow)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if m.Performance != -10 {
		t.Fatalf("performance = %v, want -10", m.Performance)
	}
}

func TestCompute_OEENeverExceedsFactors(t *testing.T) {
	for downtime := 0.0; downtime <= 480; downtime += 37 {
		for eff := 0.0; eff <= 120; eff += 13 {
			for q := 0.0; q <= 1.0; q += 0.15 {
				m, err := Compute(0, downtime, eff, q, DefaultPlannedWindow)
				if err != nil {
					t.Fatalf("Compute: %v", err)
				}
				limit := math.Min(m.Availability, math.Min(m.Performance, m.Quality))
				if m.OEE > limit {
					t.Fatalf("oee %v > min factor %v (downtime=%v eff=%v q=%v)", m.OEE, limit, downtime, eff, q)
				}
			}
		}
	}
}

func TestCompute_InvalidPlannedWindow(t *testing.T) {
	for _, w := range []float64{0, -480, math.NaN(), math.Inf(1)} {
		if _, err := Compute(100, 10, 90, 1, w); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Fatalf("window=%v: want ErrInvalidInput, got %v", w, err)
		}
	}
}

func TestEnrich(t *testing.T) {
	q := 0.96
	rec, err := Enrich(model.ProductionInput{
		MachineID: "M1", Date: "2024-01-15", Output: 1000, Downtime: 15, Efficiency: 85.5, QualityRate: &q,
	}, DefaultPlannedWindow)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if rec.ID == "" || rec.MachineID != "M1" || rec.Date != "2024-01-15" {
		t.Fatalf("unexpected identity fields: %+v", rec)
	}
	if rec.Availability != 96.88 || rec.Performance != 85.5 || rec.QualityRate != 0.96 {
		t.Fatalf("unexpected derived fields: %+v", rec)
	}
}

func TestEnrich_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   model.ProductionInput
	}{
		{"missing machine", model.ProductionInput{Date: "2024-01-15", Output: 1, Efficiency: 80}},
		{"bad date", model.ProductionInput{MachineID: "M1", Date: "yesterday", Output: 1, Efficiency: 80}},
		{"negative output", model.ProductionInput{MachineID: "M1", Date: "2024-01-15", Output: -1, Efficiency: 80}},
		{"negative downtime", model.ProductionInput{MachineID: "M1", Date: "2024-01-15", Downtime: -5, Efficiency: 80}},
		{"nan efficiency", model.ProductionInput{MachineID: "M1", Date: "2024-01-15", Efficiency: math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Enrich(tt.in, DefaultPlannedWindow); !errors.Is(err, apperr.ErrInvalidInput) {
				t.Fatalf("want ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRound2(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{96.875, 96.88},
		{1.005, 1.01},
		{24, 24},
	}
	for _, tt := range tests {
		if got := Round2(tt.in); got != tt.want {
			t.Errorf("Round2(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
