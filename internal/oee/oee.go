// Package oee computes Overall Equipment Effectiveness from daily production inputs.
package oee

import (
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"oeecast/internal/apperr"
	"oeecast/internal/model"
)

// DefaultPlannedWindow is the planned production time per day, in minutes.
const DefaultPlannedWindow = 480.0

// Metrics holds the OEE factors on a 0-100 scale, rounded to 2 decimals.
type Metrics struct {
	OEE          float64 `json:"oee"`
	Availability float64 `json:"availability"`
	Performance  float64 `json:"performance"`
	Quality      float64 `json:"quality"`
}

// Compute derives availability, performance, quality and OEE.
//
// Efficiency is a percentage; values above 100 are clamped, negative values are
// passed through. Quality rate is taken as-is. Output is accepted for contract
// symmetry with ingestion but does not influence the result.
func Compute(output, downtime, efficiency, qualityRate, plannedWindow float64) (Metrics, error) {
	if plannedWindow <= 0 || math.IsNaN(plannedWindow) || math.IsInf(plannedWindow, 0) {
		return Metrics{}, apperr.Invalid("planned window must be positive, got %v", plannedWindow)
	}

	availability := math.Max(0, (plannedWindow-downtime)/plannedWindow)
	performance := math.Min(1.0, efficiency/100.0)
	quality := qualityRate
	oee := availability * performance * quality

	return Metrics{
		OEE:          Round2(oee * 100),
		Availability: Round2(availability * 100),
		Performance:  Round2(performance * 100),
		Quality:      Round2(quality * 100),
	}, nil
}

// Enrich validates a raw input and returns the record with derived metrics.
func Enrich(in model.ProductionInput, plannedWindow float64) (model.ProductionRecord, error) {
	if strings.TrimSpace(in.MachineID) == "" {
		return model.ProductionRecord{}, apperr.Invalid("machine_id is required")
	}
	if _, err := model.ParseDate(in.Date); err != nil {
		return model.ProductionRecord{}, apperr.Invalid("%v", err)
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"output", in.Output},
		{"downtime", in.Downtime},
		{"efficiency", in.Efficiency},
		{"quality_rate", in.Quality()},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return model.ProductionRecord{}, apperr.Invalid("%s must be finite", f.name)
		}
	}
	if in.Output < 0 {
		return model.ProductionRecord{}, apperr.Invalid("output must be >= 0, got %v", in.Output)
	}
	if in.Downtime < 0 {
		return model.ProductionRecord{}, apperr.Invalid("downtime must be >= 0, got %v", in.Downtime)
	}

	m, err := Compute(in.Output, in.Downtime, in.Efficiency, in.Quality(), plannedWindow)
	if err != nil {
		return model.ProductionRecord{}, err
	}
	return model.ProductionRecord{
		ID:           uuid.NewString(),
		MachineID:    in.MachineID,
		Date:         in.Date,
		Output:       in.Output,
		Downtime:     in.Downtime,
		Efficiency:   in.Efficiency,
		QualityRate:  in.Quality(),
		OEE:          m.OEE,
		Availability: m.Availability,
		Performance:  m.Performance,
		CreatedAt:    model.Now(),
	}, nil
}

// Round2 rounds v half away from zero to 2 decimal places.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
