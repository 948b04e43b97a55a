package model

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-day format used for record and prediction dates.
const DateLayout = "2006-01-02"

// ProductionInput is a raw daily production entry before metrics are derived.
type ProductionInput struct {
	MachineID   string   `json:"machine_id"`
	Date        string   `json:"date"`
	Output      float64  `json:"output"`
	Downtime    float64  `json:"downtime"`
	Efficiency  float64  `json:"efficiency"`
	QualityRate *float64 `json:"quality_rate,omitempty"`
}

// Quality returns the quality rate, defaulting to 1.0 when absent.
func (in ProductionInput) Quality() float64 {
	if in.QualityRate == nil {
		return 1.0
	}
	return *in.QualityRate
}

// ProductionRecord is an enriched per-machine daily record. Derived fields
// (OEE, Availability, Performance) are on a 0-100 scale.
type ProductionRecord struct {
	ID           string    `json:"id"`
	MachineID    string    `json:"machine_id"`
	Date         string    `json:"date"`
	Output       float64   `json:"output"`
	Downtime     float64   `json:"downtime"`
	Efficiency   float64   `json:"efficiency"`
	QualityRate  float64   `json:"quality_rate"`
	OEE          float64   `json:"oee"`
	Availability float64   `json:"availability"`
	Performance  float64   `json:"performance"`
	CreatedAt    time.Time `json:"created_at"`
}

// Machine is a piece of equipment that production records refer to.
type Machine struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Site      string    `json:"site"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// MachineStatusOperational is the status assigned to new machines.
const MachineStatusOperational = "operational"

// Prediction is a forecast for one machine on one future day.
type Prediction struct {
	ID                  string    `json:"id"`
	MachineID           string    `json:"machine_id"`
	Date                string    `json:"date"`
	PredictedEfficiency float64   `json:"predicted_efficiency"`
	PredictedOEE        float64   `json:"predicted_oee"`
	Confidence          float64   `json:"confidence"`
	ModelVersion        string    `json:"model_version"`
	CreatedAt           time.Time `json:"created_at"`
}

// MaintenanceLog records one maintenance intervention on a machine.
// Duration is in hours.
type MaintenanceLog struct {
	ID         string    `json:"id"`
	MachineID  string    `json:"machine_id"`
	Type       string    `json:"type"`
	Duration   float64   `json:"duration"`
	Technician string    `json:"technician"`
	Notes      string    `json:"notes"`
	Date       string    `json:"date"`
	CreatedAt  time.Time `json:"created_at"`
}

// ParseDate parses a YYYY-MM-DD calendar day as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders t as a calendar day.
func FormatDate(t time.Time) string { return t.Format(DateLayout) }

// DaysAgo returns the calendar day that lies `days` days before now.
func DaysAgo(now time.Time, days int) string {
	return FormatDate(now.AddDate(0, 0, -days))
}

// RecordKey returns the composite uniqueness key machineId#date.
func RecordKey(machineID, date string) string {
	return fmt.Sprintf("%s#%s", machineID, date)
}

// Now returns the current UTC time. Split for testability.
var Now = func() time.Time { return time.Now().UTC() }
