package aggregate

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"oeecast/internal/model"
	"oeecast/internal/oee"
)

const (
	// DefaultKPIWindowDays is the trailing window used for dashboard KPIs.
	DefaultKPIWindowDays = 7
	// DefaultTrendWindowDays is the trailing window used for trend series.
	DefaultTrendWindowDays = 30
	// MaintenanceDowntimeThreshold flags a record for maintenance when exceeded.
	MaintenanceDowntimeThreshold = 50.0
	// hoursPerRecord is the operating time credited to each daily record.
	hoursPerRecord = 24.0
	// NoDataMessage accompanies an empty trend series.
	NoDataMessage = "No data available"
)

// KPI is the dashboard summary over a record set.
type KPI struct {
	TotalMachines     int     `json:"total_machines"`
	AverageOEE        float64 `json:"average_oee"`
	TotalDowntime     float64 `json:"total_downtime"`
	AverageEfficiency float64 `json:"average_efficiency"`
	ProductionOutput  float64 `json:"production_output"`
	MTBF              float64 `json:"mtbf"`
	MaintenanceAlerts int     `json:"maintenance_alerts"`
}

// Summarize computes dashboard KPIs. machineCount is reported as-is and does
// not depend on the records. An empty record set yields zero metrics.
//
// MTBF is the simplified (records*24)/records, which is 24 whenever records exist.
func Summarize(records []model.ProductionRecord, machineCount int) KPI {
	kpi := KPI{TotalMachines: machineCount}
	if len(records) == 0 {
		return kpi
	}

	oees := make([]float64, 0, len(records))
	effs := make([]float64, 0, len(records))
	var downtime, output float64
	for _, r := range records {
		oees = append(oees, r.OEE)
		effs = append(effs, r.Efficiency)
		downtime += r.Downtime
		output += r.Output
		if r.Downtime > MaintenanceDowntimeThreshold {
			kpi.MaintenanceAlerts++
		}
	}

	n := float64(len(records))
	operating := n * hoursPerRecord

	kpi.AverageOEE = oee.Round2(stat.Mean(oees, nil))
	kpi.AverageEfficiency = oee.Round2(stat.Mean(effs, nil))
	kpi.TotalDowntime = oee.Round2(downtime)
	kpi.ProductionOutput = oee.Round2(output)
	kpi.MTBF = oee.Round2(operating / n)
	return kpi
}

// TrendPoint is one calendar day of the trend series.
type TrendPoint struct {
	Date       string  `json:"date"`
	OEE        float64 `json:"oee"`
	Efficiency float64 `json:"efficiency"`
	Output     float64 `json:"output"`
	Downtime   float64 `json:"downtime"`
}

// TrendSummary describes the record set behind a trend series.
type TrendSummary struct {
	TotalRecords  int    `json:"total_records"`
	DateRange     string `json:"date_range"`
	MachinesCount int    `json:"machines_count"`
}

// Trends is the per-day series plus its summary.
type Trends struct {
	Data    []TrendPoint  `json:"data"`
	Summary *TrendSummary `json:"summary,omitempty"`
	Message string        `json:"message,omitempty"`
}

type dayBucket struct {
	date       string
	oeeSum     float64
	effSum     float64
	output     float64
	downtime   float64
	recordSize int
}

// BuildTrends groups records by date, averaging OEE and efficiency and summing
// output and downtime. Points are ordered by ascending date.
func BuildTrends(records []model.ProductionRecord) Trends {
	if len(records) == 0 {
		return Trends{Data: []TrendPoint{}, Message: NoDataMessage}
	}

	buckets := make(map[string]*dayBucket)
	machines := make(map[string]struct{})
	for _, r := range records {
		b, ok := buckets[r.Date]
		if !ok {
			b = &dayBucket{date: r.Date}
			buckets[r.Date] = b
		}
		b.oeeSum += r.OEE
		b.effSum += r.Efficiency
		b.output += r.Output
		b.downtime += r.Downtime
		b.recordSize++
		machines[r.MachineID] = struct{}{}
	}

	points := make([]TrendPoint, 0, len(buckets))
	for _, b := range buckets {
		n := float64(b.recordSize)
		points = append(points, TrendPoint{
			Date:       b.date,
			OEE:        b.oeeSum / n,
			Efficiency: b.effSum / n,
			Output:     b.output,
			Downtime:   b.downtime,
		})
	}
	// YYYY-MM-DD sorts lexicographically in calendar order.
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })

	return Trends{
		Data: points,
		Summary: &TrendSummary{
			TotalRecords:  len(records),
			DateRange:     fmt.Sprintf("%s to %s", points[0].Date, points[len(points)-1].Date),
			MachinesCount: len(machines),
		},
	}
}
