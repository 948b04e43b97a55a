package forecast

import (
	"fmt"
	"time"

	"oeecast/internal/apperr"
	"oeecast/internal/model"
)

// FeatureNames lists the feature vector columns in order.
var FeatureNames = []string{"output", "downtime", "day_of_week", "month"}

// Features is one model input row.
type Features struct {
	Output    float64
	Downtime  float64
	DayOfWeek int // Monday=0 .. Sunday=6
	Month     int // 1..12
}

// CalendarFeatures fills DayOfWeek and Month from d.
func CalendarFeatures(output, downtime float64, d time.Time) Features {
	return Features{
		Output:    output,
		Downtime:  downtime,
		DayOfWeek: (int(d.Weekday()) + 6) % 7,
		Month:     int(d.Month()),
	}
}

func (f Features) Vector() []float64 {
	return []float64{f.Output, f.Downtime, float64(f.DayOfWeek), float64(f.Month)}
}

// FromRecord derives features from a stored production record.
func FromRecord(r model.ProductionRecord) (Features, error) {
	d, err := model.ParseDate(r.Date)
	if err != nil {
		return Features{}, apperr.Invalid("record %s: %v", r.ID, err)
	}
	return CalendarFeatures(r.Output, r.Downtime, d), nil
}

type dataset struct {
	x   [][]float64
	eff []float64
	oee []float64
}

func buildDataset(records []model.ProductionRecord) (dataset, error) {
	ds := dataset{
		x:   make([][]float64, 0, len(records)),
		eff: make([]float64, 0, len(records)),
		oee: make([]float64, 0, len(records)),
	}
	for _, r := range records {
		f, err := FromRecord(r)
		if err != nil {
			return dataset{}, fmt.Errorf("build dataset: %w", err)
		}
		ds.x = append(ds.x, f.Vector())
		ds.eff = append(ds.eff, r.Efficiency)
		ds.oee = append(ds.oee, r.OEE)
	}
	return ds, nil
}

func (d dataset) rows(idx []int) (x [][]float64, eff, oee []float64) {
	x = make([][]float64, len(idx))
	eff = make([]float64, len(idx))
	oee = make([]float64, len(idx))
	for i, j := range idx {
		x[i], eff[i], oee[i] = d.x[j], d.eff[j], d.oee[j]
	}
	return x, eff, oee
}
