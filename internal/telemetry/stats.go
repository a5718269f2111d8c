package telemetry

import (
	"math"
	"sort"
)

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func StdDev(values []float64, population bool) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	denom := float64(len(values))
	if !population {
		if len(values) < 2 {
			return 0
		}
		denom = float64(len(values) - 1)
	}
	return math.Sqrt(sum / denom)
}

// Summary describes the readings of one sensor over a window.
type Summary struct {
	SensorID   string     `json:"sensor_id"`
	SensorType SensorType `json:"sensor_type"`
	Count      int        `json:"count"`
	Min        float64    `json:"min"`
	Max        float64    `json:"max"`
	Mean       float64    `json:"mean"`
	StdDev     float64    `json:"std_dev"`
}

// Summarize groups readings per sensor, ordered by sensor type then location id.
func Summarize(readings []Reading) []Summary {
	type group struct {
		first  Reading
		values []float64
	}
	groups := map[string]*group{}
	for _, r := range readings {
		g, ok := groups[r.SensorID]
		if !ok {
			g = &group{first: r}
			groups[r.SensorID] = g
		}
		g.values = append(g.values, r.Value)
	}
	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i].first, ordered[j].first
		if a.SensorType != b.SensorType {
			return a.SensorType.order() < b.SensorType.order()
		}
		return a.LocationID < b.LocationID
	})
	out := make([]Summary, 0, len(ordered))
	for _, g := range ordered {
		lo, hi := g.values[0], g.values[0]
		for _, v := range g.values[1:] {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		out = append(out, Summary{
			SensorID:   g.first.SensorID,
			SensorType: g.first.SensorType,
			Count:      len(g.values),
			Min:        lo,
			Max:        hi,
			Mean:       Mean(g.values),
			StdDev:     StdDev(g.values, false),
		})
	}
	return out
}
