// Package baseline holds the steady-state hydraulic solution of a network and the
// adapters that obtain it from an external solver.
package baseline

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Data is the wire form of a baseline: one value per node, link or tank id.
type Data struct {
	Pressures  map[string]float64 `json:"pressures" yaml:"pressures"`
	Flows      map[string]float64 `json:"flows" yaml:"flows"`
	TankLevels map[string]float64 `json:"tank_levels" yaml:"tank_levels"`
	Demands    map[string]float64 `json:"demands,omitempty" yaml:"demands,omitempty"`
	SolvedAt   *time.Time         `json:"solved_at,omitempty" yaml:"solved_at,omitempty"`
}

// Snapshot is an immutable baseline. All accessors return copies.
type Snapshot struct {
	pressures  map[string]float64
	flows      map[string]float64
	tankLevels map[string]float64
	demands    map[string]float64
	solvedAt   time.Time
}

func NewSnapshot(data Data) *Snapshot {
	s := &Snapshot{
		pressures:  copyValues(data.Pressures),
		flows:      copyValues(data.Flows),
		tankLevels: copyValues(data.TankLevels),
		demands:    copyValues(data.Demands),
	}
	if data.SolvedAt != nil {
		s.solvedAt = data.SolvedAt.UTC()
	}
	return s
}

func (s *Snapshot) Data() Data {
	data := Data{
		Pressures:  copyValues(s.pressures),
		Flows:      copyValues(s.flows),
		TankLevels: copyValues(s.tankLevels),
	}
	if len(s.demands) > 0 {
		data.Demands = copyValues(s.demands)
	}
	if !s.solvedAt.IsZero() {
		solved := s.solvedAt
		data.SolvedAt = &solved
	}
	return data
}

func (s *Snapshot) Pressure(nodeID string) (float64, bool) {
	v, ok := s.pressures[nodeID]
	return v, ok
}

func (s *Snapshot) Flow(linkID string) (float64, bool) {
	v, ok := s.flows[linkID]
	return v, ok
}

func (s *Snapshot) TankLevel(tankID string) (float64, bool) {
	v, ok := s.tankLevels[tankID]
	return v, ok
}

func (s *Snapshot) Demand(nodeID string) (float64, bool) {
	v, ok := s.demands[nodeID]
	return v, ok
}

func (s *Snapshot) PressureIDs() []string { return sortedKeys(s.pressures) }
func (s *Snapshot) FlowIDs() []string     { return sortedKeys(s.flows) }
func (s *Snapshot) TankIDs() []string     { return sortedKeys(s.tankLevels) }

func (s *Snapshot) SolvedAt() time.Time { return s.solvedAt }

func (s *Snapshot) Len() int {
	return len(s.pressures) + len(s.flows) + len(s.tankLevels)
}

// Validate rejects snapshots whose values could not have come from a converged solve.
func (s *Snapshot) Validate() error {
	if s == nil {
		return errors.New("baseline is not set")
	}
	groups := []struct {
		name   string
		values map[string]float64
	}{
		{"pressures", s.pressures},
		{"flows", s.flows},
		{"tank_levels", s.tankLevels},
		{"demands", s.demands},
	}
	for _, g := range groups {
		for id, v := range g.values {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("%s: empty id", g.name)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%s[%s]: non-finite value %v", g.name, id, v)
			}
		}
	}
	return nil
}

func copyValues(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
