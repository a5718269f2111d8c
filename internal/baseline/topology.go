package baseline

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type NodeKind string

const (
	NodeJunction  NodeKind = "junction"
	NodeTank      NodeKind = "tank"
	NodeReservoir NodeKind = "reservoir"
)

type Node struct {
	ID         string   `json:"id" yaml:"id"`
	Kind       NodeKind `json:"kind" yaml:"kind"`
	Elevation  float64  `json:"elevation" yaml:"elevation"`
	Capacity   float64  `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	BaseDemand float64  `json:"base_demand,omitempty" yaml:"base_demand,omitempty"`
}

type Link struct {
	ID        string  `json:"id" yaml:"id"`
	From      string  `json:"from" yaml:"from"`
	To        string  `json:"to" yaml:"to"`
	Length    float64 `json:"length,omitempty" yaml:"length,omitempty"`
	Diameter  float64 `json:"diameter,omitempty" yaml:"diameter,omitempty"`
	Roughness float64 `json:"roughness,omitempty" yaml:"roughness,omitempty"`
}

// Topology is the read-only network definition produced by the loader. Only ids
// are interpreted here; attributes are forwarded to the solver untouched.
type Topology struct {
	Name   string `json:"name" yaml:"name"`
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	Nodes  []Node `json:"nodes" yaml:"nodes"`
	Links  []Link `json:"links" yaml:"links"`
}

func (t Topology) NodeIDs() []string {
	ids := make([]string, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return ids
}

func (t Topology) LinkIDs() []string {
	ids := make([]string, 0, len(t.Links))
	for _, l := range t.Links {
		ids = append(ids, l.ID)
	}
	sort.Strings(ids)
	return ids
}

func (t Topology) TankIDs() []string {
	ids := []string{}
	for _, n := range t.Nodes {
		if n.Kind == NodeTank {
			ids = append(ids, n.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t Topology) Validate() error {
	if len(t.Nodes) == 0 {
		return errors.New("topology has no nodes")
	}
	nodes := map[string]struct{}{}
	for _, n := range t.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return errors.New("node id is empty")
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		switch n.Kind {
		case NodeJunction, NodeTank, NodeReservoir:
		default:
			return fmt.Errorf("node %q has unsupported kind %q", n.ID, n.Kind)
		}
		nodes[n.ID] = struct{}{}
	}
	links := map[string]struct{}{}
	for _, l := range t.Links {
		if strings.TrimSpace(l.ID) == "" {
			return errors.New("link id is empty")
		}
		if _, dup := links[l.ID]; dup {
			return fmt.Errorf("duplicate link id %q", l.ID)
		}
		if _, ok := nodes[l.From]; !ok {
			return fmt.Errorf("link %q references unknown node %q", l.ID, l.From)
		}
		if _, ok := nodes[l.To]; !ok {
			return fmt.Errorf("link %q references unknown node %q", l.ID, l.To)
		}
		links[l.ID] = struct{}{}
	}
	return nil
}
