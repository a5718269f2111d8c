package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hydrotwin-backend/internal/security"
)

const SolveMethod = "hydraulics.solve"

// Solver computes a steady-state baseline for a topology.
type Solver interface {
	Solve(ctx context.Context, topology Topology) (*Snapshot, error)
}

// SolverError reports a failed solve: a non-convergent network, a missing input
// file, or an unreachable solver.
type SolverError struct {
	Network string
	Reason  string
	Err     error
}

func (e *SolverError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("solve %s: %s", e.Network, e.Reason)
	}
	return fmt.Sprintf("solve %s: %s: %v", e.Network, e.Reason, e.Err)
}

func (e *SolverError) Unwrap() error { return e.Err }

type SolverConfig struct {
	Type     string        `yaml:"type"`
	Endpoint string        `yaml:"endpoint"`
	Command  string        `yaml:"command"`
	Args     []string      `yaml:"args"`
	Dir      string        `yaml:"dir"`
	Timeout  time.Duration `yaml:"timeout"`
}

func NewSolver(cfg SolverConfig) (Solver, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	switch strings.ToLower(cfg.Type) {
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("http endpoint required")
		}
		return NewRemoteSolver(&HTTPTransport{Endpoint: cfg.Endpoint, Timeout: timeout}), nil
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio command required")
		}
		return NewRemoteSolver(&StdioTransport{Command: cfg.Command, Args: cfg.Args, Timeout: timeout}), nil
	case "", "file":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("baseline directory required")
		}
		return NewFileSolver(cfg.Dir), nil
	default:
		return nil, fmt.Errorf("unsupported solver type %q", cfg.Type)
	}
}

// RemoteSolver delegates to an external hydraulic engine over JSON-RPC.
type RemoteSolver struct {
	Transport Transport
}

func NewRemoteSolver(transport Transport) *RemoteSolver {
	return &RemoteSolver{Transport: transport}
}

func (s *RemoteSolver) Solve(ctx context.Context, topology Topology) (*Snapshot, error) {
	resp, err := s.Transport.Call(ctx, SolveMethod, topology)
	if err != nil {
		return nil, &SolverError{Network: topology.Name, Reason: "solver call failed", Err: err}
	}
	var data Data
	if err := json.Unmarshal(resp, &data); err != nil {
		return nil, &SolverError{Network: topology.Name, Reason: "invalid solver response", Err: err}
	}
	snapshot := NewSnapshot(data)
	if err := snapshot.Validate(); err != nil {
		return nil, &SolverError{Network: topology.Name, Reason: "solver returned unusable baseline", Err: err}
	}
	return snapshot, nil
}

// FileSolver serves precomputed baselines stored as <dir>/<network>.yaml (or .json).
type FileSolver struct {
	Dir string
}

func NewFileSolver(dir string) *FileSolver {
	return &FileSolver{Dir: dir}
}

func (s *FileSolver) Solve(ctx context.Context, topology Topology) (*Snapshot, error) {
	name := topology.Name
	if !security.IsSafeIdentifier(name) {
		return nil, &SolverError{Network: name, Reason: "unsafe network name"}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SolverError{Network: name, Reason: "cancelled", Err: err}
	}
	var (
		content []byte
		err     error
	)
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		content, err = os.ReadFile(filepath.Join(s.Dir, name+ext))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, &SolverError{Network: name, Reason: "baseline file not found", Err: err}
	}
	var data Data
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, &SolverError{Network: name, Reason: "invalid baseline file", Err: err}
	}
	snapshot := NewSnapshot(data)
	if err := snapshot.Validate(); err != nil {
		return nil, &SolverError{Network: name, Reason: "invalid baseline file", Err: err}
	}
	if err := checkCoverage(topology, snapshot); err != nil {
		return nil, &SolverError{Network: name, Reason: "baseline does not match topology", Err: err}
	}
	return snapshot, nil
}

// checkCoverage verifies every baseline id exists in the topology. An empty
// topology skips the check so callers can resolve by name alone.
func checkCoverage(topology Topology, snapshot *Snapshot) error {
	if len(topology.Nodes) == 0 {
		return nil
	}
	nodes := map[string]struct{}{}
	for _, id := range topology.NodeIDs() {
		nodes[id] = struct{}{}
	}
	links := map[string]struct{}{}
	for _, id := range topology.LinkIDs() {
		links[id] = struct{}{}
	}
	for _, id := range snapshot.PressureIDs() {
		if _, ok := nodes[id]; !ok {
			return fmt.Errorf("pressure node %q not in topology", id)
		}
	}
	for _, id := range snapshot.TankIDs() {
		if _, ok := nodes[id]; !ok {
			return fmt.Errorf("tank %q not in topology", id)
		}
	}
	for _, id := range snapshot.FlowIDs() {
		if _, ok := links[id]; !ok {
			return fmt.Errorf("flow link %q not in topology", id)
		}
	}
	return nil
}

var ErrNoSolver = errors.New("hydraulic solver not configured")
