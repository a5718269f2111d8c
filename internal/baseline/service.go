package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var ErrNotFound = errors.New("baseline not found")

// Store is the slice of the storage collaborator the baseline adapter needs.
type Store interface {
	StoreNetwork(ctx context.Context, id, name, ref string) error
	StoreBaseline(ctx context.Context, id string, snapshot *Snapshot) error
	GetBaseline(ctx context.Context, id string) (*Snapshot, error)
}

// Service establishes baselines once per network and hands them out read-only.
type Service struct {
	solver  Solver
	store   Store
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

func NewService(solver Solver, store Store, logger *slog.Logger, timeout time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		solver:    solver,
		store:     store,
		logger:    logger,
		timeout:   timeout,
		snapshots: map[string]*Snapshot{},
	}
}

// Establish solves the topology and persists the network and its baseline.
// Solver failures are returned as-is without retry.
func (s *Service) Establish(ctx context.Context, networkID, name string, topology Topology) (*Snapshot, error) {
	if strings.TrimSpace(networkID) == "" {
		return nil, fmt.Errorf("network id is required")
	}
	if s.solver == nil {
		return nil, ErrNoSolver
	}
	if topology.Name == "" {
		topology.Name = networkID
	}
	if len(topology.Nodes) > 0 {
		if err := topology.Validate(); err != nil {
			return nil, &SolverError{Network: networkID, Reason: "invalid topology", Err: err}
		}
	}
	snapshot, err := s.solver.Solve(ctx, topology)
	if err != nil {
		return nil, err
	}
	if err := snapshot.Validate(); err != nil {
		return nil, &SolverError{Network: networkID, Reason: "solver returned unusable baseline", Err: err}
	}
	if s.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.store.StoreNetwork(storeCtx, networkID, name, topology.Source); err != nil {
			return nil, err
		}
		if err := s.store.StoreBaseline(storeCtx, networkID, snapshot); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	s.snapshots[networkID] = snapshot
	s.mu.Unlock()
	s.logger.Info("baseline established",
		slog.String("network", networkID),
		slog.Int("pressures", len(snapshot.PressureIDs())),
		slog.Int("flows", len(snapshot.FlowIDs())),
		slog.Int("tanks", len(snapshot.TankIDs())),
	)
	return snapshot, nil
}

// Get returns the cached baseline, falling back to storage.
func (s *Service) Get(ctx context.Context, networkID string) (*Snapshot, error) {
	s.mu.RLock()
	snapshot, ok := s.snapshots[networkID]
	s.mu.RUnlock()
	if ok {
		return snapshot, nil
	}
	if s.store == nil {
		return nil, fmt.Errorf("network %s: %w", networkID, ErrNotFound)
	}
	getCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	snapshot, err := s.store.GetBaseline(getCtx, networkID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.snapshots[networkID] = snapshot
	s.mu.Unlock()
	return snapshot, nil
}
