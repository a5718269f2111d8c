// Package scheduler runs one monitoring loop per network: each tick simulates
// SCADA readings from the network's baseline, compares them with the expected
// values and records the anomalies.
package scheduler

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hydrotwin-backend/internal/baseline"
	"hydrotwin-backend/internal/bus"
	"hydrotwin-backend/internal/detect"
	"hydrotwin-backend/internal/security"
	"hydrotwin-backend/internal/telemetry"
)

type session struct {
	info     SessionInfo
	snapshot *baseline.Snapshot
	gen      *telemetry.Generator
	cancel   context.CancelFunc
	done     chan struct{}
}

// outcome is what remains of a network's last session after its loop exits.
type outcome struct {
	info SessionInfo
	err  error
}

// Supervisor owns the registry of monitoring sessions. At most one session
// exists per network id; a session stays registered until its loop has exited.
type Supervisor struct {
	mu       sync.Mutex
	sessions map[string]*session
	ended    map[string]outcome
	deps     Dependencies
	opts     Options
	logger   *slog.Logger
}

func NewSupervisor(deps Dependencies, opts Options) (*Supervisor, error) {
	defaults := DefaultOptions()
	if opts.Pattern == nil {
		opts.Pattern = defaults.Pattern
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Thresholds == (detect.Thresholds{}) {
		opts.Thresholds = defaults.Thresholds
	}
	if opts.Limits == (security.Limits{}) {
		opts.Limits = defaults.Limits
	}
	if opts.Limits.PersistTimeout <= 0 {
		opts.Limits.PersistTimeout = defaults.Limits.PersistTimeout
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("thresholds: %w", err)
	}
	if err := opts.Model.Validate(); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	if opts.Seed == 0 {
		opts.Seed = uint64(time.Now().UnixNano())
	}
	if deps.Publisher == nil {
		deps.Publisher = bus.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		sessions: map[string]*session{},
		ended:    map[string]outcome{},
		deps:     deps,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Start registers a session for networkID and launches its loop. It returns
// false without error when a session for the network is already running or
// still stopping. Invalid arguments yield an error wrapping ErrInvalidInput.
func (s *Supervisor) Start(networkID string, snapshot *baseline.Snapshot, topologyRef string, interval time.Duration) (bool, error) {
	if !security.IsSafeIdentifier(networkID) {
		return false, fmt.Errorf("%w: network id %q", ErrInvalidInput, networkID)
	}
	if err := snapshot.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if interval <= 0 {
		return false, fmt.Errorf("%w: interval must be positive", ErrInvalidInput)
	}
	if !s.opts.Limits.AllowsInterval(interval) {
		return false, fmt.Errorf("%w: interval %s outside [%s, %s]", ErrInvalidInput, interval, s.opts.Limits.MinInterval, s.opts.Limits.MaxInterval)
	}

	s.mu.Lock()
	if _, exists := s.sessions[networkID]; exists {
		s.mu.Unlock()
		return false, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		info: SessionInfo{
			NetworkID:       networkID,
			RunID:           uuid.NewString(),
			TopologyRef:     topologyRef,
			State:           StateRunning,
			Interval:        interval,
			IntervalSeconds: interval.Seconds(),
			StartedAt:       s.opts.Clock().UTC(),
		},
		snapshot: snapshot,
		gen:      telemetry.NewGenerator(s.opts.Pattern, s.opts.Model, telemetry.NewSeededSource(s.sessionSeed(networkID))),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.sessions[networkID] = sess
	delete(s.ended, networkID)
	active := len(s.sessions)
	info := sess.info
	s.mu.Unlock()

	s.deps.Metrics.SetActiveSessions(active)
	s.logger.Info("monitoring started",
		slog.String("network", networkID),
		slog.String("run", info.RunID),
		slog.Duration("interval", interval))
	s.publishSession(info, bus.SessionStarted, nil)
	go s.run(ctx, sess)
	return true, nil
}

// StartMinutes is Start with the interval given in (fractional) minutes.
func (s *Supervisor) StartMinutes(networkID string, snapshot *baseline.Snapshot, topologyRef string, minutes float64) (bool, error) {
	if math.IsNaN(minutes) || math.IsInf(minutes, 0) || minutes <= 0 {
		return false, fmt.Errorf("%w: interval minutes must be a positive number", ErrInvalidInput)
	}
	return s.Start(networkID, snapshot, topologyRef, time.Duration(minutes*float64(time.Minute)))
}

// Stop cancels the running session of networkID and waits for its loop to
// exit. Only the call that moves the session out of Running returns true.
func (s *Supervisor) Stop(networkID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[networkID]
	if !ok || sess.info.State != StateRunning {
		s.mu.Unlock()
		return false
	}
	sess.info.State = StateStopping
	sess.cancel()
	s.mu.Unlock()

	<-sess.done
	return true
}

// IsRunning reports whether a session for networkID is registered, that is
// running or still winding down. It is false as soon as Stop returns.
func (s *Supervisor) IsRunning(networkID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[networkID]
	return ok
}

// Status describes the live session of networkID or, once it has exited, the
// last session that ran.
func (s *Supervisor) Status(networkID string) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[networkID]; ok {
		return sess.info
	}
	if o, ok := s.ended[networkID]; ok {
		return o.info
	}
	return SessionInfo{NetworkID: networkID, State: StateStopped}
}

// LastError returns the fatal error that ended the network's last session,
// or nil when it ended normally or was restarted since.
func (s *Supervisor) LastError(networkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended[networkID].err
}

func (s *Supervisor) Sessions() []SessionInfo {
	s.mu.Lock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.info)
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].NetworkID < infos[j].NetworkID })
	return infos
}

// Shutdown stops every session and waits for their loops until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.info.State == StateRunning {
			sess.info.State = StateStopping
			sess.cancel()
		}
		pending = append(pending, sess)
	}
	s.mu.Unlock()

	for _, sess := range pending {
		select {
		case <-sess.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Supervisor) sessionSeed(networkID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(networkID))
	return s.opts.Seed ^ h.Sum64()
}

func (s *Supervisor) publishSession(info SessionInfo, state string, cause error) {
	evt := bus.SessionEvent{
		NetworkID:       info.NetworkID,
		RunID:           info.RunID,
		State:           state,
		IntervalSeconds: info.IntervalSeconds,
		At:              s.opts.Clock().UTC(),
	}
	if cause != nil {
		evt.Error = cause.Error()
	}
	if err := s.deps.Publisher.Publish(bus.SessionSubject(state), evt); err != nil {
		s.deps.Metrics.PublishFailure()
		s.logger.Warn("session event publish failed",
			slog.String("network", info.NetworkID),
			slog.String("error", err.Error()))
	}
}
