package scheduler

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"hydrotwin-backend/internal/baseline"
	"hydrotwin-backend/internal/bus"
	"hydrotwin-backend/internal/detect"
	"hydrotwin-backend/internal/metrics"
	"hydrotwin-backend/internal/pattern"
	"hydrotwin-backend/internal/security"
	"hydrotwin-backend/internal/telemetry"
)

type recordingSink struct {
	mu        sync.Mutex
	batches   [][]telemetry.Reading
	anomalies []detect.Anomaly
	err       error
	panics    atomic.Bool
}

func (s *recordingSink) StoreScadaReadings(ctx context.Context, id string, readings []telemetry.Reading) error {
	if s.panics.Load() {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, readings)
	return s.err
}

func (s *recordingSink) StoreAnomalies(ctx context.Context, id string, anomalies []detect.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies = append(s.anomalies, anomalies...)
	return s.err
}

func (s *recordingSink) snapshot() ([][]telemetry.Reading, []detect.Anomaly) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.batches), slices.Clone(s.anomalies)
}

// slowReadingsSink takes delay to store readings, ignoring the deadline, and
// refuses anomalies once their context has expired.
type slowReadingsSink struct {
	delay     time.Duration
	mu        sync.Mutex
	anomalies []detect.Anomaly
	expired   int
}

func (s *slowReadingsSink) StoreScadaReadings(ctx context.Context, id string, readings []telemetry.Reading) error {
	time.Sleep(s.delay)
	return nil
}

func (s *slowReadingsSink) StoreAnomalies(ctx context.Context, id string, anomalies []detect.Anomaly) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		s.expired++
		return err
	}
	s.anomalies = append(s.anomalies, anomalies...)
	return nil
}

func (s *slowReadingsSink) counts() (stored, expired int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.anomalies), s.expired
}

// blockingSink holds every write until its context is done.
type blockingSink struct {
	calls atomic.Int32
}

func (s *blockingSink) StoreScadaReadings(ctx context.Context, id string, readings []telemetry.Reading) error {
	s.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (s *blockingSink) StoreAnomalies(ctx context.Context, id string, anomalies []detect.Anomaly) error {
	s.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) seen(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

func testSnapshot() *baseline.Snapshot {
	return baseline.NewSnapshot(baseline.Data{
		Pressures:  map[string]float64{"29": 45.2, "31": 43.8},
		Flows:      map[string]float64{"10": 2.5},
		TankLevels: map[string]float64{"2": 970.5},
	})
}

// logicalClock advances one minute per call.
func logicalClock() func() time.Time {
	var n atomic.Int64
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		return t0.Add(time.Duration(n.Add(1)) * time.Minute)
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Limits.MinInterval = time.Millisecond
	opts.Seed = 42
	opts.Clock = logicalClock()
	return opts
}

func newTestSupervisor(t *testing.T, deps Dependencies, opts Options) *Supervisor {
	t.Helper()
	sup, err := NewSupervisor(deps, opts)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})
	return sup
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartRejectsInvalidInput(t *testing.T) {
	sup := newTestSupervisor(t, Dependencies{}, testOptions())
	cases := []struct {
		name     string
		network  string
		snapshot *baseline.Snapshot
		interval time.Duration
	}{
		{name: "empty network", network: "", snapshot: testSnapshot(), interval: time.Second},
		{name: "unsafe network", network: "net 1;drop", snapshot: testSnapshot(), interval: time.Second},
		{name: "nil baseline", network: "net1", snapshot: nil, interval: time.Second},
		{name: "non-finite baseline", network: "net1", snapshot: baseline.NewSnapshot(baseline.Data{Flows: map[string]float64{"1": math.NaN()}}), interval: time.Second},
		{name: "zero interval", network: "net1", snapshot: testSnapshot(), interval: 0},
		{name: "negative interval", network: "net1", snapshot: testSnapshot(), interval: -time.Second},
		{name: "interval above limit", network: "net1", snapshot: testSnapshot(), interval: 48 * time.Hour},
	}
	for _, tc := range cases {
		ok, err := sup.Start(tc.network, tc.snapshot, "", tc.interval)
		if ok || !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v %v", tc.name, ok, err)
		}
	}
	for _, minutes := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := sup.StartMinutes("net1", testSnapshot(), "", minutes); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("minutes %v: expected ErrInvalidInput got %v", minutes, err)
		}
	}
	if len(sup.Sessions()) != 0 {
		t.Fatalf("rejected starts must not register sessions")
	}
}

func TestSecondStartReturnsFalse(t *testing.T) {
	sup := newTestSupervisor(t, Dependencies{}, testOptions())
	ok, err := sup.Start("net1", testSnapshot(), "net1.inp", 10*time.Millisecond)
	if !ok || err != nil {
		t.Fatalf("first start: %v %v", ok, err)
	}
	ok, err = sup.Start("net1", testSnapshot(), "net1.inp", 10*time.Millisecond)
	if ok || err != nil {
		t.Fatalf("second start should return false without error, got %v %v", ok, err)
	}
	if !sup.IsRunning("net1") {
		t.Fatalf("expected session running")
	}
	ok, err = sup.Start("net2", testSnapshot(), "", 10*time.Millisecond)
	if !ok || err != nil {
		t.Fatalf("other network should start: %v %v", ok, err)
	}
	sessions := sup.Sessions()
	if len(sessions) != 2 || sessions[0].NetworkID != "net1" || sessions[0].TopologyRef != "net1.inp" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestStopEndsSessionBeforeReturning(t *testing.T) {
	sink := &recordingSink{}
	sup := newTestSupervisor(t, Dependencies{Sink: sink}, testOptions())
	if sup.Stop("net1") {
		t.Fatalf("stop without a session should return false")
	}
	if ok, _ := sup.StartMinutes("net1", testSnapshot(), "", 0.0005); !ok {
		t.Fatalf("start failed")
	}
	waitFor(t, "first tick", func() bool { return sup.Status("net1").Ticks > 0 })
	if !sup.Stop("net1") {
		t.Fatalf("expected stop to return true")
	}
	if sup.IsRunning("net1") {
		t.Fatalf("session should not be running once Stop returns")
	}
	if sup.Stop("net1") {
		t.Fatalf("second stop should return false")
	}
	last := sup.Status("net1")
	if last.State != StateStopped || last.LastError != "" {
		t.Fatalf("unexpected status %+v", last)
	}
	if last.RunID == "" || last.Ticks == 0 || last.StartedAt.IsZero() {
		t.Fatalf("stopped status should keep the finished run, got %+v", last)
	}
	if sup.LastError("net1") != nil {
		t.Fatalf("normal stop should not report an error")
	}
	batches, _ := sink.snapshot()
	time.Sleep(20 * time.Millisecond)
	after, _ := sink.snapshot()
	if len(after) != len(batches) {
		t.Fatalf("ticks continued after stop")
	}
	if ok, _ := sup.Start("net1", testSnapshot(), "", time.Millisecond); !ok {
		t.Fatalf("restart after stop should succeed")
	}
	if st := sup.Status("net1"); st.State != StateRunning || st.RunID == last.RunID {
		t.Fatalf("restart should report the new run, got %+v", st)
	}
}

func TestConcurrentStopExactlyOneWins(t *testing.T) {
	sup := newTestSupervisor(t, Dependencies{}, testOptions())
	if ok, _ := sup.Start("net1", testSnapshot(), "", 5*time.Millisecond); !ok {
		t.Fatalf("start failed")
	}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sup.Stop("net1") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one successful stop, got %d", wins.Load())
	}
	if sup.IsRunning("net1") {
		t.Fatalf("session should be gone")
	}
}

func TestZeroNoiseProducesNoAnomalies(t *testing.T) {
	sink := &recordingSink{}
	opts := testOptions()
	opts.Model.PressureNoise, opts.Model.FlowNoise, opts.Model.LevelNoise = 0, 0, 0
	sup := newTestSupervisor(t, Dependencies{Sink: sink}, opts)
	sup.Start("net1", testSnapshot(), "", time.Millisecond)
	waitFor(t, "three ticks", func() bool { return sup.Status("net1").Ticks >= 3 })
	sup.Stop("net1")
	batches, anomalies := sink.snapshot()
	if len(anomalies) != 0 {
		t.Fatalf("expected no anomalies with zero noise, got %d", len(anomalies))
	}
	for _, batch := range batches {
		if len(batch) != 4 {
			t.Fatalf("expected 4 readings per tick got %d", len(batch))
		}
		ts := batch[0].Timestamp
		for _, r := range batch {
			if !r.Timestamp.Equal(ts) {
				t.Fatalf("readings of one tick must share a timestamp")
			}
		}
	}
}

func TestNoisyTicksRecordAndAnnounceAnomalies(t *testing.T) {
	sink := &recordingSink{}
	pub := &recordingPublisher{}
	opts := testOptions()
	opts.Model.PressureNoise, opts.Model.FlowNoise, opts.Model.LevelNoise = 50, 50, 50
	sup := newTestSupervisor(t, Dependencies{Sink: sink, Publisher: pub}, opts)
	sup.Start("net1", testSnapshot(), "", time.Millisecond)
	waitFor(t, "anomalies", func() bool { return sup.Status("net1").Anomalies >= 5 })
	sup.Stop("net1")

	_, anomalies := sink.snapshot()
	if len(anomalies) == 0 {
		t.Fatalf("expected anomalies to be stored")
	}
	for _, a := range anomalies {
		if a.ID == "" || a.NetworkID != "net1" || a.Severity == detect.SeverityNone {
			t.Fatalf("unexpected anomaly %+v", a)
		}
	}
	if pub.seen("monitoring.anomaly.") == 0 {
		t.Fatalf("expected anomaly events")
	}
	if pub.seen(bus.SessionSubject(bus.SessionStarted)) != 1 || pub.seen(bus.SessionSubject(bus.SessionStopped)) != 1 {
		t.Fatalf("expected one started and one stopped event, got %v", pub.subjects)
	}
}

func TestPersistenceFailureKeepsRunning(t *testing.T) {
	sink := &recordingSink{err: errors.New("database unavailable")}
	sup := newTestSupervisor(t, Dependencies{Sink: sink}, testOptions())
	sup.Start("net1", testSnapshot(), "", time.Millisecond)
	waitFor(t, "ticks despite failures", func() bool { return sup.Status("net1").Ticks >= 3 })
	if !sup.IsRunning("net1") || sup.LastError("net1") != nil {
		t.Fatalf("persistence failures must not stop the session")
	}
	if !sup.Stop("net1") {
		t.Fatalf("expected stop to succeed")
	}
}

func TestSlowReadingsWriteDoesNotStarveAnomalies(t *testing.T) {
	sink := &slowReadingsSink{delay: 60 * time.Millisecond}
	opts := testOptions()
	opts.Limits.PersistTimeout = 50 * time.Millisecond
	opts.Model.PressureNoise, opts.Model.FlowNoise, opts.Model.LevelNoise = 50, 50, 50
	sup := newTestSupervisor(t, Dependencies{Sink: sink}, opts)
	sup.Start("net1", testSnapshot(), "", time.Millisecond)
	waitFor(t, "stored anomalies", func() bool {
		stored, _ := sink.counts()
		return stored > 0
	})
	sup.Stop("net1")
	stored, expired := sink.counts()
	if expired != 0 {
		t.Fatalf("anomaly writes ran on an expired context %d times", expired)
	}
	if detected := sup.Status("net1").Anomalies; int64(stored) != detected {
		t.Fatalf("stored %d anomalies but detected %d", stored, detected)
	}
}

func TestPersistTimeoutBoundsBlockedWrites(t *testing.T) {
	sink := &blockingSink{}
	m := metrics.New()
	opts := testOptions()
	opts.Limits.PersistTimeout = 30 * time.Millisecond
	opts.Model.PressureNoise, opts.Model.FlowNoise, opts.Model.LevelNoise = 0, 0, 0
	interval := time.Millisecond
	sup := newTestSupervisor(t, Dependencies{Sink: sink, Metrics: m}, opts)
	sup.Start("net1", testSnapshot(), "", interval)
	waitFor(t, "ticks past blocked writes", func() bool { return sup.Status("net1").Ticks >= 2 })
	if !sup.IsRunning("net1") || sup.LastError("net1") != nil {
		t.Fatalf("timed out writes must not stop the session")
	}
	if n, err := testutil.GatherAndCount(m.Registry, "hydrotwin_persist_failures_total"); err != nil || n == 0 {
		t.Fatalf("expected persist failures to be counted, got %d %v", n, err)
	}

	began := time.Now()
	if !sup.Stop("net1") {
		t.Fatalf("expected stop to succeed")
	}
	if elapsed := time.Since(began); elapsed > opts.Limits.PersistTimeout+interval+200*time.Millisecond {
		t.Fatalf("stop took %s with persist timeout %s", elapsed, opts.Limits.PersistTimeout)
	}
	if sink.calls.Load() < 2 {
		t.Fatalf("expected every tick to attempt a write")
	}
}

func TestGenerationErrorStopsSession(t *testing.T) {
	pub := &recordingPublisher{}
	opts := testOptions()
	p, _ := pattern.NewPiecewise([]float64{1.5}, 0.5, 1.5)
	opts.Pattern = p
	sup := newTestSupervisor(t, Dependencies{Publisher: pub}, opts)
	overflowing := baseline.NewSnapshot(baseline.Data{Flows: map[string]float64{"10": math.MaxFloat64}})
	if ok, err := sup.Start("net1", overflowing, "", time.Millisecond); !ok || err != nil {
		t.Fatalf("start: %v %v", ok, err)
	}
	waitFor(t, "failed session event", func() bool { return pub.seen(bus.SessionSubject(bus.SessionFailed)) == 1 })
	if sup.IsRunning("net1") {
		t.Fatalf("failed session should be removed")
	}
	if err := sup.LastError("net1"); err == nil || !strings.Contains(err.Error(), "non-finite") {
		t.Fatalf("expected non-finite error, got %v", err)
	}
	st := sup.Status("net1")
	if st.State != StateStopped || st.LastError == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	if sup.Stop("net1") {
		t.Fatalf("stop of a failed session should return false")
	}
}

func TestPanicInTickIsReportedAndRestartClearsIt(t *testing.T) {
	sink := &recordingSink{}
	sink.panics.Store(true)
	sup := newTestSupervisor(t, Dependencies{Sink: sink}, testOptions())
	sup.Start("net1", testSnapshot(), "", time.Millisecond)
	waitFor(t, "panic failure", func() bool { return sup.LastError("net1") != nil })
	if sup.IsRunning("net1") {
		t.Fatalf("panicking session should be removed")
	}
	if !strings.Contains(sup.LastError("net1").Error(), "sink exploded") {
		t.Fatalf("unexpected error %v", sup.LastError("net1"))
	}
	sink.panics.Store(false)
	if ok, _ := sup.Start("net1", testSnapshot(), "", time.Millisecond); !ok {
		t.Fatalf("restart should succeed")
	}
	if sup.LastError("net1") != nil {
		t.Fatalf("restart should clear the reported failure")
	}
}

func TestSeededSessionsAreReproducible(t *testing.T) {
	firstTick := func(network string) []telemetry.Reading {
		sink := &recordingSink{}
		sup := newTestSupervisor(t, Dependencies{Sink: sink}, testOptions())
		sup.Start(network, testSnapshot(), "", time.Hour)
		waitFor(t, "first tick", func() bool { return sup.Status(network).Ticks == 1 })
		sup.Stop(network)
		batches, _ := sink.snapshot()
		return batches[0]
	}
	a, b := firstTick("net1"), firstTick("net1")
	if !slices.Equal(a, b) {
		t.Fatalf("same seed and network should reproduce readings")
	}
	c := firstTick("net2")
	same := true
	for i := range a {
		if a[i].Value != c[i].Value {
			same = false
		}
	}
	if same {
		t.Fatalf("different networks should not share a noise stream")
	}
}

func TestShutdownStopsEverySession(t *testing.T) {
	pub := &recordingPublisher{}
	sup := newTestSupervisor(t, Dependencies{Publisher: pub}, testOptions())
	for _, id := range []string{"a", "b", "c"} {
		sup.Start(id, testSnapshot(), "", 5*time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(sup.Sessions()) != 0 {
		t.Fatalf("expected no sessions after shutdown")
	}
	if pub.seen(bus.SessionSubject(bus.SessionStopped)) != 3 {
		t.Fatalf("expected three stopped events")
	}
}

func TestNewSupervisorValidatesOptions(t *testing.T) {
	opts := testOptions()
	opts.Thresholds = detect.Thresholds{Warning: 0.2, Critical: 0.1}
	if _, err := NewSupervisor(Dependencies{}, opts); err == nil {
		t.Fatalf("expected threshold validation error")
	}
	opts = testOptions()
	opts.Model.FlowNoise = -1
	if _, err := NewSupervisor(Dependencies{}, opts); err == nil {
		t.Fatalf("expected model validation error")
	}
	sup, err := NewSupervisor(Dependencies{}, Options{Model: telemetry.DefaultModel()})
	if err != nil {
		t.Fatalf("zero options should fall back to defaults: %v", err)
	}
	if sup.opts.Limits != security.DefaultLimits() || sup.opts.Pattern == nil {
		t.Fatalf("expected default limits and pattern")
	}
}
