package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hydrotwin-backend/internal/bus"
	"hydrotwin-backend/internal/detect"
	"hydrotwin-backend/internal/telemetry"
)

func (s *Supervisor) run(ctx context.Context, sess *session) {
	var fatal error
	defer func() { s.finish(sess, fatal) }()

	interval := sess.info.Interval
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := s.safeTick(sess); err != nil {
			fatal = err
			return
		}
		timer.Reset(interval)
	}
}

// safeTick turns a panic inside a tick into a fatal session error.
func (s *Supervisor) safeTick(sess *session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during tick: %v", r)
		}
	}()
	return s.tick(sess)
}

func (s *Supervisor) tick(sess *session) error {
	began := time.Now()
	networkID := sess.info.NetworkID
	t := s.opts.Clock().UTC()

	expected, err := sess.gen.At(sess.snapshot, t, false)
	if err != nil {
		return fmt.Errorf("generate expected readings: %w", err)
	}
	actual, err := sess.gen.At(sess.snapshot, t, true)
	if err != nil {
		return fmt.Errorf("generate readings: %w", err)
	}
	anomalies, err := detect.Evaluate(networkID, expected, actual, s.opts.Thresholds)
	if err != nil {
		return fmt.Errorf("evaluate readings: %w", err)
	}
	for i := range anomalies {
		anomalies[i].ID = uuid.NewString()
	}

	s.persist(networkID, actual, anomalies)
	s.announce(sess, anomalies, t)

	s.mu.Lock()
	sess.info.Ticks++
	sess.info.LastTick = t
	sess.info.Anomalies += int64(len(anomalies))
	s.mu.Unlock()
	s.deps.Metrics.ObserveTick(len(actual), time.Since(began))
	return nil
}

// persist writes readings then anomalies, each under its own PersistTimeout so
// a slow readings write cannot starve the anomalies. Failures are logged and
// counted; the session keeps running.
func (s *Supervisor) persist(networkID string, readings []telemetry.Reading, anomalies []detect.Anomaly) {
	if s.deps.Sink == nil {
		return
	}
	s.store("store readings", networkID, len(readings), func(ctx context.Context) error {
		return s.deps.Sink.StoreScadaReadings(ctx, networkID, readings)
	})
	if len(anomalies) == 0 {
		return
	}
	s.store("store anomalies", networkID, len(anomalies), func(ctx context.Context) error {
		return s.deps.Sink.StoreAnomalies(ctx, networkID, anomalies)
	})
}

func (s *Supervisor) store(op, networkID string, count int, write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Limits.PersistTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		s.deps.Metrics.PersistFailure(op)
		s.logger.Warn("failed to persist",
			slog.String("op", op),
			slog.String("network", networkID),
			slog.Int("count", count),
			slog.String("error", err.Error()))
	}
}

func (s *Supervisor) announce(sess *session, anomalies []detect.Anomaly, t time.Time) {
	for _, a := range anomalies {
		s.deps.Metrics.Anomaly(string(a.Severity))
		if !s.deps.Cooldown.Allow(a.NetworkID, a.SensorID, string(a.Severity), t) {
			continue
		}
		evt := bus.AnomalyEvent{NetworkID: a.NetworkID, RunID: sess.info.RunID, Anomaly: a}
		if err := s.deps.Publisher.Publish(bus.AnomalySubject(a.Severity), evt); err != nil {
			s.deps.Metrics.PublishFailure()
			s.logger.Warn("anomaly publish failed",
				slog.String("network", a.NetworkID),
				slog.String("sensor", a.SensorID),
				slog.String("error", err.Error()))
		}
	}
}

// finish deregisters the session before releasing Stop callers, so IsRunning
// is already false when Stop returns.
func (s *Supervisor) finish(sess *session, fatal error) {
	sess.cancel()
	s.mu.Lock()
	if s.sessions[sess.info.NetworkID] == sess {
		delete(s.sessions, sess.info.NetworkID)
	}
	sess.info.State = StateStopped
	if fatal != nil {
		sess.info.LastError = fatal.Error()
	}
	s.ended[sess.info.NetworkID] = outcome{info: sess.info, err: fatal}
	info := sess.info
	active := len(s.sessions)
	s.mu.Unlock()

	s.deps.Metrics.SetActiveSessions(active)
	s.deps.Cooldown.Forget(info.NetworkID)
	if fatal != nil {
		s.deps.Metrics.SessionFailure()
		s.logger.Error("monitoring failed",
			slog.String("network", info.NetworkID),
			slog.String("run", info.RunID),
			slog.Int64("ticks", info.Ticks),
			slog.String("error", fatal.Error()))
		s.publishSession(info, bus.SessionFailed, fatal)
	} else {
		s.logger.Info("monitoring stopped",
			slog.String("network", info.NetworkID),
			slog.String("run", info.RunID),
			slog.Int64("ticks", info.Ticks))
		s.publishSession(info, bus.SessionStopped, nil)
	}
	close(sess.done)
}
