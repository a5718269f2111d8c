// Package api exposes network onboarding and monitoring control over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hydrotwin-backend/internal/baseline"
	"hydrotwin-backend/internal/bus"
	"hydrotwin-backend/internal/detect"
	"hydrotwin-backend/internal/scheduler"
	"hydrotwin-backend/internal/security"
	"hydrotwin-backend/internal/storage"
	"hydrotwin-backend/internal/telemetry"
	"hydrotwin-backend/internal/validation"
)

const defaultQueryWindow = time.Hour

type Handler struct {
	Supervisor *scheduler.Supervisor
	Baselines  *baseline.Service
	Store      storage.Backend
	Allowlist  security.Allowlist
	Limits     security.Limits
	Timeout    time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

type networkRequest struct {
	NetworkID string            `json:"networkId"`
	Name      string            `json:"name"`
	Topology  baseline.Topology `json:"topology"`
}

type startRequest struct {
	IntervalMinutes float64 `json:"intervalMinutes"`
	TopologyRef     string  `json:"topologyRef"`
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Get("/sessions", h.handleSessions)
	r.Post("/networks", h.handleNetworkCreate)
	r.Route("/networks/{id}", func(r chi.Router) {
		r.Get("/", h.handleNetworkGet)
		r.Get("/monitoring", h.handleMonitoringStatus)
		r.Post("/monitoring/start", h.handleMonitoringStart)
		r.Post("/monitoring/stop", h.handleMonitoringStop)
		r.Get("/readings", h.handleReadings)
		r.Get("/anomalies", h.handleAnomalies)
	})
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": len(h.Supervisor.Sessions())})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Supervisor.Sessions())
}

func (h *Handler) handleNetworkCreate(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validation.ValidateNetwork(req.NetworkID, h.Allowlist); err != nil {
		h.writeValidationError(w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.NetworkID
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	snapshot, err := h.Baselines.Establish(ctx, req.NetworkID, name, req.Topology)
	if err != nil {
		var solverErr *baseline.SolverError
		switch {
		case errors.As(err, &solverErr):
			writeError(w, http.StatusUnprocessableEntity, solverErr.Error())
		case errors.Is(err, baseline.ErrNoSolver):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.logger().Error("baseline establishment failed", slog.String("network", req.NetworkID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to establish baseline")
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ok":        true,
		"networkId": req.NetworkID,
		"sensors":   telemetry.Sensors(snapshot),
		"baseline":  snapshot.Data(),
	})
}

func (h *Handler) handleNetworkGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validation.ValidateNetwork(id, h.Allowlist); err != nil {
		h.writeValidationError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	rec, err := h.Store.GetNetwork(ctx, id)
	if err != nil {
		h.writeLookupError(w, id, err, "failed to fetch network")
		return
	}
	snapshot, err := h.Baselines.Get(ctx, id)
	if err != nil {
		h.writeLookupError(w, id, err, "failed to fetch baseline")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"network": rec,
		"sensors": telemetry.Sensors(snapshot),
		"running": h.Supervisor.IsRunning(id),
	})
}

func (h *Handler) handleMonitoringStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	started, err := h.StartMonitoring(ctx, id, req.IntervalMinutes, req.TopologyRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, baseline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no baseline for network "+id)
			return
		}
		h.writeValidationError(w, err)
		return
	}
	if !started {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "message": "monitoring already running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": h.Supervisor.Status(id)})
}

func (h *Handler) handleMonitoringStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validation.ValidateNetwork(id, h.Allowlist); err != nil {
		h.writeValidationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": h.Supervisor.Stop(id)})
}

func (h *Handler) handleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validation.ValidateNetwork(id, h.Allowlist); err != nil {
		h.writeValidationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": h.Supervisor.IsRunning(id),
		"status":  h.Supervisor.Status(id),
	})
}

func (h *Handler) handleReadings(w http.ResponseWriter, r *http.Request) {
	id, start, end, ok := h.queryWindow(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	var sensorType telemetry.SensorType
	if raw := r.URL.Query().Get("sensor_type"); raw != "" {
		st, err := telemetry.ParseSensorType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sensorType = st
	}
	readings, err := h.Store.GetScadaReadings(ctx, id, start, end)
	if err != nil {
		h.logger().Error("readings query failed", slog.String("network", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to fetch readings")
		return
	}
	if sensorType != "" {
		filtered := readings[:0]
		for _, reading := range readings {
			if reading.SensorType == sensorType {
				filtered = append(filtered, reading)
			}
		}
		readings = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"networkId": id,
		"count":     len(readings),
		"readings":  readings,
		"summary":   telemetry.Summarize(readings),
	})
}

func (h *Handler) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	id, start, end, ok := h.queryWindow(w, r)
	if !ok {
		return
	}
	severity, err := detect.ParseSeverity(r.URL.Query().Get("severity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.Timeout)
	defer cancel()
	anomalies, err := h.Store.GetAnomalies(ctx, id, start, end, severity)
	if err != nil {
		h.logger().Error("anomalies query failed", slog.String("network", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to fetch anomalies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"networkId": id, "count": len(anomalies), "anomalies": anomalies})
}

// queryWindow parses ?start&end. A missing end defaults to now and a missing
// start to one hour before end.
func (h *Handler) queryWindow(w http.ResponseWriter, r *http.Request) (string, time.Time, time.Time, bool) {
	id := chi.URLParam(r, "id")
	if err := validation.ValidateNetwork(id, h.Allowlist); err != nil {
		h.writeValidationError(w, err)
		return "", time.Time{}, time.Time{}, false
	}
	q := r.URL.Query()
	end, err := parseTime(q.Get("end"), h.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return "", time.Time{}, time.Time{}, false
	}
	start, err := parseTime(q.Get("start"), end.Add(-defaultQueryWindow))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return "", time.Time{}, time.Time{}, false
	}
	if err := validation.ValidateRange(start, end, h.Limits); err != nil {
		h.writeValidationError(w, err)
		return "", time.Time{}, time.Time{}, false
	}
	return id, start, end, true
}

func (h *Handler) writeValidationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, validation.ErrNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, scheduler.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger().Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeLookupError(w http.ResponseWriter, id string, err error, message string) {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, baseline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "network "+id+" not found")
		return
	}
	h.logger().Error(message, slog.String("network", id), slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, message)
}

// StartMonitoring validates the request, resolves the network's baseline and
// starts its session. It is shared by the HTTP route and bus control commands.
func (h *Handler) StartMonitoring(ctx context.Context, networkID string, intervalMinutes float64, topologyRef string) (bool, error) {
	interval, err := validation.ValidateMonitoring(networkID, intervalMinutes, topologyRef, h.Allowlist, h.Limits)
	if err != nil {
		return false, err
	}
	snapshot, err := h.Baselines.Get(ctx, networkID)
	if err != nil {
		return false, err
	}
	return h.Supervisor.Start(networkID, snapshot, topologyRef, interval)
}

// ApplyControl executes a start or stop command received on the bus.
func (h *Handler) ApplyControl(ctx context.Context, subject string, cmd bus.ControlCommand) error {
	switch subject {
	case bus.ControlStart:
		started, err := h.StartMonitoring(ctx, cmd.NetworkID, cmd.IntervalMinutes, cmd.TopologyRef)
		if err != nil {
			return err
		}
		h.logger().Info("control start", slog.String("network", cmd.NetworkID), slog.Bool("started", started))
		return nil
	case bus.ControlStop:
		if err := validation.ValidateNetwork(cmd.NetworkID, h.Allowlist); err != nil {
			return err
		}
		stopped := h.Supervisor.Stop(cmd.NetworkID)
		h.logger().Info("control stop", slog.String("network", cmd.NetworkID), slog.Bool("stopped", stopped))
		return nil
	default:
		return errors.New("unknown control subject " + subject)
	}
}
