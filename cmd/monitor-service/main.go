package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"hydrotwin-backend/internal/api"
	"hydrotwin-backend/internal/baseline"
	"hydrotwin-backend/internal/bus"
	"hydrotwin-backend/internal/config"
	"hydrotwin-backend/internal/metrics"
	"hydrotwin-backend/internal/monitor"
	"hydrotwin-backend/internal/pattern"
	"hydrotwin-backend/internal/scheduler"
	"hydrotwin-backend/internal/sqlstore"
	"hydrotwin-backend/internal/storage"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	ctx := context.Background()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Error("failed to open storage", slog.String("driver", cfg.Storage.Driver), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer backend.Close()

	publisher := buildPublisher(cfg, logger)
	defer publisher.Close()

	solver, err := baseline.NewSolver(cfg.Solver)
	if err != nil {
		logger.Error("failed to configure solver", slog.String("error", err.Error()))
		os.Exit(1)
	}
	p, err := pattern.New(cfg.Pattern)
	if err != nil {
		logger.Error("invalid demand pattern", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New()
	limits := cfg.Limits()
	supervisor, err := scheduler.NewSupervisor(scheduler.Dependencies{
		Sink:      backend,
		Publisher: publisher,
		Cooldown:  monitor.NewCooldown(cfg.Bus.Cooldown),
		Metrics:   m,
		Logger:    logger,
	}, scheduler.Options{
		Pattern:    p,
		Model:      cfg.Model,
		Thresholds: cfg.Thresholds,
		Limits:     limits,
		Seed:       cfg.Monitoring.Seed,
	})
	if err != nil {
		logger.Error("failed to create supervisor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	handler := &api.Handler{
		Supervisor: supervisor,
		Baselines:  baseline.NewService(solver, backend, logger, limits.PersistTimeout),
		Store:      backend,
		Allowlist:  cfg.Allowlist(),
		Limits:     limits,
		Timeout:    cfg.HTTP.RequestTimeout,
		Logger:     logger,
	}

	if cfg.Bus.NATSURL != "" {
		subscriber, err := bus.NewSubscriber(cfg.Bus.NATSURL)
		if err != nil {
			logger.Error("failed to connect control subscriber", slog.String("error", err.Error()))
		} else {
			defer subscriber.Close()
			subscribeControl(subscriber, handler, cfg.HTTP.RequestTimeout, logger)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:       30 * time.Second,
	}
	admin := startAdminServer(cfg.HTTP.AdminPort, m, supervisor, logger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		if err := supervisor.Shutdown(ctx); err != nil {
			logger.Error("sessions did not drain", slog.String("error", err.Error()))
		}
		_ = admin.Shutdown(ctx)
	}()

	logger.Info("monitor-service listening", slog.String("port", cfg.HTTP.Port), slog.String("storage", cfg.Storage.Driver))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
		return
	}
	<-drained
	logger.Info("monitor-service stopped")
}

func openBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "postgres":
		store, err := storage.NewStore(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		repo := storage.NewRepository(store)
		repo.MaxRows = cfg.Monitoring.MaxResultSize
		return repo, nil
	case "sql":
		sqlCfg := cfg.Storage.SQL
		if sqlCfg.MaxRows == 0 {
			sqlCfg.MaxRows = cfg.Monitoring.MaxResultSize
		}
		store, err := sqlstore.Open(ctx, sqlCfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		mem := storage.NewMemory(cfg.Monitoring.MaxResultSize)
		mem.Retention = cfg.Storage.MemoryRetention
		return mem, nil
	default:
		return nil, errors.New("unsupported storage driver " + cfg.Storage.Driver)
	}
}

// buildPublisher connects every configured broker. A broker that cannot be
// reached is logged and skipped so monitoring still runs.
func buildPublisher(cfg config.Config, logger *slog.Logger) bus.Publisher {
	var publishers bus.Multi
	if cfg.Bus.NATSURL != "" {
		p, err := bus.NewNATSPublisher(cfg.Bus.NATSURL)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
		} else {
			publishers = append(publishers, p)
		}
	}
	if cfg.Bus.MQTT.Broker != "" {
		p, err := bus.NewMQTTPublisher(cfg.Bus.MQTT)
		if err != nil {
			logger.Error("failed to connect to mqtt", slog.String("error", err.Error()))
		} else {
			publishers = append(publishers, p)
		}
	}
	if len(publishers) == 0 {
		return bus.Nop{}
	}
	return publishers
}

func subscribeControl(sub *bus.Subscriber, handler *api.Handler, timeout time.Duration, logger *slog.Logger) {
	subscribe := func(subject string) {
		_, err := sub.Subscribe(subject, func(cmd bus.ControlCommand) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := handler.ApplyControl(ctx, subject, cmd); err != nil {
				logger.Error("control command failed", slog.String("subject", subject), slog.String("network", cmd.NetworkID), slog.String("error", err.Error()))
			}
		}, func(err error) {
			logger.Warn("malformed control command", slog.String("subject", subject), slog.String("error", err.Error()))
		})
		if err != nil {
			logger.Error("subscribe failed", slog.String("subject", subject), slog.String("error", err.Error()))
		}
	}
	subscribe(bus.ControlStart)
	subscribe(bus.ControlStop)
}

func startAdminServer(port string, m *metrics.Metrics, supervisor *scheduler.Supervisor, logger *slog.Logger) *http.Server {
	mux := chi.NewRouter()
	mux.Handle("/metrics", m.Handler())
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(supervisor.Sessions())
	})
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	go func() {
		logger.Info("admin server listening", slog.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", slog.String("error", err.Error()))
		}
	}()
	return server
}
