package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"hydrotwin-backend/internal/baseline"
)

func main() {
	port := getenv("PORT", "9000")
	dir := getenv("BASELINE_DIR", "baselines")
	mode := getenv("RPC_MODE", "http")
	timeout := time.Duration(getenvInt("SOLVE_TIMEOUT_SECONDS", 15)) * time.Second

	// stdout carries the response in stdio mode, so logs go to stderr there.
	logOut := os.Stdout
	if mode == "stdio" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, nil))

	srv := &server{solver: baseline.NewFileSolver(dir), timeout: timeout, logger: logger}
	if mode == "stdio" {
		if err := srv.serveStdio(context.Background(), os.Stdin, os.Stdout); err != nil {
			logger.Error("stdio request failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/rpc", srv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      timeout + 5*time.Second,
		IdleTimeout:       30 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}()

	logger.Info("baseline server listening", slog.String("port", port), slog.String("dir", dir))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func getenv(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(val); err == nil {
		return parsed
	}
	return fallback
}
