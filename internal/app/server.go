package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/erg0nix/konverse/internal/config"
	grpcsvc "github.com/erg0nix/konverse/internal/grpc"
)

// PIDFile returns the path of the daemon's PID file.
func PIDFile(dataDir string) string {
	return filepath.Join(dataDir, "server.pid")
}

// RunServer serves the turn service on cfg.Bind and metrics on cfg.MetricsBind until a signal or a
// Shutdown call arrives.
func RunServer(cfg config.Config) error {
	logger, err := NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	services, err := NewServices(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	defer services.Close()

	if err := services.Provider.Probe(ctx); err != nil && !errors.Is(err, errors.ErrUnsupported) {
		logger.Warn("completion endpoint not reachable", "endpoint", cfg.Provider.Endpoint, "error", err)
	}

	listener, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", cfg.Bind, err)
	}

	pidFile := PIDFile(cfg.DataDir)
	if err := writePIDFile(pidFile); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer os.Remove(pidFile)

	shutdownCh := make(chan struct{}, 1)
	grpcServer := grpc.NewServer()
	grpcsvc.RegisterTurnServiceServer(grpcServer, &grpcsvc.TurnHandler{
		Sessions: services.Sessions,
		Repo:     services.Repo,
		Daemon: grpcsvc.DaemonInfo{
			Config:       cfg,
			Endpoint:     services.Provider,
			ProbeTimeout: time.Duration(cfg.Provider.ProbeTimeoutMillis) * time.Millisecond,
			StartTime:    time.Now(),
			StopFunc: func() {
				select {
				case shutdownCh <- struct{}{}:
				default:
				}
			},
		},
	})

	serveErr := make(chan error, 2)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()

	var metricsServer *http.Server
	if cfg.MetricsBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", services.Metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsBind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("metrics: %w", err)
			}
		}()
		logger.Info("metrics listening", "address", cfg.MetricsBind)
	}

	logger.Info("server listening",
		"address", cfg.Bind,
		"store", cfg.Store.Backend,
		"endpoint", cfg.Provider.Endpoint,
		"model", cfg.Provider.Model,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case <-shutdownCh:
		logger.Info("shutdown requested")
	case err := <-serveErr:
		runErr = err
		logger.Error("server failed", "error", err)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	drained := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		logger.Warn("drain timeout, forcing shutdown")
		grpcServer.Stop()
	}

	return runErr
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write pid file: mkdir: %w", err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
