// pairmerge recorder
//
// Long-running service: accepts upload notifications over HTTP and gRPC,
// records each arrival, and serves lookups, on-demand merges and metrics.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/mtiwari1/pairmerge/internal/config"
	"github.com/mtiwari1/pairmerge/internal/grpcserver"
	"github.com/mtiwari1/pairmerge/internal/logging"
	"github.com/mtiwari1/pairmerge/internal/merge"
	"github.com/mtiwari1/pairmerge/internal/metrics"
	"github.com/mtiwari1/pairmerge/internal/recorder"
	"github.com/mtiwari1/pairmerge/internal/repository"
	"github.com/mtiwari1/pairmerge/internal/restapi"
	"github.com/mtiwari1/pairmerge/internal/storage"
	pb "github.com/mtiwari1/pairmerge/proto"
)

func main() {
	if err := run(); err != nil {
		slog.Error("recorder exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(envOrDefault("PAIRMERGE_CONFIG", ""))
	if err != nil {
		return err
	}

	// ── Structured logger ──
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting pairmerge recorder",
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("storage_root", cfg.StorageRoot),
	)

	// ── Metadata store ──
	openCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	repo, err := repository.Open(openCtx, cfg.Repository())
	cancel()
	if err != nil {
		return err
	}
	defer repo.Close()
	logger.Info("metadata store connected")

	// ── Object storage ──
	store, err := storage.NewLocal(cfg.StorageRoot)
	if err != nil {
		return err
	}

	// ── Metrics ──
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rec := recorder.New(repo, m, logger)
	engine := merge.NewEngine(repo, store, cfg.Merge(), m, logger)

	// ── gRPC server ──
	grpcSrv := grpc.NewServer()
	pb.RegisterMergeServiceServer(grpcSrv, grpcserver.NewServer(repo, rec, engine, logger))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	go func() {
		logger.Info("gRPC server listening", slog.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error("gRPC serve", slog.String("error", err.Error()))
		}
	}()

	// ── REST API ──
	mux := http.NewServeMux()
	restapi.NewHandler(repo, rec, engine, store, reg, logger).RegisterRoutes(mux)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP serve", slog.String("error", err.Error()))
		}
	}()

	// ── Graceful shutdown (SIGINT / SIGTERM) ──
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()

	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown", slog.String("error", err.Error()))
	}
	logger.Info("HTTP server stopped")

	grpcSrv.GracefulStop()
	logger.Info("gRPC server stopped")

	logger.Info("pairmerge recorder shutdown complete")
	return nil
}

// envOrDefault reads an env variable or returns the fallback.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
