// Command gxactdb_server opens a data directory, recovers its prepared transactions and
// keeps the node running: background checkpoints, WAL shipping to the standby, Prometheus
// metrics and a gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sushant-115/gxactdb/config/certs"
	"github.com/sushant-115/gxactdb/core/engine"
	internaltelemetry "github.com/sushant-115/gxactdb/internal/telemetry"
	"github.com/sushant-115/gxactdb/pkg/config"
	"github.com/sushant-115/gxactdb/pkg/logger"
	"github.com/sushant-115/gxactdb/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var (
	configPath = flag.String("config", "", "Path to the node configuration file")
	dataDir    = flag.String("data_dir", "", "Data directory (overrides the config file)")
	grpcAddr   = flag.String("grpc_addr", "", "gRPC listen address (overrides the config file)")
	genCerts   = flag.String("generate_certs", "", "Write a test CA with server and client certificates into this directory and exit")
	certHost   = flag.String("cert_host", "localhost", "Host name of the generated server certificate")
)

// healthService is the name the engine's status is published under.
const healthService = "gxactdb.Engine"

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}
	if *dataDir != "" {
		cfg.Engine.DataDir = *dataDir
		cfg.Engine.WAL.Dir = ""
		cfg.Engine.WAL.ArchiveDir = ""
		cfg.Engine.WALSender.StandbyDir = ""
	}
	if cfg.Engine.DataDir == "" {
		cfg.Engine.DataDir = config.DefaultDataDir
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	cfg.Engine.ApplyDefaults()
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()
	if *genCerts != "" {
		if err := certs.Generate(*genCerts, *certHost, 365*24*time.Hour); err != nil {
			log.Fatalf("CRITICAL: failed to generate certificates: %v", err)
		}
		fmt.Printf("certificates written to %s\n", *genCerts)
		return
	}
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: invalid configuration: %v", err)
	}

	zlogger, closeLogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer closeLogger()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Error("gxactdb node stopped with error", zap.Error(err))
		closeLogger()
		os.Exit(1)
	}
	zlogger.Info("gxactdb node shut down gracefully")
}

func run(cfg config.Config, zlogger *zap.Logger) error {
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Warn("failed to shut down telemetry", zap.Error(err))
		}
	}()
	metrics, err := internaltelemetry.NewTwoPhaseMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	zlogger.Info("Starting gxactdb node",
		zap.String("dataDir", cfg.Engine.DataDir),
		zap.String("grpcAddr", cfg.Server.GRPCAddr),
		zap.String("metricsAddr", tel.MetricsAddr),
		zap.Int("maxPreparedTransactions", cfg.Engine.TwoPhase.MaxPreparedXacts),
		zap.Bool("walSender", cfg.Engine.WALSender.Enabled),
		zap.String("syncReplication", string(cfg.Engine.SyncRep.Mode)))

	eng, err := engine.Open(cfg.Engine, zlogger, engine.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			zlogger.Error("failed to close engine", zap.Error(err))
		}
	}()

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}
	var serverOpts []grpc.ServerOption
	if cfg.Server.TLS.Enabled() {
		tlsCfg, err := certs.LoadServerTLSConfig(cfg.Server.TLS)
		if err != nil {
			lis.Close()
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
		zlogger.Info("gRPC TLS enabled", zap.Bool("clientAuth", cfg.Server.TLS.CAFile != ""))
	}
	grpcServer := grpc.NewServer(serverOpts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zlogger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := eng.Run(gctx)
		if errors.Is(err, engine.ErrFailoverRequested) {
			healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		zlogger.Info("Shutting down gxactdb node")
		healthServer.Shutdown()
		stopGRPC(grpcServer, cfg.Server)
		return nil
	})

	return g.Wait()
}

// stopGRPC drains in-flight calls, forcing the stop once the timeout expires.
func stopGRPC(s *grpc.Server, cfg config.ServerConfig) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
		s.Stop()
	}
}
