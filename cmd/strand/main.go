package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/strand-io/strand/internal/chunk"
	"github.com/strand-io/strand/internal/cluster"
	"github.com/strand-io/strand/internal/config"
	"github.com/strand-io/strand/internal/engine"
	"github.com/strand-io/strand/internal/index"
	"github.com/strand-io/strand/internal/metrics"
	"github.com/strand-io/strand/internal/server"
)

func main() {
	logger, err := initLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	configPath := os.Getenv("STRAND_CONFIG")
	if configPath == "" {
		configPath = "./strand.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Storage.DataDir))

	m := metrics.New(prometheus.DefaultRegisterer, cfg.Server.NodeID)

	eng, err := engine.Open(engine.Config{
		DataDir: cfg.Storage.DataDir,
		Chunk: chunk.Config{
			MaxChunkSize: cfg.Chunk.MaxChunkSize,
		},
		Index: index.Config{
			MemTableCap:         cfg.Index.MemTableCap,
			L0CompactThreshold:  cfg.Index.L0CompactThreshold,
			L0HardCap:           cfg.Index.L0HardCap,
			LevelSizeMultiplier: cfg.Index.LevelSizeMultiplier,
			BaseLevelSize:       cfg.Index.BaseLevelSize,
			CompactionWorkers:   cfg.Index.CompactionWorkers,
			CompactionInterval:  cfg.Index.CompactionInterval,
		},
		SubscriberBuffer: cfg.Subscriptions.Buffer,
	}, logger, m)
	if err != nil {
		logger.Fatal("Failed to open storage engine", zap.Error(err))
	}
	defer eng.Close()

	if cfg.Cluster.Enabled {
		membership, err := cluster.New(&cluster.Config{
			Enabled:        cfg.Cluster.Enabled,
			BindPort:       cfg.Cluster.BindPort,
			SeedNodes:      cfg.Cluster.SeedNodes,
			GossipInterval: cfg.Cluster.GossipInterval,
			ProbeTimeout:   cfg.Cluster.ProbeTimeout,
			ProbeInterval:  cfg.Cluster.ProbeInterval,
		}, cfg.Server.NodeID, cfg.Server.Host, cfg.Server.Port, logger)
		if err != nil {
			logger.Error("Failed to initialize cluster membership", zap.Error(err))
		} else {
			defer membership.Shutdown()
			logger.Info("Cluster membership initialized",
				zap.Int("bind_port", cfg.Cluster.BindPort))
		}
	}

	srv := server.New(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MaxConnections: cfg.Server.MaxConnections,
	}, eng, logger)

	var metricsSrv *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsSrv = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, prometheus.DefaultGatherer, m, eng, logger)
		metricsSrv.Start()
		defer metricsSrv.Stop()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down gracefully...")
		srv.Stop()
	}()

	if err := srv.Serve(); err != nil {
		logger.Fatal("Failed to serve", zap.Error(err))
	}
}

func initLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level := os.Getenv("STRAND_LOG_LEVEL"); level != "" {
		if parsed, err := zap.ParseAtomicLevel(level); err == nil {
			cfg.Level = parsed
		}
	}
	return cfg.Build()
}
