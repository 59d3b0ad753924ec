package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/riptidedb/riptide/internal/bucket"
	"github.com/riptidedb/riptide/internal/config"
	"github.com/riptidedb/riptide/internal/dcp"
	"github.com/riptidedb/riptide/internal/executor"
	"github.com/riptidedb/riptide/internal/kvstore"
	"github.com/riptidedb/riptide/internal/metrics"
	"github.com/riptidedb/riptide/internal/server"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("data_dir", cfg.Server.DataDir),
		zap.Uint64("max_size", cfg.Bucket.MaxSize))

	// The executor comes up first; everything else schedules onto it.
	pool := executor.NewPool(executor.Config{
		ReaderWorkers: cfg.Executor.ReaderWorkers,
		WriterWorkers: cfg.Executor.WriterWorkers,
		AuxIOWorkers:  cfg.Executor.AuxIOWorkers,
		NonIOWorkers:  cfg.Executor.NonIOWorkers,
	}, logger)

	store, err := kvstore.NewFileStore(cfg.Server.DataDir, kvstore.Config{
		SegmentSize: cfg.Store.SegmentSize,
		SyncWrites:  cfg.Store.SyncWrites,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open file store", zap.Error(err))
	}
	defer store.Close()

	bkt := bucket.New(bucket.Config{
		MaxVBuckets:              cfg.Bucket.MaxVBuckets,
		MaxSize:                  cfg.Bucket.MaxSize,
		MemLowWat:                cfg.Bucket.MemLowWat,
		MemHighWat:               cfg.Bucket.MemHighWat,
		MutationMemThreshold:     cfg.Bucket.MutationMemThreshold,
		BackfillMemThreshold:     cfg.Bucket.BackfillMemThreshold,
		PagerActiveVBPcnt:        cfg.Bucket.PagerActiveVBPcnt,
		HTSize:                   cfg.Bucket.HTSize,
		HTLocks:                  cfg.Bucket.HTLocks,
		ChkMaxItems:              cfg.Bucket.ChkMaxItems,
		ChkPeriod:                cfg.Bucket.ChkPeriod,
		MaxCheckpoints:           cfg.Bucket.MaxCheckpoints,
		WarmupMinMemoryThreshold: cfg.Bucket.WarmupMinMemory,
		WarmupMinItemsThreshold:  cfg.Bucket.WarmupMinItems,
		BloomEnabled:             cfg.Bucket.BloomFilterEnabled,
		EvictionPolicy:           bucket.EvictionPolicy(cfg.Bucket.ItemEvictionPolicy),
		MaxTTL:                   cfg.Bucket.MaxTTL,
		MaxFailoverEntries:       cfg.Bucket.MaxFailoverEntries,
	}, store, pool, logger)

	m := metrics.New(cfg.Server.NodeID)
	bkt.SetMetrics(m)

	connMap := dcp.NewConnMap(store, bkt.Partition, dcp.Config{
		BatchSize:       cfg.Dcp.BatchSize,
		NoopInterval:    cfg.Dcp.NoopInterval,
		BackfillAllowed: bkt.BackfillAllowed,
		Observer:        dcpMetrics{m: m},
	}, logger)
	bkt.SetConnMap(connMap)

	if err := bkt.Start(); err != nil {
		logger.Fatal("Failed to start bucket tasks", zap.Error(err))
	}

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, m, bkt, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Error("Failed to start metrics server", zap.Error(err))
		}
	}

	logger.Info("Engine started", zap.String("node_id", cfg.Server.NodeID))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			next, err := config.Load(configPath)
			if err != nil {
				logger.Error("Config reload failed", zap.Error(err))
				continue
			}
			cfg.Apply(next)
			logger.Info("Configuration reloaded")
			continue
		}
		break
	}

	logger.Info("Shutting down gracefully...")
	bkt.Shutdown()
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Metrics server stop failed", zap.Error(err))
		}
	}
	if err := pool.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Task pool stop failed", zap.Error(err))
	}
}

// dcpMetrics feeds producer events into the change-stream instruments.
type dcpMetrics struct {
	m *metrics.Metrics
}

func (d dcpMetrics) StreamOpened() { d.m.DcpStreamsTotal.Inc() }
func (d dcpMetrics) BackfillStarted() { d.m.DcpBackfills.Inc() }
func (d dcpMetrics) FrameSent(n int) {
	d.m.DcpItemsSent.Inc()
	d.m.DcpBytesSent.Add(float64(n))
}

// initLogger builds the zap logger per the logging config.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}
