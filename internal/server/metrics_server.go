package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riptidedb/riptide/internal/bucket"
	"github.com/riptidedb/riptide/internal/metrics"
	"github.com/riptidedb/riptide/internal/vbucket"
	"go.uber.org/zap"
)

// MetricsServer serves Prometheus metrics and health endpoints over HTTP.
type MetricsServer struct {
	httpServer *http.Server
	metrics    *metrics.Metrics
	bkt        *bucket.Bucket
	logger     *zap.Logger
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server.
type MetricsServerConfig struct {
	Port int
	Path string
}

// NewMetricsServer creates a metrics server over the given bucket.
func NewMetricsServer(cfg *MetricsServerConfig, m *metrics.Metrics, bkt *bucket.Bucket, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		bkt:      bkt,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	mux.Handle(cfg.Path, promhttp.Handler())
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)
	return ms
}

// Start begins serving and the periodic stats collector.
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.collectEngineStats()
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the server.
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")
	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

// healthHandler reports process liveness.
func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// readyHandler reports readiness: warm-up must have completed.
func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.bkt.WarmupDone() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"not_ready","reason":"warmup_in_progress"}`)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ready","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// updateEngineStats refreshes every gauge from live engine state.
func (s *MetricsServer) updateEngineStats() {
	stats := s.bkt.StatsSnapshot()
	s.metrics.UpdateMemory(stats.MemUsed, stats.MaxSize)
	s.metrics.UpdateVBucketCounts(stats.NumActive, stats.NumReplica, stats.NumPending, stats.NumDead)
	s.metrics.CheckpointMemBytes.Set(float64(s.bkt.CheckpointMemUsed()))
	s.metrics.SyncWritesTracked.Set(float64(s.bkt.NumTrackedSyncWrites()))
	s.metrics.DcpConnections.Set(float64(s.bkt.NumDcpConnections()))

	s.bkt.VBMapRef().Range(func(vb *vbucket.VBucket) bool {
		s.metrics.HighSeqno.WithLabelValues(strconv.Itoa(int(vb.ID()))).Set(float64(vb.HighSeqno()))
		return true
	})
}

// collectEngineStats periodically refreshes gauge metrics from the bucket.
func (s *MetricsServer) collectEngineStats() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateEngineStats()
		case <-s.stopChan:
			return
		}
	}
}
