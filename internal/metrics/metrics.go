// Package metrics exposes in-process counters and gauges for a running
// wingsd daemon on a local-only HTTP endpoint. Per the module's scope,
// this is instrumentation only: nothing here ships metrics to an
// external collector, it only answers scrapes against its own
// /metrics handler.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	ServerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "wingsd_server_state", Help: "Current lifecycle state (0=offline,1=starting,2=running,3=stopping) per server"},
		[]string{"server"},
	)
	ServerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wingsd_server_transitions_total", Help: "Server lifecycle transitions by event"},
		[]string{"event"},
	)
	TransferBytesArchived = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wingsd_transfer_bytes_archived_total", Help: "Total bytes written into outgoing transfer archives"},
	)
	TransferResult = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wingsd_transfer_result_total", Help: "Completed transfers by outcome"},
		[]string{"result"},
	)
	ActivityBufferDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "wingsd_activity_buffer_depth", Help: "Pending activity entries not yet flushed to the panel"},
	)
	ActivityFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wingsd_activity_flushes_total", Help: "Activity log flush attempts by outcome"},
		[]string{"result"},
	)
	ExecSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wingsd_sftpd_exec_sessions_total", Help: "SFTP gateway exec-channel commands by kind"},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		ServerState,
		ServerTransitions,
		TransferBytesArchived,
		TransferResult,
		ActivityBufferDepth,
		ActivityFlushes,
		ExecSessions,
	)
}

// Serve runs a local-only /metrics endpoint on addr until ctx is
// cancelled. An empty addr disables the endpoint entirely, matching the
// optional --metrics-addr idiom: instrumentation is always collected,
// scraping it is opt-in.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics: serve %s: %w", addr, err)
		}
		return nil
	}
}

// LogStartup is a small convenience so cmd/wingsd doesn't need its own
// log line for the common case of an enabled endpoint.
func LogStartup(addr string) {
	if addr == "" {
		logrus.Debug("metrics: endpoint disabled")
		return
	}
	logrus.WithField("addr", addr).Info("metrics: endpoint listening")
}
