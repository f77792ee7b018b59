package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	promhttp.Handler().ServeHTTP(rec, req)
	return rec.Body.String()
}

func TestCountersAndGaugesAreScraped(t *testing.T) {
	ServerState.WithLabelValues("test-server").Set(2)
	ServerTransitions.WithLabelValues("server:start").Inc()
	TransferBytesArchived.Add(1024)
	TransferResult.WithLabelValues("success").Inc()
	ActivityBufferDepth.Set(3)
	ActivityFlushes.WithLabelValues("success").Inc()
	ExecSessions.WithLabelValues("console").Inc()

	body := scrape(t)
	for _, name := range []string{
		"wingsd_server_state",
		"wingsd_server_transitions_total",
		"wingsd_transfer_bytes_archived_total",
		"wingsd_transfer_result_total",
		"wingsd_activity_buffer_depth",
		"wingsd_activity_flushes_total",
		"wingsd_sftpd_exec_sessions_total",
	} {
		assert.True(t, strings.Contains(body, name), "expected %s in scrape output", name)
	}
}

func TestServeDisabledWithEmptyAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, Serve(ctx, ""))
}
