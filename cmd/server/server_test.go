package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dftw-collector/pkg/config"
	"github.com/dftw-collector/pkg/metrics"
)

func testServer(t *testing.T) (*Server, *metrics.Pipeline) {
	t.Helper()
	reg := prometheus.NewRegistry()
	p := metrics.NewPipeline(metrics.NewPromRegistry(reg))
	cfg := config.ServerConfig{
		Addr:         "127.0.0.1:0",
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		IdleTimeout:  time.Second,
	}
	return NewHTTPServer(cfg, zap.NewNop(), reg), p
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetrics(t *testing.T) {
	srv, p := testServer(t)
	p.IncHuntCreated("ArtifactCollectorFlow")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `dftw_grr_hunts_created_total{flow="ArtifactCollectorFlow"} 1`)
}

func TestStartAndShutdown(t *testing.T) {
	srv, _ := testServer(t)
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "OK", string(body))

	assert.NoError(t, srv.Shutdown())
}
