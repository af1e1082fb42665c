// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/qb-port-sync/internal/config"
	"github.com/autobrr/qb-port-sync/internal/domain"
	"github.com/autobrr/qb-port-sync/internal/metrics"
	"github.com/autobrr/qb-port-sync/internal/services/portsync"
)

func newTestServer(t *testing.T) (*Server, *metrics.Metrics) {
	t.Helper()

	m := metrics.New()
	srv := NewServer(&Dependencies{
		Config:  &config.AppConfig{Config: &domain.Config{MetricsHost: "127.0.0.1", MetricsPort: 0}},
		Version: "1.2.3",
		Metrics: m,
	})
	return srv, m
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	var routes []string
	err := chi.Walk(srv.Handler(), func(method string, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, method+" "+route)
		return nil
	})
	require.NoError(t, err)

	sort.Strings(routes)
	assert.Subset(t, routes, []string{"GET /healthz", "GET /metrics", "GET /status", "GET /version"})
}

func TestHealthz(t *testing.T) {
	srv, m := newTestServer(t)
	h := srv.Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Unhealthy", rec.Body.String())

	m.SetState(portsync.StateNegotiating)
	m.SetState(portsync.StateApplying)
	m.SetState(portsync.StateVerifying)
	m.SetState(portsync.StateSteady)

	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	m.SetState(portsync.StateNegotiating)
	m.SetState(portsync.StateDegraded)

	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, m := newTestServer(t)

	result := domain.SyncResult{Strategy: domain.StrategyFile, Applied: true, Verified: true}
	result.SetPort(40000)
	m.RecordResult(result, time.Unix(1700000000, 0))

	rec := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "qb_port_sync_port_updates_total 1")
	assert.Contains(t, body, "qb_port_sync_current_port 40000")
	assert.Contains(t, body, "qb_port_sync_last_update_timestamp_seconds 1.7e+09")
	assert.Contains(t, body, `qb_port_sync_state{state="idle"} 1`)
	assert.Contains(t, body, "qb_port_sync_healthy 0")
}

func TestStatusAndVersion(t *testing.T) {
	srv, m := newTestServer(t)
	h := srv.Handler()

	result := domain.SyncResult{Strategy: domain.StrategyPCP, Applied: true, Verified: true, Note: "ttl=600s"}
	result.SetPort(51820)
	m.RecordResult(result, time.Now())

	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status metrics.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, uint16(51820), status.Port)
	require.NotNil(t, status.Last)
	assert.Equal(t, "ttl=600s", status.Last.Note)

	rec = get(t, h, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"1.2.3"`)
}

func TestListenAndServeReady(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	m := metrics.New()
	srv := NewServer(&Dependencies{
		Config:  &config.AppConfig{Config: &domain.Config{MetricsHost: "127.0.0.1", MetricsPort: port}},
		Metrics: m,
	})

	ready := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServeReady(ready) }()

	select {
	case <-ready:
	case err := <-errCh:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "Unhealthy", string(body))

	require.NoError(t, srv.Shutdown(t.Context()))
	assert.ErrorIs(t, <-errCh, http.ErrServerClosed)
}

func TestStatusAllowsCrossOriginReads(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://dashboard.lan")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://dashboard.lan", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandlerWithoutMetrics(t *testing.T) {
	srv := NewServer(&Dependencies{
		Config:  &config.AppConfig{Config: &domain.Config{MetricsHost: "127.0.0.1"}},
		Version: "1.2.3",
	})
	h := srv.Handler()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/status").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/version").Code)
}
