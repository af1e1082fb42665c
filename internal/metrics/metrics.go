// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exports sync state as Prometheus metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/autobrr/qb-port-sync/internal/buildinfo"
	"github.com/autobrr/qb-port-sync/internal/domain"
	"github.com/autobrr/qb-port-sync/internal/services/portsync"
)

// Metrics contains the collectors for the sync service and implements portsync.Reporter.
type Metrics struct {
	PortUpdates prometheus.Counter
	CurrentPort prometheus.Gauge
	LastUpdate  prometheus.Gauge
	Healthy     prometheus.Gauge
	State       *prometheus.GaugeVec
	Cycles      *prometheus.CounterVec
	Info        *prometheus.GaugeVec

	registry *prometheus.Registry

	mu       sync.RWMutex
	healthy  bool
	state    portsync.State
	lastPort uint16
	last     *domain.SyncResult
	lastAt   time.Time
}

// New creates the collectors on a dedicated registry together with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	m := &Metrics{
		PortUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "qb_port_sync_port_updates_total",
			Help: "Number of times a new listening port was applied and verified",
		}),
		CurrentPort: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qb_port_sync_current_port",
			Help: "Listening port last verified in qBittorrent",
		}),
		LastUpdate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qb_port_sync_last_update_timestamp_seconds",
			Help: "Unix time of the last successful sync cycle",
		}),
		Healthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qb_port_sync_healthy",
			Help: "1 when the last sync cycle succeeded",
		}),
		State: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qb_port_sync_state",
			Help: "Current sync state, 1 for the active state",
		}, []string{"state"}),
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qb_port_sync_cycles_total",
			Help: "Completed sync cycles by outcome and port source",
		}, []string{"outcome", "strategy"}),
		Info: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qb_port_sync_build_info",
			Help: "Build information",
		}, []string{"version", "commit"}),
		registry: reg,
	}

	m.Info.WithLabelValues(buildinfo.Version, buildinfo.Commit).Set(1)
	m.SetState(portsync.StateIdle)

	return m
}

// Registry is the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SetState(state portsync.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = state
	for _, s := range portsync.States() {
		value := 0.0
		if s == state {
			value = 1
		}
		m.State.WithLabelValues(s.String()).Set(value)
	}

	switch state {
	case portsync.StateSteady:
		m.setHealthy(true)
	case portsync.StateDegraded:
		m.setHealthy(false)
	}
}

func (m *Metrics) RecordResult(result domain.SyncResult, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := result
	m.last = &res
	m.lastAt = at

	if result.Error != "" || !result.Verified || result.DetectedPort == nil {
		m.Cycles.WithLabelValues("failure", result.Strategy.String()).Inc()
		return
	}

	m.Cycles.WithLabelValues("success", result.Strategy.String()).Inc()

	port := *result.DetectedPort
	if port != m.lastPort {
		m.PortUpdates.Inc()
		m.lastPort = port
	}
	m.CurrentPort.Set(float64(port))
	m.LastUpdate.Set(float64(at.Unix()))
}

// IsHealthy reports whether the last completed cycle succeeded.
func (m *Metrics) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// Status is a snapshot for the status endpoint.
type Status struct {
	State   string             `json:"state"`
	Healthy bool               `json:"healthy"`
	Port    uint16             `json:"port,omitempty"`
	Last    *domain.SyncResult `json:"last,omitempty"`
	LastAt  *time.Time         `json:"lastAt,omitempty"`
}

func (m *Metrics) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		State:   m.state.String(),
		Healthy: m.healthy,
		Port:    m.lastPort,
	}
	if m.last != nil {
		last := *m.last
		at := m.lastAt
		st.Last = &last
		st.LastAt = &at
	}
	return st
}

func (m *Metrics) setHealthy(ok bool) {
	m.healthy = ok
	if ok {
		m.Healthy.Set(1)
	} else {
		m.Healthy.Set(0)
	}
}
