// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/autobrr/qb-port-sync/internal/metrics"
)

// HealthSource reports sync health.
type HealthSource interface {
	IsHealthy() bool
	Status() metrics.Status
}

type HealthHandler struct {
	source HealthSource
}

func NewHealthHandler(source HealthSource) *HealthHandler {
	return &HealthHandler{source: source}
}

// Check answers 200 once a port is verified and 503 otherwise.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	if h.source == nil || !h.source.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Unhealthy"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Status returns the current state and the last cycle result.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		RespondError(w, http.StatusServiceUnavailable, "sync service not running")
		return
	}
	RespondJSON(w, http.StatusOK, h.source.Status())
}
