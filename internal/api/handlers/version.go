// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"runtime"

	"github.com/autobrr/qb-port-sync/internal/buildinfo"
)

type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"goVersion"`
}

type VersionHandler struct {
	version string
}

func NewVersionHandler(version string) *VersionHandler {
	if version == "" {
		version = buildinfo.Version
	}
	return &VersionHandler{version: version}
}

func (h *VersionHandler) Get(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, VersionResponse{
		Version:   h.version,
		Commit:    buildinfo.Commit,
		Date:      buildinfo.Date,
		GoVersion: runtime.Version(),
	})
}
