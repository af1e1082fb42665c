// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/autobrr/qb-port-sync/internal/domain"
)

// ProbeResult is what the check command reports.
type ProbeResult struct {
	WebAPIVersion         string
	SupportsInterfaceList bool
}

// Probe logs in with the go-qbittorrent client and reads the WebAPI version.
func Probe(ctx context.Context, cfg Config) (ProbeResult, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := qbt.NewClient(qbt.Config{
		Host:          cfg.BaseURL,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Timeout:       int(timeout.Seconds()),
		TLSSkipVerify: cfg.TLSSkipVerify,
	})

	if err := client.LoginCtx(ctx); err != nil {
		return ProbeResult{}, fmt.Errorf("%w: login to %s: %v", domain.ErrTransientNetwork, cfg.BaseURL, err)
	}

	raw, err := client.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("%w: read WebAPI version: %v", domain.ErrTransientNetwork, err)
	}

	result := ProbeResult{WebAPIVersion: strings.TrimSpace(raw)}
	if v, err := semver.NewVersion(result.WebAPIVersion); err == nil {
		result.SupportsInterfaceList = !v.LessThan(networkInterfaceListMinVersion)
	}

	return result, nil
}
