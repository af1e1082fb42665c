// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package buildinfo

import "fmt"

// Set via ldflags at build time.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// UserAgent is sent on every qBittorrent Web API request.
var UserAgent = fmt.Sprintf("qb-port-sync/%s", Version)

