// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build linux

package portmap

import (
	"fmt"
	"net"
	"os"
)

func readDefaultGateway() (net.IP, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return nil, fmt.Errorf("failed to open routing table: %w", err)
	}
	defer f.Close()

	return parseRouteTable(f)
}
