// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly

package portmap

import (
	"fmt"
	"net"
	"runtime"
)

func readDefaultGateway() (net.IP, error) {
	return nil, fmt.Errorf("gateway discovery is not supported on %s, set portmap.gateway", runtime.GOOS)
}
