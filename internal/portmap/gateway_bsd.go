// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build darwin || freebsd || openbsd || netbsd || dragonfly

package portmap

import (
	"fmt"
	"net"
	"os/exec"
	"syscall"

	"golang.org/x/net/route"
)

// readDefaultGateway asks the routing socket first and falls back to netstat.
func readDefaultGateway() (net.IP, error) {
	if ip, err := routeSocketGateway(); err == nil && ip != nil {
		return ip, nil
	}

	output, err := exec.Command("netstat", "-rn", "-f", "inet").Output()
	if err != nil {
		return nil, fmt.Errorf("netstat: %w", err)
	}

	return parseNetstatOutput(string(output)), nil
}

func routeSocketGateway() (net.IP, error) {
	rib, err := route.FetchRIB(syscall.AF_INET, route.RIBTypeRoute, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch routing table: %w", err)
	}

	msgs, err := route.ParseRIB(route.RIBTypeRoute, rib)
	if err != nil {
		return nil, fmt.Errorf("parse routing table: %w", err)
	}

	return defaultRouteGateway(msgs), nil
}

// defaultRouteGateway returns the gateway of the 0.0.0.0 route, or nil.
func defaultRouteGateway(msgs []route.Message) net.IP {
	for _, msg := range msgs {
		rm, ok := msg.(*route.RouteMessage)
		if !ok || rm.Flags&syscall.RTF_GATEWAY == 0 || len(rm.Addrs) <= syscall.RTAX_GATEWAY {
			continue
		}

		dst, ok := rm.Addrs[syscall.RTAX_DST].(*route.Inet4Addr)
		if !ok || dst.IP != [4]byte{} {
			continue
		}

		if gw, ok := rm.Addrs[syscall.RTAX_GATEWAY].(*route.Inet4Addr); ok {
			return net.IPv4(gw.IP[0], gw.IP[1], gw.IP[2], gw.IP[3]).To4()
		}
	}
	return nil
}
