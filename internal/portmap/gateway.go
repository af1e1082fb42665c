// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package portmap

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

const rtfUp = 0x1

// DiscoverGateway reads the default IPv4 route from the system routing table.
func DiscoverGateway() (net.IP, error) {
	gateway, err := readDefaultGateway()
	if err != nil {
		return nil, err
	}
	if gateway == nil {
		return nil, fmt.Errorf("no default route")
	}
	return gateway, nil
}

// parseRouteTable parses /proc/net/route and returns the gateway of the
// lowest-metric IPv4 default route. Addresses are little-endian hex.
func parseRouteTable(r io.Reader) (net.IP, error) {
	scanner := bufio.NewScanner(r)

	if !scanner.Scan() {
		return nil, fmt.Errorf("empty routing table")
	}

	col := map[string]int{"Iface": 0, "Destination": 1, "Gateway": 2, "Flags": 3, "Metric": 6, "Mask": 7}
	for i, name := range strings.Fields(scanner.Text()) {
		if _, ok := col[name]; ok {
			col[name] = i
		}
	}

	var (
		best      net.IP
		bestIface string
		found     bool
		bestMet   uint64
	)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) <= col["Gateway"] || fields[col["Destination"]] != "00000000" {
			continue
		}
		if len(fields) > col["Mask"] && fields[col["Mask"]] != "00000000" {
			continue
		}
		if len(fields) > col["Flags"] {
			flags, err := strconv.ParseUint(fields[col["Flags"]], 16, 32)
			if err == nil && flags&rtfUp == 0 {
				continue
			}
		}

		var metric uint64
		if len(fields) > col["Metric"] {
			metric, _ = strconv.ParseUint(fields[col["Metric"]], 10, 32)
		}
		if found && metric >= bestMet {
			continue
		}

		gateway, err := parseHexIP(fields[col["Gateway"]])
		if err != nil {
			return nil, fmt.Errorf("failed to parse gateway: %w", err)
		}

		found = true
		best = gateway
		bestMet = metric
		bestIface = fields[col["Iface"]]
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading routing table: %w", err)
	}

	if !found {
		return nil, nil
	}
	if best.Equal(net.IPv4zero) {
		return nil, fmt.Errorf("default route via %s is point-to-point and has no gateway address, set portmap.gateway", bestIface)
	}
	return best, nil
}

func parseHexIP(hexIP string) (net.IP, error) {
	if len(hexIP) != 8 {
		return nil, fmt.Errorf("invalid hex IP length: %d", len(hexIP))
	}

	b, err := hex.DecodeString(hexIP)
	if err != nil {
		return nil, fmt.Errorf("invalid hex IP: %w", err)
	}

	return net.IPv4(b[3], b[2], b[1], b[0]).To4(), nil
}

// parseNetstatOutput finds the default route in `netstat -rn` output:
//
//	Destination        Gateway            Flags
//	default            192.168.1.1        UGS
func parseNetstatOutput(output string) net.IP {
	scanner := bufio.NewScanner(strings.NewReader(output))

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		switch fields[0] {
		case "default", "0.0.0.0", "0.0.0.0/0":
		default:
			continue
		}

		gw := fields[1]
		if strings.Contains(gw, "#") || !strings.Contains(gw, ".") {
			continue
		}
		if idx := strings.Index(gw, "%"); idx != -1 {
			gw = gw[:idx]
		}

		if ip := net.ParseIP(gw); ip != nil && ip.To4() != nil {
			return ip.To4()
		}
	}

	return nil
}
