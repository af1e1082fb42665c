// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build nopcp

package portmap

const PCPCompiled = false

func newPCPBackend(BackendOptions) Backend {
	return nil
}
