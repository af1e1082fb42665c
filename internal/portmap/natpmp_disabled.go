// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build nonatpmp

package portmap

const NATPMPCompiled = false

func newNATPMPBackend(BackendOptions) Backend {
	return nil
}
