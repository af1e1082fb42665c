// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the unmarshalled config.toml plus environment overrides.
type Config struct {
	Version string `mapstructure:"-"`

	Strategy string `mapstructure:"strategy"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`

	Qbittorrent   QbittorrentConfig   `mapstructure:"qbittorrent"`
	ForwardedPort ForwardedPortConfig `mapstructure:"forwardedPort"`
	Portmap       PortmapConfig       `mapstructure:"portmap"`
}

type QbittorrentConfig struct {
	BaseURL  string `mapstructure:"baseUrl"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// BindInterface is optional. Empty leaves qBittorrent's interface alone.
	BindInterface string `mapstructure:"bindInterface"`
	TimeoutSecs   int    `mapstructure:"timeoutSecs"`
	TLSSkipVerify bool   `mapstructure:"tlsSkipVerify"`
}

type ForwardedPortConfig struct {
	// Path may be relative to the config file directory.
	Path           string `mapstructure:"path"`
	DebounceMillis int    `mapstructure:"debounceMillis"`
	// WaitSecs bounds how long a one-shot run waits for the file to appear.
	WaitSecs int `mapstructure:"waitSecs"`
}

type PortmapConfig struct {
	// InternalPort 0 picks a random port in 49152..65535 once per process.
	InternalPort        int    `mapstructure:"internalPort"`
	Protocol            string `mapstructure:"protocol"`
	RefreshSecs         int    `mapstructure:"refreshSecs"`
	LifetimeSecs        int    `mapstructure:"lifetimeSecs"`
	AutodiscoverGateway bool   `mapstructure:"autodiscoverGateway"`
	Gateway             string `mapstructure:"gateway"`
	AttemptTimeoutMS    int    `mapstructure:"attemptTimeoutMillis"`
	MaxAttempts         int    `mapstructure:"maxAttempts"`
	ReleaseOnExit       bool   `mapstructure:"releaseOnExit"`
}
