// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/qb-port-sync/internal/domain"
)

var envPrefix = "QB_PORT_SYNC__"

// legacyPasswordEnv is honoured when no password is configured anywhere else.
const legacyPasswordEnv = "QB_PORT_SYNC_QB_PASSWORD"

const (
	ephemeralPortMin = 49152
	ephemeralPortMax = 65535
)

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	version string

	// internalPort is fixed at load time so hot reloads never change it.
	internalPort int

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %w", domain.ErrConfig, err)
	}
	c.Config.Version = c.version

	if err := c.resolve(); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("strategy", "auto")
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9184)

	c.viper.SetDefault("qbittorrent.baseUrl", "http://127.0.0.1:8080")
	c.viper.SetDefault("qbittorrent.username", "admin")
	c.viper.SetDefault("qbittorrent.password", "")
	c.viper.SetDefault("qbittorrent.bindInterface", "")
	c.viper.SetDefault("qbittorrent.timeoutSecs", 15)
	c.viper.SetDefault("qbittorrent.tlsSkipVerify", false)

	c.viper.SetDefault("forwardedPort.path", "")
	c.viper.SetDefault("forwardedPort.debounceMillis", 250)
	c.viper.SetDefault("forwardedPort.waitSecs", 30)

	c.viper.SetDefault("portmap.internalPort", 0)
	c.viper.SetDefault("portmap.protocol", "TCP")
	c.viper.SetDefault("portmap.refreshSecs", 300)
	c.viper.SetDefault("portmap.lifetimeSecs", 3600)
	c.viper.SetDefault("portmap.autodiscoverGateway", true)
	c.viper.SetDefault("portmap.gateway", "")
	c.viper.SetDefault("portmap.attemptTimeoutMillis", 2000)
	c.viper.SetDefault("portmap.maxAttempts", 3)
	c.viper.SetDefault("portmap.releaseOnExit", true)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
				return fmt.Errorf("%w: config file %s not found, create one with generate-config", domain.ErrConfig, configPath)
			}
			return fmt.Errorf("%w: failed to read config: %w", domain.ErrConfig, err)
		}
		return nil
	}

	c.viper.SetConfigName("config")
	c.viper.AddConfigPath(".")
	c.viper.AddConfigPath(GetDefaultConfigDir())

	if err := c.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return fmt.Errorf("%w: no config.toml in . or %s, create one with generate-config", domain.ErrConfig, GetDefaultConfigDir())
		}
		return fmt.Errorf("%w: failed to read config: %w", domain.ErrConfig, err)
	}

	return nil
}

func (c *AppConfig) loadFromEnv() {
	// Explicit bindings only. AutomaticEnv would pick up unrelated variables.
	c.viper.BindEnv("strategy", envPrefix+"STRATEGY")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")

	c.viper.BindEnv("qbittorrent.baseUrl", envPrefix+"QBITTORRENT_BASE_URL")
	c.viper.BindEnv("qbittorrent.username", envPrefix+"QBITTORRENT_USERNAME")
	c.bindOrReadFromFile("qbittorrent.password", envPrefix+"QBITTORRENT_PASSWORD")
	c.viper.BindEnv("qbittorrent.bindInterface", envPrefix+"QBITTORRENT_BIND_INTERFACE")
	c.viper.BindEnv("qbittorrent.timeoutSecs", envPrefix+"QBITTORRENT_TIMEOUT_SECS")

	c.viper.BindEnv("forwardedPort.path", envPrefix+"FORWARDED_PORT_PATH")

	c.viper.BindEnv("portmap.internalPort", envPrefix+"PORTMAP_INTERNAL_PORT")
	c.viper.BindEnv("portmap.protocol", envPrefix+"PORTMAP_PROTOCOL")
	c.viper.BindEnv("portmap.refreshSecs", envPrefix+"PORTMAP_REFRESH_SECS")
	c.viper.BindEnv("portmap.autodiscoverGateway", envPrefix+"PORTMAP_AUTODISCOVER_GATEWAY")
	c.viper.BindEnv("portmap.gateway", envPrefix+"PORTMAP_GATEWAY")
}

// resolve fills in values derived from the environment and the config location.
func (c *AppConfig) resolve() error {
	if c.Config.Qbittorrent.Password == "" {
		c.Config.Qbittorrent.Password = os.Getenv(legacyPasswordEnv)
	}

	path := strings.TrimSpace(c.Config.ForwardedPort.Path)
	switch {
	case path == "":
		path = DefaultForwardedPortPath()
	case !filepath.IsAbs(path):
		path = filepath.Join(c.GetConfigDir(), path)
	}
	c.Config.ForwardedPort.Path = path

	if c.internalPort == 0 {
		c.internalPort = c.Config.Portmap.InternalPort
		if c.internalPort == 0 {
			c.internalPort = randomEphemeralPort()
			log.Debug().Int("port", c.internalPort).Msg("Picked random internal port")
		}
	}
	c.Config.Portmap.InternalPort = c.internalPort

	return nil
}

func (c *AppConfig) validate() error {
	cfg := c.Config

	if _, err := domain.ParseStrategy(cfg.Strategy); err != nil {
		return err
	}
	if _, err := domain.ParseTransport(cfg.Portmap.Protocol); err != nil {
		return err
	}

	u, err := url.Parse(strings.TrimSpace(cfg.Qbittorrent.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: qbittorrent.baseUrl %q must be an absolute http(s) URL", domain.ErrConfig, cfg.Qbittorrent.BaseURL)
	}
	if strings.TrimSpace(cfg.Qbittorrent.Username) == "" {
		return fmt.Errorf("%w: qbittorrent.username is required", domain.ErrConfig)
	}
	if cfg.Qbittorrent.Password == "" {
		return fmt.Errorf("%w: qbittorrent.password is required (or set %s)", domain.ErrConfig, legacyPasswordEnv)
	}
	if cfg.Qbittorrent.TimeoutSecs <= 0 {
		return fmt.Errorf("%w: qbittorrent.timeoutSecs must be positive", domain.ErrConfig)
	}

	if cfg.Portmap.InternalPort < 1 || cfg.Portmap.InternalPort > 65535 {
		return fmt.Errorf("%w: portmap.internalPort %d out of range", domain.ErrConfig, cfg.Portmap.InternalPort)
	}
	if cfg.Portmap.RefreshSecs <= 0 {
		return fmt.Errorf("%w: portmap.refreshSecs must be positive", domain.ErrConfig)
	}
	if cfg.Portmap.LifetimeSecs <= 0 {
		return fmt.Errorf("%w: portmap.lifetimeSecs must be positive", domain.ErrConfig)
	}
	if cfg.Portmap.MaxAttempts <= 0 {
		return fmt.Errorf("%w: portmap.maxAttempts must be positive", domain.ErrConfig)
	}
	if cfg.Portmap.AttemptTimeoutMS <= 0 {
		return fmt.Errorf("%w: portmap.attemptTimeoutMillis must be positive", domain.ErrConfig)
	}
	if gw := strings.TrimSpace(cfg.Portmap.Gateway); gw != "" {
		if ip := net.ParseIP(gw); ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: portmap.gateway %q is not an IPv4 address", domain.ErrConfig, gw)
		}
	} else if !cfg.Portmap.AutodiscoverGateway {
		return fmt.Errorf("%w: portmap.gateway is required when autodiscoverGateway is false", domain.ErrConfig)
	}
	if cfg.ForwardedPort.DebounceMillis < 0 {
		return fmt.Errorf("%w: forwardedPort.debounceMillis must not be negative", domain.ErrConfig)
	}

	return nil
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)
		c.applyDynamicChanges()
	})
}

// applyDynamicChanges copies the logging keys from the reloaded file. Everything
// else needs a restart.
func (c *AppConfig) applyDynamicChanges() {
	c.Config.LogLevel = c.viper.GetString("logLevel")
	c.Config.LogPath = c.viper.GetString("logPath")
	c.Config.LogMaxSize = c.viper.GetInt("logMaxSize")
	c.Config.LogMaxBackups = c.viper.GetInt("logMaxBackups")
	c.ApplyLogConfig()

	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

const configTemplate = `# config.toml - generated by qb-port-sync generate-config

# Port source: "auto", "file", "pcp" or "natpmp"
# auto prefers the forwarded port file, then PCP, then NAT-PMP.
# Default: "auto"
strategy = "{{ .strategy }}"

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Log file path
# If not defined, logs to stderr
#logPath = "log/qb-port-sync.log"

# Log rotation
#logMaxSize = {{ .logMaxSize }}
#logMaxBackups = {{ .logMaxBackups }}

# Prometheus metrics and /healthz
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = {{ .metricsPort }}

[qbittorrent]
baseUrl = "{{ .baseUrl }}"
username = "{{ .username }}"
# Leave empty and set QB_PORT_SYNC__QBITTORRENT_PASSWORD(_FILE) instead if preferred
password = ""
# Network interface qBittorrent should bind to, e.g. "wg0"
#bindInterface = ""
#timeoutSecs = {{ .timeoutSecs }}

[forwardedPort]
# Relative paths are resolved against this file's directory.
# Default on linux: $XDG_RUNTIME_DIR/Proton/VPN/forwarded_port
#path = ""
#debounceMillis = {{ .debounceMillis }}

[portmap]
# 0 picks a random port in 49152-65535
internalPort = {{ .internalPort }}
# "TCP", "UDP" or "BOTH"
protocol = "{{ .protocol }}"
# Renewal interval when the gateway grants no lease
refreshSecs = {{ .refreshSecs }}
#lifetimeSecs = {{ .lifetimeSecs }}
# Autodiscovery uses the lowest-metric IPv4 default route. A point-to-point
# tunnel default route (e.g. wg0 without a gateway address) cannot be used,
# set the VPN gateway explicitly in that case.
autodiscoverGateway = {{ .autodiscoverGateway }}
#gateway = "10.2.0.1"
#releaseOnExit = true
`

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	data := map[string]any{
		"strategy":            c.viper.GetString("strategy"),
		"logLevel":            c.viper.GetString("logLevel"),
		"logMaxSize":          c.viper.GetInt("logMaxSize"),
		"logMaxBackups":       c.viper.GetInt("logMaxBackups"),
		"metricsPort":         c.viper.GetInt("metricsPort"),
		"baseUrl":             c.viper.GetString("qbittorrent.baseUrl"),
		"username":            c.viper.GetString("qbittorrent.username"),
		"timeoutSecs":         c.viper.GetInt("qbittorrent.timeoutSecs"),
		"debounceMillis":      c.viper.GetInt("forwardedPort.debounceMillis"),
		"internalPort":        c.viper.GetInt("portmap.internalPort"),
		"protocol":            c.viper.GetString("portmap.protocol"),
		"refreshSecs":         c.viper.GetInt("portmap.refreshSecs"),
		"lifetimeSecs":        c.viper.GetInt("portmap.lifetimeSecs"),
		"autodiscoverGateway": c.viper.GetBool("portmap.autodiscoverGateway"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "qb-port-sync")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "qb-port-sync")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "qb-port-sync")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "qb-port-sync")
	}
}

// DefaultForwardedPortPath is where the ProtonVPN linux client writes the port.
// Empty on other platforms.
func DefaultForwardedPortPath() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run/user", strconv.Itoa(os.Getuid()))
	}
	return filepath.Join(runtimeDir, "Proton", "VPN", "forwarded_port")
}

func randomEphemeralPort() int {
	return ephemeralPortMin + rand.IntN(ephemeralPortMax-ephemeralPortMin+1)
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

// SetLogLevel overrides the configured level, used by the -v flags.
func (c *AppConfig) SetLogLevel(level string) {
	c.Config.LogLevel = level
	setLogLevel(level)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

// baseLogWriter uses the console writer for dev builds and interactive terminals, JSON otherwise.
func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) || term.IsTerminal(int(os.Stderr.Fd())) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// InitDefaultLogger configures zerolog before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(baseLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

// GetConfigDir returns the directory containing the config file
func (c *AppConfig) GetConfigDir() string {
	if c.viper.ConfigFileUsed() != "" {
		return filepath.Dir(c.viper.ConfigFileUsed())
	}
	return GetDefaultConfigDir()
}

// InternalPort is the port requested from the gateway, fixed for the process lifetime.
func (c *AppConfig) InternalPort() int {
	return c.internalPort
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}

// Sets viper variable if environment variable with _FILE suffix is present
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	if filePath := os.Getenv(envVar + "_FILE"); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Error().Err(err).Str("path", filePath).Msgf("Could not read %s_FILE", envVar)
			c.viper.BindEnv(viperVar, envVar)
			return
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
		return
	}
	c.viper.BindEnv(viperVar, envVar)
}
