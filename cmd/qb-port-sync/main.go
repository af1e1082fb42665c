// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/autobrr/qb-port-sync/internal/buildinfo"
	"github.com/autobrr/qb-port-sync/internal/config"
	"github.com/autobrr/qb-port-sync/internal/domain"
	"github.com/autobrr/qb-port-sync/internal/qbittorrent"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	rootCmd := NewRootCommand()

	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(int(domain.ClassifyError(err)))
}

type rootOptions struct {
	configPath string
	logPath    string
	strategy   string
	once       bool
	jsonOutput bool
	verbose    int
}

func NewRootCommand() *cobra.Command {
	var opts rootOptions

	command := &cobra.Command{
		Use:   "qb-port-sync",
		Short: "Keep qBittorrent's listening port in sync with the VPN forwarded port",
		Long: `qb-port-sync - reads the forwarded port from a VPN client file or negotiates
one with the gateway over PCP or NAT-PMP, then applies and verifies it in qBittorrent.

Runs as a daemon by default. Use --once for a single sync cycle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.jsonOutput && !opts.once {
				return fmt.Errorf("%w: --json requires --once", domain.ErrConfig)
			}

			app, err := NewApplication(opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
			defer stop()

			if opts.once {
				return app.runOnce(ctx, cmd.OutOrStdout())
			}
			return app.runDaemon(ctx)
		},
	}

	command.Version = buildinfo.Version

	command.Flags().StringVar(&opts.configPath, "config", "", "config directory or file path (default is OS-specific: ~/.config/qb-port-sync/)")
	command.Flags().StringVar(&opts.logPath, "log-path", "", "log file path (default is stderr)")
	command.Flags().StringVar(&opts.strategy, "strategy", "", "port source: auto, file, pcp or natpmp (overrides config)")
	command.Flags().BoolVar(&opts.once, "once", false, "run a single sync cycle and exit")
	command.Flags().BoolVar(&opts.jsonOutput, "json", false, "print the sync result as one JSON line (requires --once)")
	command.Flags().CountVarP(&opts.verbose, "verbose", "v", "increase log verbosity (-v debug, -vv trace)")

	command.AddCommand(RunVersionCommand(buildinfo.Version))
	command.AddCommand(RunGenerateConfigCommand())
	command.AddCommand(RunCheckCommand())

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of qb-port-sync",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
			if buildinfo.Commit != "" {
				cmd.Printf("commit: %s\n", buildinfo.Commit)
			}
			if buildinfo.Date != "" {
				cmd.Printf("built: %s\n", buildinfo.Date)
			}
		},
	}
}

func RunGenerateConfigCommand() *cobra.Command {
	var configPath string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file.

If no --config is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/qb-port-sync/config.toml
- Windows: %APPDATA%\qb-port-sync\config.toml

You can specify either a directory path or a direct file path:
- Directory: qb-port-sync generate-config --config /path/to/config/
- File: qb-port-sync generate-config --config /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigFile(configPath)

			if _, err := os.Stat(path); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", path)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(path); err != nil {
				return errors.Wrap(err, "failed to create configuration file")
			}

			cmd.Printf("Configuration file created successfully at: %s\n", path)
			return nil
		},
	}

	command.Flags().StringVar(&configPath, "config", "", "config directory or file path (defaults to OS-specific location)")

	return command
}

func RunCheckCommand() *cobra.Command {
	var configPath string

	command := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and test the qBittorrent login",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configPath, buildinfo.Version)
			if err != nil {
				return err
			}
			cfg.ApplyLogConfig()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			qb := cfg.Config.Qbittorrent
			res, err := qbittorrent.Probe(ctx, qbittorrent.Config{
				BaseURL:       qb.BaseURL,
				Username:      qb.Username,
				Password:      qb.Password,
				Timeout:       time.Duration(qb.TimeoutSecs) * time.Second,
				TLSSkipVerify: qb.TLSSkipVerify,
			})
			if err != nil {
				return err
			}

			cmd.Printf("Config: %s\n", cfg.GetConfigDir())
			cmd.Printf("qBittorrent: %s (WebAPI %s)\n", qb.BaseURL, res.WebAPIVersion)
			if qb.BindInterface != "" && !res.SupportsInterfaceList {
				cmd.Printf("Warning: bindInterface %q needs WebAPI 2.3.0 or newer and will be ignored\n", qb.BindInterface)
			}
			cmd.Printf("Strategy: %s\n", cfg.Config.Strategy)
			return nil
		},
	}

	command.Flags().StringVar(&configPath, "config", "", "config directory or file path (defaults to OS-specific location)")

	return command
}

func resolveConfigFile(configPath string) string {
	switch {
	case configPath == "":
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	case strings.HasSuffix(strings.ToLower(configPath), ".toml"):
		return configPath
	default:
		if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
			return configPath
		}
		return filepath.Join(configPath, "config.toml")
	}
}

func verbosityLevel(count int) string {
	switch {
	case count >= 2:
		return "TRACE"
	case count == 1:
		return "DEBUG"
	default:
		return ""
	}
}
