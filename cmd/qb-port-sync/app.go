// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/qb-port-sync/internal/api"
	"github.com/autobrr/qb-port-sync/internal/buildinfo"
	"github.com/autobrr/qb-port-sync/internal/config"
	"github.com/autobrr/qb-port-sync/internal/domain"
	"github.com/autobrr/qb-port-sync/internal/metrics"
	"github.com/autobrr/qb-port-sync/internal/portmap"
	"github.com/autobrr/qb-port-sync/internal/qbittorrent"
	"github.com/autobrr/qb-port-sync/internal/services/portsync"
	"github.com/autobrr/qb-port-sync/internal/strategy"
)

const shutdownTimeout = 10 * time.Second

type Application struct {
	opts    rootOptions
	cfg     *config.AppConfig
	metrics *metrics.Metrics
	service *portsync.Service
}

func NewApplication(opts rootOptions) (*Application, error) {
	cfg, err := config.New(opts.configPath, buildinfo.Version)
	if err != nil {
		return nil, err
	}

	if opts.logPath != "" {
		cfg.Config.LogPath = opts.logPath
	}
	cfg.ApplyLogConfig()
	if level := verbosityLevel(opts.verbose); level != "" {
		cfg.SetLogLevel(level)
	}

	if opts.strategy != "" {
		cfg.Config.Strategy = opts.strategy
	}

	app := &Application{opts: opts, cfg: cfg}

	var reporter portsync.Reporter
	if cfg.Config.MetricsEnabled && !opts.once {
		app.metrics = metrics.New()
		reporter = app.metrics
	}

	svcCfg, err := serviceConfig(cfg)
	if err != nil {
		return nil, err
	}

	qb := cfg.Config.Qbittorrent
	client, err := qbittorrent.NewClient(qbittorrent.Config{
		BaseURL:       qb.BaseURL,
		Username:      qb.Username,
		Password:      qb.Password,
		Timeout:       time.Duration(qb.TimeoutSecs) * time.Second,
		TLSSkipVerify: qb.TLSSkipVerify,
	})
	if err != nil {
		return nil, err
	}

	pm := cfg.Config.Portmap
	negotiator := portmap.NewNegotiator(portmap.NegotiatorConfig{
		Backends: portmap.NewBackends(portmap.BackendOptions{}),
		Policy: portmap.RetryPolicy{
			Attempts:       uint(pm.MaxAttempts),
			AttemptTimeout: time.Duration(pm.AttemptTimeoutMS) * time.Millisecond,
		},
		Gateway: domain.GatewayConfig{
			Address:      pm.Gateway,
			Autodiscover: pm.AutodiscoverGateway,
		},
	})

	app.service = portsync.NewService(svcCfg, client, negotiator, reporter)

	cfg.RegisterReloadListener(func(c *domain.Config) {
		log.Info().Str("logLevel", c.LogLevel).Msg("Configuration reloaded, port source and qBittorrent settings apply after restart")
	})

	return app, nil
}

func serviceConfig(cfg *config.AppConfig) (portsync.Config, error) {
	c := cfg.Config

	strat, err := domain.ParseStrategy(c.Strategy)
	if err != nil {
		return portsync.Config{}, err
	}
	transport, err := domain.ParseTransport(c.Portmap.Protocol)
	if err != nil {
		return portsync.Config{}, err
	}

	return portsync.Config{
		Strategy:          strat,
		Capabilities:      strategy.Compiled(),
		ForwardedPortPath: c.ForwardedPort.Path,
		Debounce:          time.Duration(c.ForwardedPort.DebounceMillis) * time.Millisecond,
		FileWait:          time.Duration(c.ForwardedPort.WaitSecs) * time.Second,
		InternalPort:      uint16(cfg.InternalPort()),
		Transport:         transport,
		Lifetime:          time.Duration(c.Portmap.LifetimeSecs) * time.Second,
		BindInterface:     c.Qbittorrent.BindInterface,
		ReleaseOnExit:     c.Portmap.ReleaseOnExit,
		RefreshInterval:   time.Duration(c.Portmap.RefreshSecs) * time.Second,
	}, nil
}

func (app *Application) runOnce(ctx context.Context, out io.Writer) error {
	result, err := app.service.RunOnce(ctx)

	if app.opts.jsonOutput {
		line, lerr := result.Line()
		if lerr != nil {
			return errors.Wrap(lerr, "encode sync result")
		}
		fmt.Fprintln(out, line)
		return err
	}

	if err != nil {
		log.Error().Err(err).Str("strategy", result.Strategy.String()).Msg("Sync failed")
		return err
	}

	log.Info().
		Str("strategy", result.Strategy.String()).
		Uint16("port", *result.DetectedPort).
		Bool("applied", result.Applied).
		Bool("verified", result.Verified).
		Str("note", result.Note).
		Msg("Sync complete")
	return nil
}

func (app *Application) runDaemon(ctx context.Context) error {
	log.Info().
		Str("version", buildinfo.Version).
		Str("strategy", app.cfg.Config.Strategy).
		Int("internalPort", app.cfg.InternalPort()).
		Msg("Starting qb-port-sync")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.service.Run(gctx)
	})

	if app.metrics != nil {
		server := api.NewServer(&api.Dependencies{
			Config:  app.cfg,
			Version: buildinfo.Version,
			Metrics: app.metrics,
		})

		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("got error during graceful http shutdown")
			}
			return nil
		})
	}

	err := g.Wait()
	log.Info().Msg("qb-port-sync stopped")
	return err
}
