// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianModelServer/pkg/logging"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/config"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/telemetry"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath  string
	dbPath      string
	schemaPath  string
	debug       bool
	metricsAddr string
}

// runtime holds the configuration and the resources a subcommand runs with.
type runtime struct {
	flags globalFlags

	cfg       config.Config
	logger    *logging.Logger
	svc       *modelstore.Service
	shutdown  func(context.Context) error
	metrics   *http.Server
	metricsLn net.Listener
}

func newRootCmd() *cobra.Command {
	return newRootCmdWith(&runtime{})
}

func newRootCmdWith(rt *runtime) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modelquery",
		Short: "Load model objects and run traversal queries over them",
		Long: `modelquery manages a local model object store. Objects are committed in
revisions and queried with JSON query documents that select roots, types
and reference includes.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rt.flags.configPath, "config", "", "config file (YAML or JSON)")
	flags.StringVar(&rt.flags.dbPath, "db", "", "object store directory (overrides config)")
	flags.StringVar(&rt.flags.schemaPath, "schema", "", "schema YAML file (overrides config)")
	flags.BoolVar(&rt.flags.debug, "debug", false, "enable debug logging")
	flags.StringVar(&rt.flags.metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address while running")

	rootCmd.AddCommand(
		newLoadCmd(rt),
		newRevisionsCmd(rt),
		newQueryCmd(rt),
		newSchemaCmd(rt),
	)
	return rootCmd
}

// withService wraps a subcommand so it runs between open and close. close
// runs even when fn fails, which cobra's post-run hooks do not guarantee.
func (rt *runtime) withService(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		if err := rt.open(cmd.Context()); err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, rt.close(cmd.Context()))
		}()
		return fn(cmd, args)
	}
}

// open loads configuration and brings up logging, telemetry, the metrics
// endpoint and the service, in that order.
func (rt *runtime) open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(rt.flags.configPath)
	if err != nil {
		return err
	}
	if rt.flags.dbPath != "" {
		cfg.Store.Path = rt.flags.dbPath
		cfg.Store.InMemory = false
	}
	if rt.flags.schemaPath != "" {
		cfg.Schema = rt.flags.schemaPath
	}
	if rt.flags.debug {
		cfg.Logging.Level = logging.LevelDebug
	}
	if cfg.Logging.Service == "" {
		cfg.Logging.Service = "modelquery"
	}
	rt.cfg = cfg

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	rt.logger = logger

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		_ = logger.Close()
		return fmt.Errorf("init telemetry: %w", err)
	}
	rt.shutdown = shutdown

	if rt.flags.metricsAddr != "" {
		if err := rt.serveMetrics(); err != nil {
			_ = rt.close(ctx)
			return err
		}
	}

	svc, err := modelstore.New(cfg, modelstore.WithLogger(logger.Slog()))
	if err != nil {
		_ = rt.close(ctx)
		return err
	}
	rt.svc = svc
	return nil
}

func (rt *runtime) serveMetrics() error {
	handler := telemetry.MetricsHandler()
	if handler == nil {
		return errors.New("--metrics-addr needs the prometheus metric exporter")
	}

	ln, err := net.Listen("tcp", rt.flags.metricsAddr)
	if err != nil {
		return fmt.Errorf("listen for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	rt.metrics = srv
	rt.metricsLn = ln

	logger := rt.logger.Slog()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// close releases everything open opened, in reverse order.
func (rt *runtime) close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error

	if rt.svc != nil {
		errs = append(errs, rt.svc.Close())
		rt.svc = nil
	}
	if rt.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		errs = append(errs, rt.metrics.Shutdown(shutdownCtx))
		cancel()
		rt.metrics = nil
	}
	if rt.shutdown != nil {
		errs = append(errs, rt.shutdown(ctx))
		rt.shutdown = nil
	}
	if rt.logger != nil {
		errs = append(errs, rt.logger.Close())
		rt.logger = nil
	}
	return errors.Join(errs...)
}
