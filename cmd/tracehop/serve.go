// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mbeema/tracehop/pkg/config"
	"github.com/mbeema/tracehop/pkg/harness"
)

const shutdownGrace = 30 * time.Second

type serveOptions struct {
	configPath string
	configDir  string
	profiles   []string
}

func (o *serveOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "path to configuration file")
	fs.StringVar(&o.configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	fs.StringSliceVar(&o.profiles, "profile", nil, "built-in profiles to host (repeatable)")
}

// load reads the configuration the options point at.
func (o *serveOptions) load() (*config.Config, error) {
	switch {
	case len(o.profiles) > 0:
		return config.ForProfiles(o.profiles...)
	case o.configDir != "":
		return config.LoadDir(o.configDir)
	case o.configPath != "":
		return config.Load(o.configPath)
	}

	for _, p := range []string{"configs/tracehop.yaml", "/etc/tracehop/tracehop.yaml", "/etc/tracehop.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return nil, errors.New("no configuration: pass --config, --config-dir or --profile")
}

func newServeCommand(g *globalOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "host the services described by a configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(g, opts)
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

// newProfileCommand runs a single built-in stub, e.g. "tracehop consumer".
func newProfileCommand(name string, g *globalOptions) *cobra.Command {
	svc, _ := config.Profile(name)
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("run the %s stub (%s on %s)", name, svc.Role, svc.Listen),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(g, &serveOptions{profiles: []string{name}})
		},
	}
}

func run(g *globalOptions, opts *serveOptions) error {
	cfg, err := opts.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting tracehop",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	h, err := harness.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create harness", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(ctx); err != nil {
		logger.Error("failed to start harness", zap.Error(err))
		return err
	}

	var watcher *config.Watcher
	if opts.configDir != "" {
		watcher = config.NewWatcher(opts.configDir, func(newCfg *config.Config, changedFile string) {
			if err := h.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config",
					zap.String("file", changedFile),
					zap.Error(err),
				)
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			h.Stop()
			return fmt.Errorf("start config watcher: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// SIGHUP reloads in every mode; profiles have nothing to reload from disk
	// but env overrides are re-read.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}
			cancel()

			done := make(chan struct{})
			go func() {
				if err := h.Stop(); err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
				close(done)
			}()

			select {
			case <-done:
				logger.Info("tracehop stopped")
				return nil
			case <-time.After(shutdownGrace):
				logger.Error("shutdown timed out, forcing exit", zap.Duration("grace", shutdownGrace))
				return errors.New("shutdown timed out")
			}

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := opts.load()
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := h.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			}
		}
	}
}
