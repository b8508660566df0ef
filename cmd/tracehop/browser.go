// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mbeema/tracehop/pkg/browser"
)

func newBrowserCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "browser",
		Short: "poll the test UI through a remote WebDriver hub",
		Long:  `Reads HUB_REMOTE_URL, TEST_URL, BROWSER_NAME and POLL_INTERVAL from the environment.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := browser.LoadConfig()
			if err != nil {
				return err
			}
			level := g.logLevel
			if level == "" {
				level = os.Getenv("TRACEHOP_LOG_LEVEL")
			}
			logger, err := newLogger(level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting browser driver", zap.String("version", version))
			return browser.New(cfg, nil, logger).Run(ctx)
		},
	}
}
