// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package browser drives a remote WebDriver session that periodically loads
// the test UI, producing the first hop of every trace.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/tebeka/selenium"
	"go.uber.org/zap"
)

// Config is read from the environment.
type Config struct {
	HubURL       string        `envconfig:"HUB_REMOTE_URL" default:"http://selenium-hub:4444/wd/hub"`
	TestURL      string        `envconfig:"TEST_URL" default:"http://test-ui:80/"`
	BrowserName  string        `envconfig:"BROWSER_NAME" default:"chrome"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"40s"`

	// ConnectTimeout bounds session creation retries. Zero retries forever.
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5m"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("browser config: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("browser config: POLL_INTERVAL must be positive, got %s", cfg.PollInterval)
	}
	return &cfg, nil
}

// Navigator is the part of a WebDriver session the driver uses.
type Navigator interface {
	Get(url string) error
	Quit() error
}

// Dialer opens a browser session.
type Dialer func(cfg *Config) (Navigator, error)

// RemoteDialer opens a session on a Selenium hub.
func RemoteDialer(cfg *Config) (Navigator, error) {
	caps := selenium.Capabilities{"browserName": cfg.BrowserName}
	wd, err := selenium.NewRemote(caps, cfg.HubURL)
	if err != nil {
		return nil, fmt.Errorf("new remote session at %s: %w", cfg.HubURL, err)
	}
	return wd, nil
}

// Driver polls TestURL through a browser session.
type Driver struct {
	cfg    *Config
	dial   Dialer
	logger *zap.Logger

	initialBackoff time.Duration
}

// New creates a driver. A nil dial uses RemoteDialer.
func New(cfg *Config, dial Dialer, logger *zap.Logger) *Driver {
	if dial == nil {
		dial = RemoteDialer
	}
	return &Driver{
		cfg:            cfg,
		dial:           dial,
		logger:         logger.With(zap.String("hub", cfg.HubURL)),
		initialBackoff: time.Second,
	}
}

func (d *Driver) connect(ctx context.Context) (Navigator, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.initialBackoff
	eb.MaxInterval = 30 * time.Second
	eb.MaxElapsedTime = d.cfg.ConnectTimeout

	var nav Navigator
	err := backoff.RetryNotify(func() error {
		n, err := d.dial(d.cfg)
		if err != nil {
			return err
		}
		nav = n
		return nil
	}, backoff.WithContext(eb, ctx), func(err error, wait time.Duration) {
		d.logger.Warn("webdriver hub not ready, retrying", zap.Duration("backoff", wait), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return nav, nil
}

// Run connects to the hub and navigates to TestURL immediately and then
// every PollInterval until ctx is cancelled. Navigation failures are logged
// and the loop continues. The session is closed on return.
func (d *Driver) Run(ctx context.Context) error {
	nav, err := d.connect(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect to webdriver hub: %w", err)
	}
	defer func() {
		if err := nav.Quit(); err != nil {
			d.logger.Warn("quit browser session", zap.Error(err))
		}
	}()

	d.logger.Info("browser session started",
		zap.String("browser", d.cfg.BrowserName),
		zap.String("url", d.cfg.TestURL),
		zap.Duration("interval", d.cfg.PollInterval),
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.navigate(nav)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Driver) navigate(nav Navigator) {
	start := time.Now()
	if err := nav.Get(d.cfg.TestURL); err != nil {
		d.logger.Error("navigation failed", zap.String("url", d.cfg.TestURL), zap.Error(err))
		return
	}
	d.logger.Debug("navigated", zap.String("url", d.cfg.TestURL), zap.Duration("took", time.Since(start)))
}
