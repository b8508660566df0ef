// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Service roles.
const (
	RoleLeaf        = "leaf"
	RoleCoordinator = "coordinator"
)

// Coordinator response modes.
const (
	ResponsePerHop = "per_hop"
	ResponseSingle = "single"
)

// Span reporters.
const (
	ReporterGRPC   = "grpc"
	ReporterHTTP   = "http"
	ReporterKafka  = "kafka"
	ReporterStdout = "stdout"
)

// DefaultPayload is the canned JSON body every stub answers with and every
// coordinator hop sends.
const DefaultPayload = `{"name": "whatever"}`

// Config is the top-level configuration for a tracehop process. A process
// hosts one or more stub services.
type Config struct {
	LogLevel       string          `yaml:"log_level" env:"TRACEHOP_LOG_LEVEL"`
	ServiceVersion string          `yaml:"service_version"`
	DeploymentEnv  string          `yaml:"deployment_env"`
	Services       []ServiceConfig `yaml:"services"`
	Tracing        TracingConfig   `yaml:"tracing"`
	Exporters      ExportersConfig `yaml:"exporters"`
	Health         HealthConfig    `yaml:"health"`
}

// ServiceConfig describes one stub service. Zero fields are filled from the
// named profile, if any.
type ServiceConfig struct {
	Profile           string         `yaml:"profile"`
	Name              string         `yaml:"name"`
	Role              string         `yaml:"role"` // "leaf" or "coordinator"
	Listen            string         `yaml:"listen"`
	Delay             time.Duration  `yaml:"delay"`
	CORS              *bool          `yaml:"cors"`
	Serial            *bool          `yaml:"serial"` // one request at a time (default: true)
	Payload           string         `yaml:"payload"`
	ContentType       string         `yaml:"content_type"`
	Transport         string         `yaml:"transport"` // "http" or "kafka", recorded on spans
	Reporter          string         `yaml:"reporter"`  // overrides tracing.reporter
	Downstreams       []string       `yaml:"downstreams"`
	DownstreamTimeout *time.Duration `yaml:"downstream_timeout"`
	ResponseMode      string         `yaml:"response_mode"`
}

// CORSEnabled reports whether OPTIONS preflight requests are answered.
func (s *ServiceConfig) CORSEnabled() bool {
	return s.CORS != nil && *s.CORS
}

// SerialEnabled reports whether requests are handled one at a time.
// Defaults to true when not explicitly set.
func (s *ServiceConfig) SerialEnabled() bool {
	if s.Serial == nil {
		return true
	}
	return *s.Serial
}

// HopTimeout returns the per-hop timeout; zero means wait indefinitely.
func (s *ServiceConfig) HopTimeout() time.Duration {
	if s.DownstreamTimeout == nil {
		return 30 * time.Second
	}
	return *s.DownstreamTimeout
}

type TracingConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Reporter string         `yaml:"reporter"` // "grpc", "http", "kafka" or "stdout"
	Sampling SamplingConfig `yaml:"sampling"`
}

// SamplingConfig configures head sampling for root spans.
type SamplingConfig struct {
	Rate float64 `yaml:"rate"` // 0.0-1.0, default 1.0 (keep all)
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Kafka  KafkaConfig  `yaml:"kafka"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" or "none"
	Headers     map[string]string `yaml:"headers"`
}

// KafkaConfig configures the message-queue span reporter.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type StdoutConfig struct {
	Format string `yaml:"format"` // "text" or "json"
}

// HealthConfig configures the admin HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"TRACEHOP_HEALTH_PORT"` // e.g. ":8686"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finish(cfg)
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml     → log_level, service_version, deployment_env, health
//   - services.yaml → services
//   - tracing.yaml  → tracing, exporters
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "services.yaml", "tracing.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	return finish(cfg)
}

// ForProfiles builds a configuration hosting the named profiles.
func ForProfiles(names ...string) (*Config, error) {
	cfg := DefaultConfig()
	for _, name := range names {
		cfg.Services = append(cfg.Services, ServiceConfig{Profile: name})
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.resolveProfiles(); err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// DefaultConfig returns a configuration with sensible defaults and no
// services.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Tracing: TracingConfig{
			Enabled:  false,
			Reporter: ReporterGRPC,
			Sampling: SamplingConfig{Rate: 1.0},
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Endpoint:    "localhost:4317",
				Insecure:    true,
				Compression: "gzip",
			},
			Kafka: KafkaConfig{
				Brokers: []string{"kafka:9092"},
				Topic:   "tracehop-spans",
			},
			Stdout: StdoutConfig{Format: "text"},
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8686",
		},
	}
}

func (c *Config) resolveProfiles() error {
	for i := range c.Services {
		svc, err := mergeProfile(c.Services[i])
		if err != nil {
			return fmt.Errorf("service %d: %w", i, err)
		}
		c.Services[i] = svc
	}
	return nil
}

// ApplyEnvOverrides reads TRACEHOP_* environment variables and applies them
// to the config, overriding YAML values. Service-level overrides apply only
// when the process hosts exactly one service.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"TRACEHOP_LOG_LEVEL":         func(v string) { c.LogLevel = v },
		"TRACEHOP_HEALTH_PORT":       func(v string) { c.Health.Port = v },
		"TRACEHOP_TRACING_REPORTER":  func(v string) { c.Tracing.Reporter = v },
		"TRACEHOP_OTLP_ENDPOINT":     func(v string) { c.Exporters.OTLP.Endpoint = v },
		"TRACEHOP_KAFKA_BROKERS":     func(v string) { c.Exporters.Kafka.Brokers = splitList(v) },
		"TRACEHOP_TRACING_ENABLED":   func(v string) { c.Tracing.Enabled = parseBool(v) },
		"TRACEHOP_TRACING_SAMPLE_RATE": func(v string) {
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				c.Tracing.Sampling.Rate = f
			}
		},
	}

	if len(c.Services) == 1 {
		svc := &c.Services[0]
		envOverrides["TRACEHOP_SERVICE_NAME"] = func(v string) { svc.Name = v }
		envOverrides["TRACEHOP_LISTEN"] = func(v string) { svc.Listen = v }
		envOverrides["TRACEHOP_DOWNSTREAMS"] = func(v string) { svc.Downstreams = splitList(v) }
		envOverrides["TRACEHOP_DELAY"] = func(v string) {
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				svc.Delay = d
			}
		}
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ReporterFor returns the span reporter used by a service.
func (c *Config) ReporterFor(svc *ServiceConfig) string {
	if svc.Reporter != "" {
		return svc.Reporter
	}
	return c.Tracing.Reporter
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("no services defined")
	}

	names := make(map[string]bool)
	listens := make(map[string]bool)
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if names[svc.Name] {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		names[svc.Name] = true

		if svc.Listen == "" {
			return fmt.Errorf("service %s: listen is required", svc.Name)
		}
		if listens[svc.Listen] {
			return fmt.Errorf("service %s: listen address %s already in use", svc.Name, svc.Listen)
		}
		listens[svc.Listen] = true

		if svc.Delay < 0 {
			return fmt.Errorf("service %s: delay must not be negative", svc.Name)
		}

		switch svc.Role {
		case RoleLeaf:
		case RoleCoordinator:
			if len(svc.Downstreams) == 0 {
				return fmt.Errorf("service %s: coordinator needs at least one downstream", svc.Name)
			}
			for _, d := range svc.Downstreams {
				u, err := url.Parse(d)
				if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
					return fmt.Errorf("service %s: invalid downstream %q", svc.Name, d)
				}
			}
			if svc.ResponseMode != ResponsePerHop && svc.ResponseMode != ResponseSingle {
				return fmt.Errorf("service %s: response_mode must be 'per_hop' or 'single'", svc.Name)
			}
			if svc.HopTimeout() < 0 {
				return fmt.Errorf("service %s: downstream_timeout must not be negative", svc.Name)
			}
		default:
			return fmt.Errorf("service %s: role must be 'leaf' or 'coordinator'", svc.Name)
		}

		if err := validReporter(c.ReporterFor(svc)); err != nil {
			return fmt.Errorf("service %s: %w", svc.Name, err)
		}
	}

	if c.Tracing.Sampling.Rate < 0 || c.Tracing.Sampling.Rate > 1 {
		return fmt.Errorf("tracing.sampling.rate must be between 0 and 1")
	}

	if !c.Tracing.Enabled {
		return nil
	}

	for _, r := range c.Reporters() {
		switch r {
		case ReporterGRPC, ReporterHTTP:
			if c.Exporters.OTLP.Endpoint == "" {
				return fmt.Errorf("exporters.otlp.endpoint is required for the %s reporter", r)
			}
			switch c.Exporters.OTLP.Compression {
			case "", "gzip", "none":
			default:
				return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
			}
		case ReporterKafka:
			if len(c.Exporters.Kafka.Brokers) == 0 {
				return fmt.Errorf("exporters.kafka.brokers is required for the kafka reporter")
			}
			if c.Exporters.Kafka.Topic == "" {
				return fmt.Errorf("exporters.kafka.topic is required for the kafka reporter")
			}
		}
	}

	return nil
}

// Reporters returns the distinct reporters used by the configured services,
// in service order.
func (c *Config) Reporters() []string {
	seen := make(map[string]bool)
	var out []string
	for i := range c.Services {
		r := c.ReporterFor(&c.Services[i])
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

func validReporter(r string) error {
	switch r {
	case ReporterGRPC, ReporterHTTP, ReporterKafka, ReporterStdout:
		return nil
	}
	return fmt.Errorf("reporter must be one of grpc, http, kafka, stdout (got %q)", r)
}
