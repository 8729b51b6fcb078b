// Package config provides configuration management for the changes sync
// worker and CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	Log       LogConfig       `yaml:"log"`
	Worker    WorkerConfig    `yaml:"worker"`
	Sync      SyncConfig      `yaml:"sync"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Providers ProvidersConfig `yaml:"providers"`
}

type DatabaseConfig struct {
	// URL is a Postgres DSN. Empty selects the in-memory store.
	URL string `yaml:"url"`
}

type BrokerConfig struct {
	// Brokers are Redpanda seed addresses. Empty selects the in-process
	// broker.
	Brokers []string `yaml:"brokers" validate:"dive,hostname_port"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	File   string `yaml:"file"`
}

type WorkerConfig struct {
	GroupID     string        `yaml:"group_id" validate:"required"`
	Concurrency int           `yaml:"concurrency" validate:"min=1"`
	TaskTimeout time.Duration `yaml:"task_timeout" validate:"min=0"`
	// ParkingPath is a BoltDB file for delayed tasks. Empty keeps them in
	// memory.
	ParkingPath  string        `yaml:"parking_path"`
	PumpInterval time.Duration `yaml:"pump_interval" validate:"min=0"`
}

type SyncConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval" validate:"min=0"`
	RetryDelay     time.Duration `yaml:"retry_delay" validate:"min=0"`
	MaxRetries     int           `yaml:"max_retries" validate:"min=1"`
	CheckBuilds    time.Duration `yaml:"check_builds" validate:"min=0"`
	ExpireBuilds   time.Duration `yaml:"expire_builds" validate:"min=0"`
	PendingTimeout time.Duration `yaml:"pending_timeout" validate:"min=0"`
	SweepSchedule  string        `yaml:"sweep_schedule" validate:"required"`
	// OriginHistory bounds how many earlier builds the failure origin
	// search reads.
	OriginHistory int `yaml:"origin_history" validate:"min=1"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// ProvidersConfig enables CI providers. A nil section is disabled.
type ProvidersConfig struct {
	Buildkite   *BuildkiteConfig   `yaml:"buildkite"`
	GitHub      *GitHubConfig      `yaml:"github"`
	Jenkins     *JenkinsConfig     `yaml:"jenkins"`
	Phabricator *PhabricatorConfig `yaml:"phabricator"`
}

type BuildkiteConfig struct {
	Token           string `yaml:"token" validate:"required"`
	BaseURL         string `yaml:"base_url" validate:"omitempty,url"`
	ListLimit       int    `yaml:"list_limit" validate:"min=0"`
	ArtifactPattern string `yaml:"artifact_pattern"`
	DefaultBranch   string `yaml:"default_branch"`
}

type GitHubConfig struct {
	Token           string `yaml:"token" validate:"required"`
	BaseURL         string `yaml:"base_url" validate:"omitempty,url"`
	ListLimit       int    `yaml:"list_limit" validate:"min=0"`
	ArtifactPattern string `yaml:"artifact_pattern"`
	DefaultWorkflow string `yaml:"default_workflow"`
	DefaultRef      string `yaml:"default_ref"`
}

type JenkinsConfig struct {
	URL             string `yaml:"url" validate:"required,url"`
	User            string `yaml:"user"`
	Token           string `yaml:"token" validate:"required_with=User"`
	ListLimit       int    `yaml:"list_limit" validate:"min=0"`
	DownstreamLimit int    `yaml:"downstream_limit" validate:"min=0"`
}

type PhabricatorConfig struct {
	URL           string `yaml:"url" validate:"required,url"`
	Token         string `yaml:"token" validate:"required"`
	RevisionLimit int    `yaml:"revision_limit" validate:"min=0"`
}

// Load reads the YAML file at path, overlays environment variables,
// applies defaults and validates the result. An empty path reads only
// the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return Load("")
}

// MustLoad loads configuration and panics on error.
// This is useful for initialization in main() where configuration errors should be fatal.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// applyEnv overlays environment variables. Provider credentials in the
// environment enable the provider if the file did not.
func applyEnv(cfg *Config) error {
	if v := firstEnv("CHANGES_DATABASE_URL", "DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDPANDA_BROKERS"); v != "" {
		cfg.Broker.Brokers = splitList(v)
	}
	if v := os.Getenv("CHANGES_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CHANGES_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("CHANGES_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("CHANGES_WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHANGES_WORKER_CONCURRENCY %q: %w", v, err)
		}
		cfg.Worker.Concurrency = n
	}

	p := &cfg.Providers
	if v := os.Getenv("BUILDKITE_API_TOKEN"); v != "" {
		if p.Buildkite == nil {
			p.Buildkite = &BuildkiteConfig{}
		}
		p.Buildkite.Token = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		if p.GitHub == nil {
			p.GitHub = &GitHubConfig{}
		}
		p.GitHub.Token = v
	}
	if url := os.Getenv("JENKINS_URL"); url != "" || p.Jenkins != nil {
		if p.Jenkins == nil {
			p.Jenkins = &JenkinsConfig{}
		}
		if url != "" {
			p.Jenkins.URL = url
		}
		if v := os.Getenv("JENKINS_USER"); v != "" {
			p.Jenkins.User = v
		}
		if v := os.Getenv("JENKINS_API_TOKEN"); v != "" {
			p.Jenkins.Token = v
		}
	}
	if url := os.Getenv("PHABRICATOR_URL"); url != "" || p.Phabricator != nil {
		if p.Phabricator == nil {
			p.Phabricator = &PhabricatorConfig{}
		}
		if url != "" {
			p.Phabricator.URL = url
		}
		if v := os.Getenv("PHABRICATOR_API_TOKEN"); v != "" {
			p.Phabricator.Token = v
		}
	}
	return nil
}

// applyDefaults sets default values for optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if cfg.Worker.GroupID == "" {
		cfg.Worker.GroupID = "changes-worker"
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 8
	}
	if cfg.Worker.PumpInterval == 0 {
		cfg.Worker.PumpInterval = time.Second
	}

	s := &cfg.Sync
	if s.PollInterval == 0 {
		s.PollInterval = 5 * time.Second
	}
	if s.RetryDelay == 0 {
		s.RetryDelay = 60 * time.Second
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 5
	}
	if s.CheckBuilds == 0 {
		s.CheckBuilds = 5 * time.Minute
	}
	if s.ExpireBuilds == 0 {
		s.ExpireBuilds = 6 * time.Hour
	}
	if s.PendingTimeout == 0 {
		s.PendingTimeout = 3 * time.Minute
	}
	if s.SweepSchedule == "" {
		s.SweepSchedule = "@every 1m"
	}
	if s.OriginHistory == 0 {
		s.OriginHistory = 100
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

var validate = func() func(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	return func(cfg *Config) error {
		err := v.Struct(cfg)
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
}()

// ProviderNames lists the enabled CI providers.
func (c *Config) ProviderNames() []string {
	var names []string
	if c.Providers.Buildkite != nil {
		names = append(names, "buildkite")
	}
	if c.Providers.GitHub != nil {
		names = append(names, "github")
	}
	if c.Providers.Jenkins != nil {
		names = append(names, "jenkins")
	}
	return names
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
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
