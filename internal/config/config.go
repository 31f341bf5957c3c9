// Package config loads the daemon configuration from a YAML file,
// applies CTXSYNC_* environment overrides, and resolves storage
// profiles into concrete backend DSNs.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

const (
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
)

type ProjectConfig struct {
	ID   string `yaml:"id"`
	Root string `yaml:"root"`
}

type PublisherConfig struct {
	// Kind is one of http, postgres, noop. Empty means noop.
	Kind  string `yaml:"kind"`
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	DSN   string `yaml:"dsn"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Include  []string      `yaml:"include"`
	Ignore   []string      `yaml:"ignore"`
	Debounce time.Duration `yaml:"debounce"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Config struct {
	OwnerID   string          `yaml:"owner_id"`
	Project   ProjectConfig   `yaml:"project"`
	Listen    string          `yaml:"listen"`
	AuthToken string          `yaml:"auth_token"`
	Profile   string          `yaml:"profile"`
	DataDir   string          `yaml:"data_dir"`
	Publisher PublisherConfig `yaml:"publisher"`

	RetryQueueDSN string `yaml:"retry_queue_dsn"`
	StateDSN      string `yaml:"state_dsn"`
	ProductionDSN string `yaml:"production_dsn"`

	Concurrency       int           `yaml:"concurrency"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RetryCap          time.Duration `yaml:"retry_cap"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	GitCommit         bool          `yaml:"git_commit"`

	Watch WatchConfig `yaml:"watch"`
	Log   LogConfig   `yaml:"log"`
}

// DefaultPath honors CTXSYNC_CONFIG, falling back to the conventional
// per-user location.
func DefaultPath() string {
	if path := strings.TrimSpace(os.Getenv("CTXSYNC_CONFIG")); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "ctxsync", "config.yaml")
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. A missing file is not an error: the defaults
// plus environment still make a usable memory-profile config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Errorf("read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	stringEnv(&c.OwnerID, "CTXSYNC_OWNER_ID")
	stringEnv(&c.Project.ID, "CTXSYNC_PROJECT_ID")
	stringEnv(&c.Project.Root, "CTXSYNC_PROJECT_ROOT")
	stringEnv(&c.Listen, "CTXSYNC_LISTEN")
	stringEnv(&c.AuthToken, "CTXSYNC_AUTH_TOKEN")
	stringEnv(&c.Profile, "CTXSYNC_PROFILE")
	stringEnv(&c.DataDir, "CTXSYNC_DATA_DIR")
	stringEnv(&c.Publisher.Kind, "CTXSYNC_PUBLISHER_KIND")
	stringEnv(&c.Publisher.URL, "CTXSYNC_PUBLISHER_URL")
	stringEnv(&c.Publisher.Token, "CTXSYNC_PUBLISHER_TOKEN")
	stringEnv(&c.Publisher.DSN, "CTXSYNC_PUBLISHER_DSN")
	stringEnv(&c.RetryQueueDSN, "CTXSYNC_RETRY_QUEUE_DSN")
	stringEnv(&c.StateDSN, "CTXSYNC_STATE_DSN")
	stringEnv(&c.ProductionDSN, "CTXSYNC_PRODUCTION_DSN")
	stringEnv(&c.Watch.Dir, "CTXSYNC_WATCH_DIR")
	stringEnv(&c.Log.Level, "CTXSYNC_LOG_LEVEL")
	stringEnv(&c.Log.File, "CTXSYNC_LOG_FILE")

	if err := intEnv(&c.Concurrency, "CTXSYNC_CONCURRENCY"); err != nil {
		return err
	}
	if err := intEnv(&c.QueueCapacity, "CTXSYNC_QUEUE_CAPACITY"); err != nil {
		return err
	}
	if err := durationEnv(&c.PublishTimeout, "CTXSYNC_PUBLISH_TIMEOUT"); err != nil {
		return err
	}
	if err := durationEnv(&c.RetryBase, "CTXSYNC_RETRY_BASE"); err != nil {
		return err
	}
	if err := durationEnv(&c.RetryCap, "CTXSYNC_RETRY_CAP"); err != nil {
		return err
	}
	if err := durationEnv(&c.TickInterval, "CTXSYNC_TICK_INTERVAL"); err != nil {
		return err
	}
	if err := durationEnv(&c.ReconcileInterval, "CTXSYNC_RECONCILE_INTERVAL"); err != nil {
		return err
	}
	if err := boolEnv(&c.GitCommit, "CTXSYNC_GIT_COMMIT"); err != nil {
		return err
	}
	if err := boolEnv(&c.Watch.Enabled, "CTXSYNC_WATCH_ENABLED"); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = "127.0.0.1:8787"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = ".ctxsync"
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 20
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 14
	}
	if c.Watch.Enabled && strings.TrimSpace(c.Watch.Dir) == "" && strings.TrimSpace(c.Project.Root) != "" {
		c.Watch.Dir = filepath.Join(c.Project.Root, "dropbox")
	}
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Profile)) {
	case "", ProfileMemory, ProfileDurableLocal:
	case ProfileProduction:
		if strings.TrimSpace(c.ProductionDSN) == "" {
			return errors.Errorf("profile %s requires production_dsn", ProfileProduction)
		}
	default:
		return errors.Errorf("unsupported profile: %s", c.Profile)
	}

	switch strings.ToLower(strings.TrimSpace(c.Publisher.Kind)) {
	case "", "noop":
	case "http":
		if strings.TrimSpace(c.Publisher.URL) == "" {
			return errors.New("http publisher requires url")
		}
	case "postgres":
		if strings.TrimSpace(c.Publisher.DSN) == "" {
			return errors.New("postgres publisher requires dsn")
		}
	default:
		return errors.Errorf("unsupported publisher kind: %s", c.Publisher.Kind)
	}

	if c.Watch.Enabled && strings.TrimSpace(c.Watch.Dir) == "" {
		return errors.New("watch is enabled but no watch dir is configured")
	}
	return nil
}

// EffectiveStateDSN resolves the state backend DSN: an explicit value
// wins over the profile default.
func (c *Config) EffectiveStateDSN() string {
	if dsn := strings.TrimSpace(c.StateDSN); dsn != "" {
		return dsn
	}
	switch strings.ToLower(strings.TrimSpace(c.Profile)) {
	case ProfileMemory:
		return "memory://"
	case ProfileDurableLocal:
		return "file://" + filepath.Join(c.DataDir, "state.json")
	case ProfileProduction:
		return strings.TrimSpace(c.ProductionDSN)
	default:
		return ""
	}
}

// EffectiveRetryQueueDSN resolves the retry queue DSN. The durable
// local profile uses sqlite so restarts keep their backlog.
func (c *Config) EffectiveRetryQueueDSN() string {
	if dsn := strings.TrimSpace(c.RetryQueueDSN); dsn != "" {
		return dsn
	}
	switch strings.ToLower(strings.TrimSpace(c.Profile)) {
	case ProfileMemory:
		return "memory://"
	case ProfileDurableLocal:
		return "sqlite://" + filepath.Join(c.DataDir, "retry-queue.db")
	case ProfileProduction:
		return strings.TrimSpace(c.ProductionDSN)
	default:
		return ""
	}
}

func stringEnv(target *string, name string) {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		*target = value
	}
}

func intEnv(target *int, name string) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return errors.Errorf("invalid %s=%q: %w", name, raw, err)
	}
	*target = value
	return nil
}

func boolEnv(target *bool, name string) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return errors.Errorf("invalid %s=%q: %w", name, raw, err)
	}
	*target = value
	return nil
}

func durationEnv(target *time.Duration, name string) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Errorf("invalid %s=%q: %w", name, raw, err)
	}
	*target = value
	return nil
}
