package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/waabox/changegate/internal/policy"
)

// ServiceNowConfig holds the connection to the change-management instance.
type ServiceNowConfig struct {
	URL             string        `toml:"url"`
	ToolID          string        `toml:"tool_id"`
	ClientID        string        `toml:"client_id"`
	ClientSecret    string        `toml:"client_secret"`
	Token           string        `toml:"token"`
	RefreshToken    string        `toml:"refresh_token"`
	Timeout         time.Duration `toml:"timeout"`
	RateLimit       float64       `toml:"rate_limit"`
	BreakerFailures uint32        `toml:"breaker_failures"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Listen string `toml:"listen"`
	// CallbackURL is the public URL of POST /callback sent to the change system.
	CallbackURL string `toml:"callback_url"`
}

// OrchestratorConfig holds the connection to the build orchestrator.
type OrchestratorConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// StoreConfig locates the wait store.
type StoreConfig struct {
	Path     string `toml:"path"`
	InMemory bool   `toml:"in_memory"`
}

// GatingConfig holds the policy defaults applied to every governed unit.
type GatingConfig struct {
	PollInterval    time.Duration `toml:"poll_interval"`
	CreationTimeout time.Duration `toml:"creation_timeout"`
	StepTimeout     time.Duration `toml:"step_timeout"`
	TimeoutAction   string        `toml:"timeout_action"`
	TolerateErrors  bool          `toml:"tolerate_errors"`
	TrackJobs       bool          `toml:"track_jobs"`
}

// LogConfig selects the process logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config holds all changegate configuration.
type Config struct {
	ServiceNow   ServiceNowConfig   `toml:"servicenow"`
	Server       ServerConfig       `toml:"server"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Store        StoreConfig        `toml:"store"`
	Gating       GatingConfig       `toml:"gating"`
	Log          LogConfig          `toml:"log"`
	PolicyFile   string             `toml:"policy_file"`
}

const (
	defaultListen       = ":8080"
	defaultPollInterval = time.Minute
)

// ListenOrDefault returns Server.Listen if set, otherwise defaultListen.
func (c Config) ListenOrDefault() string {
	if c.Server.Listen != "" {
		return c.Server.Listen
	}
	return defaultListen
}

// StorePathOrDefault returns Store.Path if set, otherwise a directory next
// to the default config file.
func (c Config) StorePathOrDefault() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(filepath.Dir(DefaultConfigPath()), "waits")
}

// DefaultPolicy returns the gating policy applied when no rule matches.
// A zero poll interval falls back to one minute; a negative one disables
// polling.
func (c Config) DefaultPolicy() policy.Policy {
	poll := c.Gating.PollInterval
	if poll == 0 {
		poll = defaultPollInterval
	}
	action := policy.Action(c.Gating.TimeoutAction)
	if action != policy.ActionContinue {
		action = policy.ActionAbort
	}
	return policy.Policy{
		Track:           c.Gating.TrackJobs,
		TolerateErrors:  c.Gating.TolerateErrors,
		PollInterval:    poll,
		CreationTimeout: c.Gating.CreationTimeout,
		StepTimeout:     c.Gating.StepTimeout,
		TimeoutAction:   action,
	}
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	if c.ServiceNow.URL == "" {
		return fmt.Errorf("servicenow.url is required")
	}
	if c.Server.CallbackURL == "" {
		return fmt.Errorf("server.callback_url is required")
	}
	if c.Orchestrator.URL == "" {
		return fmt.Errorf("orchestrator.url is required")
	}
	switch c.Gating.TimeoutAction {
	case "", string(policy.ActionAbort), string(policy.ActionContinue):
	default:
		return fmt.Errorf("gating.timeout_action must be abort or continue, got %q", c.Gating.TimeoutAction)
	}
	return nil
}

// LoadFrom reads configuration from the given TOML file path.
// If the file does not exist, it returns an empty config without error.
// Environment variables always take precedence over file values:
//   - CHANGEGATE_SN_URL       overrides servicenow.url
//   - CHANGEGATE_SN_TOKEN     overrides servicenow.token
//   - CHANGEGATE_CALLBACK_URL overrides server.callback_url
//   - CHANGEGATE_LISTEN       overrides server.listen
func LoadFrom(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// DefaultConfigPath returns the default path for the changegate config file.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return home + "/.config/changegate/config.toml"
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHANGEGATE_SN_URL"); v != "" {
		cfg.ServiceNow.URL = v
	}
	if v := os.Getenv("CHANGEGATE_SN_TOKEN"); v != "" {
		cfg.ServiceNow.Token = v
	}
	if v := os.Getenv("CHANGEGATE_CALLBACK_URL"); v != "" {
		cfg.Server.CallbackURL = v
	}
	if v := os.Getenv("CHANGEGATE_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
}

// Save writes cfg to the given TOML file path, creating parent directories as needed.
// Existing file contents are overwritten. Permissions on the written file are 0600.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	if encErr := toml.NewEncoder(f).Encode(cfg); encErr != nil {
		f.Close()
		return encErr
	}
	return f.Close()
}
