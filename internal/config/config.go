package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultTriggerLabel marks tickets for ingestion.
const DefaultTriggerLabel = "dispatch-bot"

// DefaultTTLMinutes is how long a job run may stay non-terminal before the
// agent reconciler forces it to failed_timeout.
const DefaultTTLMinutes = 120

type Config struct {
	Tracker TrackerConfig `yaml:"tracker" validate:"required"`
	Agent   AgentConfig   `yaml:"agent"`
	Bot     BotConfig     `yaml:"bot"`

	// DBPath overrides the default database location (~/.dispatch/dispatch.db).
	DBPath string `yaml:"db_path"`

	// Repositories lists the pre-configured target repositories (org/repo).
	// Targets outside this list must carry an inline ref to pass validation.
	Repositories []string `yaml:"repositories"`
}

type TrackerConfig struct {
	BaseURL  string   `yaml:"base_url" validate:"required,url"`
	Email    string   `yaml:"email"`
	APIToken string   `yaml:"api_token" validate:"required"`
	Projects []string `yaml:"projects" validate:"required,min=1"`
}

type AgentConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
}

type BotConfig struct {
	TriggerLabel string `yaml:"trigger_label"`
	TTLMinutes   int    `yaml:"ttl_minutes" validate:"gte=0"`
	AutoCreatePR *bool  `yaml:"auto_create_pr"`
}

// TTL returns the configured job-run TTL as a duration.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.Bot.TTLMinutes) * time.Minute
}

// AutoCreatePR reports whether launched agents should open a PR themselves.
// Defaults to true when unset.
func (c *Config) AutoCreatePR() bool {
	if c.Bot.AutoCreatePR == nil {
		return true
	}
	return *c.Bot.AutoCreatePR
}

// DefaultPath returns the default config location (~/.dispatch/dispatch.yaml).
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dispatch", "dispatch.yaml")
}

// Load reads and parses the config file at path, applies env overrides and
// defaults, and returns the result. Call Validate before using it to drive a
// scheduled invocation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// Resolve loads the explicit path if given, falling back to the default
// location.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	return Load(DefaultPath())
}

// applyEnv applies environment overrides. Tokens and endpoints are the usual
// things that differ between the cron environment and a developer machine.
func (c *Config) applyEnv() {
	if v := os.Getenv("DISPATCH_TRACKER_URL"); v != "" {
		c.Tracker.BaseURL = v
	}
	if v := os.Getenv("DISPATCH_TRACKER_TOKEN"); v != "" {
		c.Tracker.APIToken = v
	}
	if v := os.Getenv("DISPATCH_AGENT_URL"); v != "" {
		c.Agent.BaseURL = v
	}
	if v := os.Getenv("DISPATCH_DB_PATH"); v != "" {
		c.DBPath = v
	}
}

func (c *Config) applyDefaults() {
	if c.Bot.TriggerLabel == "" {
		c.Bot.TriggerLabel = DefaultTriggerLabel
	}
	if c.Bot.TTLMinutes == 0 {
		c.Bot.TTLMinutes = DefaultTTLMinutes
	}
}

// Validate checks the config for required fields and consistency. Returns a
// list of issues found (empty if valid). A non-empty list aborts a scheduled
// invocation before any store connection is made.
func (c *Config) Validate() []string {
	var issues []string

	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, ve := range verrs {
				issues = append(issues, fmt.Sprintf("%s: failed %q validation", ve.Namespace(), ve.Tag()))
			}
		} else {
			issues = append(issues, err.Error())
		}
	}

	if c.Bot.TriggerLabel == "" {
		issues = append(issues, "bot.trigger_label must not be empty")
	}
	return issues
}
