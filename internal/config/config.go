// Package config provides configuration loading, validation, and defaults for
// population-tracker.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for population-tracker.
type Config struct {
	Log      LogConfig      `yaml:"log"      json:"log"`
	Server   ServerConfig   `yaml:"server"   json:"server"`
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`
	Loop     LoopConfig     `yaml:"loop"     json:"loop"`
	Store    StoreConfig    `yaml:"store"    json:"store"`
	Render   RenderConfig   `yaml:"render"   json:"render"`
	Publish  PublishConfig  `yaml:"publish"  json:"publish"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"  json:"level"  env:"PT_LOG_LEVEL"  validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	Format string `yaml:"format" json:"format" env:"PT_LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// ServerConfig holds HTTP server settings. An empty ListenAddress disables
// the server entirely.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address" json:"listen_address" env:"PT_SERVER_LISTEN_ADDRESS"`
	EnablePprof   bool          `yaml:"enable_pprof"   json:"enable_pprof"   env:"PT_ENABLE_PPROF"`
	Refresh       RefreshConfig `yaml:"refresh"        json:"refresh"`
}

// RefreshConfig holds settings for the POST /refresh wake-up endpoint.
type RefreshConfig struct {
	Enabled     bool   `yaml:"enabled"      json:"enabled"      env:"PT_REFRESH_ENABLED"`
	SecretToken string `yaml:"secret_token" json:"secret_token" env:"PT_REFRESH_SECRET_TOKEN"`
}

// UpstreamConfig describes the server-listing endpoint being sampled.
type UpstreamConfig struct {
	URL            string            `yaml:"url"             json:"url"             env:"PT_UPSTREAM_URL"             validate:"required,url"`
	TimeoutSeconds int               `yaml:"timeout_seconds" json:"timeout_seconds" env:"PT_UPSTREAM_TIMEOUT_SECONDS" validate:"min=1"`
	Headers        map[string]string `yaml:"headers"         json:"headers"         env:"PT_UPSTREAM_HEADERS"`
}

// Timeout returns the request timeout as a time.Duration.
func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoopConfig holds the controller's timing.
type LoopConfig struct {
	PollIntervalSeconds   int `yaml:"poll_interval_seconds"   json:"poll_interval_seconds"   env:"PT_POLL_INTERVAL_SECONDS"   validate:"min=1"`
	BackoffSeconds        int `yaml:"backoff_seconds"         json:"backoff_seconds"         env:"PT_BACKOFF_SECONDS"         validate:"min=1"`
	RenderTimeoutSeconds  int `yaml:"render_timeout_seconds"  json:"render_timeout_seconds"  env:"PT_RENDER_TIMEOUT_SECONDS"  validate:"min=1"`
	PublishTimeoutSeconds int `yaml:"publish_timeout_seconds" json:"publish_timeout_seconds" env:"PT_PUBLISH_TIMEOUT_SECONDS" validate:"min=1"`
}

// PollInterval returns the idle wait after a completed iteration.
func (c LoopConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Backoff returns the wait after a failed fetch.
func (c LoopConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffSeconds) * time.Second
}

// RenderTimeout bounds a single render.
func (c LoopConfig) RenderTimeout() time.Duration {
	return time.Duration(c.RenderTimeoutSeconds) * time.Second
}

// PublishTimeout bounds a single publish.
func (c LoopConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSeconds) * time.Second
}

// StoreConfig selects and configures the sample store.
type StoreConfig struct {
	Driver string      `yaml:"driver" json:"driver" env:"PT_STORE_DRIVER" validate:"required,oneof=sqlite redis memory"`
	Path   string      `yaml:"path"   json:"path"   env:"PT_DB_PATH"`
	Redis  RedisConfig `yaml:"redis"  json:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL       string `yaml:"url"        json:"url"        env:"PT_REDIS_URL"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"PT_REDIS_KEY_PREFIX"`
}

// RenderConfig holds chart settings.
type RenderConfig struct {
	ArtifactPath string  `yaml:"artifact_path" json:"artifact_path" env:"PT_ARTIFACT_PATH" validate:"required"`
	Title        string  `yaml:"title"         json:"title"         env:"PT_RENDER_TITLE"`
	WidthInches  float64 `yaml:"width_inches"  json:"width_inches"  env:"PT_RENDER_WIDTH_INCHES"  validate:"gt=0"`
	HeightInches float64 `yaml:"height_inches" json:"height_inches" env:"PT_RENDER_HEIGHT_INCHES" validate:"gt=0"`
	DPI          int     `yaml:"dpi"           json:"dpi"           env:"PT_RENDER_DPI"           validate:"min=1,max=1200"`
}

// PublishConfig selects and configures the publisher.
type PublishConfig struct {
	Driver             string        `yaml:"driver"               json:"driver"               env:"PT_PUBLISH_DRIVER"               validate:"required,oneof=git gitlab none"`
	MinIntervalSeconds int           `yaml:"min_interval_seconds" json:"min_interval_seconds" env:"PT_PUBLISH_MIN_INTERVAL_SECONDS" validate:"min=0"`
	Wrapper            WrapperConfig `yaml:"wrapper"              json:"wrapper"`
	Git                GitConfig     `yaml:"git"                  json:"git"`
	GitLab             GitLabConfig  `yaml:"gitlab"               json:"gitlab"`
}

// MinInterval returns the minimum spacing between publishes.
func (c PublishConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}

// WrapperConfig describes the auto-refreshing HTML page.
type WrapperConfig struct {
	Path           string `yaml:"path"            json:"path"            env:"PT_WRAPPER_PATH"            validate:"required"`
	Title          string `yaml:"title"           json:"title"           env:"PT_WRAPPER_TITLE"`
	RefreshSeconds int    `yaml:"refresh_seconds" json:"refresh_seconds" env:"PT_WRAPPER_REFRESH_SECONDS" validate:"min=1"`
}

// GitConfig configures the force-push publisher.
type GitConfig struct {
	RepoDir     string `yaml:"repo_dir"     json:"repo_dir"     env:"PT_GIT_REPO_DIR"`
	Remote      string `yaml:"remote"       json:"remote"       env:"PT_GIT_REMOTE"`
	Branch      string `yaml:"branch"       json:"branch"       env:"PT_GIT_BRANCH"`
	Pull        bool   `yaml:"pull"         json:"pull"         env:"PT_GIT_PULL"`
	Force       bool   `yaml:"force"        json:"force"        env:"PT_GIT_FORCE"`
	AuthorName  string `yaml:"author_name"  json:"author_name"  env:"PT_GIT_AUTHOR_NAME"`
	AuthorEmail string `yaml:"author_email" json:"author_email" env:"PT_GIT_AUTHOR_EMAIL" validate:"omitempty,email"`
}

// GitLabConfig configures the GitLab API publisher.
type GitLabConfig struct {
	URL        string `yaml:"url"         json:"url"         env:"PT_GITLAB_URL"         validate:"omitempty,url"`
	Token      string `yaml:"token"       json:"token"       env:"PT_GITLAB_TOKEN"`
	Project    string `yaml:"project"     json:"project"     env:"PT_GITLAB_PROJECT"`
	Branch     string `yaml:"branch"      json:"branch"      env:"PT_GITLAB_BRANCH"`
	UseGraphQL bool   `yaml:"use_graphql" json:"use_graphql" env:"PT_GITLAB_USE_GRAPHQL"`
}

// Load reads a YAML configuration file, applies defaults, applies environment
// variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	ApplyDefaults(cfg)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overwrites fields that carry an "env" tag when the corresponding
// environment variable is set. Unset variables leave the field untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment overrides: %w", err)
	}
	return nil
}

// redactString replaces a secret string with "****" if non-empty.
func redactString(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// Redacted returns a copy of the Config with sensitive fields masked.
func (c *Config) Redacted() Config {
	cp := *c
	cp.Publish.GitLab.Token = redactString(cp.Publish.GitLab.Token)
	cp.Server.Refresh.SecretToken = redactString(cp.Server.Refresh.SecretToken)
	cp.Store.Redis.URL = redactString(cp.Store.Redis.URL)
	return cp
}

// RedactedJSON returns the config as indented JSON with secrets masked.
func (c *Config) RedactedJSON() ([]byte, error) {
	redacted := c.Redacted()
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling redacted config: %w", err)
	}
	return data, nil
}
