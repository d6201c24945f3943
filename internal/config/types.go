package config

import "time"

// Config represents the complete tryextender configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	State    StateConfig    `yaml:"state"`
	API      APIConfig      `yaml:"api,omitempty"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	BuildAPI BuildAPIConfig `yaml:"buildapi"`
	Trigger  TriggerConfig  `yaml:"trigger"`
	Publish  PublishConfig  `yaml:"publish"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// CatalogConfig locates the builder catalog and the try-pool naming rules.
// Exactly one of Path and URL is set.
type CatalogConfig struct {
	Path             string        `yaml:"path,omitempty"`
	URL              string        `yaml:"url,omitempty"`
	Timeout          time.Duration `yaml:"timeout"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	Jitter           time.Duration `yaml:"jitter"`
	RepoMarkers      []string      `yaml:"repo_markers"`
	ExclusionMarkers []string      `yaml:"exclusion_markers"`
	// Webhook reloads the catalog on signed push notifications. Mounted on
	// the API server when Path is set.
	Webhook CatalogWebhookConfig `yaml:"webhook,omitempty"`
}

// CatalogWebhookConfig defines the HMAC-signed catalog reload hook.
type CatalogWebhookConfig struct {
	Path            string `yaml:"path,omitempty"`
	Secret          string `yaml:"secret,omitempty"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	MaxBodySize     string `yaml:"max_body_size,omitempty"`
}

// BuildAPIConfig defines the build-status service connection.
type BuildAPIConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Branch   string        `yaml:"branch"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// TriggerConfig defines trigger dispatch behaviour.
type TriggerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	LogRetention time.Duration `yaml:"log_retention"`
}

// PublishConfig defines where classified reports go.
type PublishConfig struct {
	File  string      `yaml:"file"`
	Kafka KafkaConfig `yaml:"kafka,omitempty"`
}

// KafkaConfig enables the broker sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "tryextender",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Catalog: CatalogConfig{
			Timeout:          30 * time.Second,
			RefreshInterval:  15 * time.Minute,
			Jitter:           30 * time.Second,
			RepoMarkers:      []string{" try ", "_try_"},
			ExclusionMarkers: []string{"hg bundle", "pgo"},
		},
		BuildAPI: BuildAPIConfig{
			BaseURL: "https://secure.pub.build.mozilla.org/buildapi",
			Branch:  "try",
			Timeout: 30 * time.Second,
		},
		Trigger: TriggerConfig{
			PollInterval: 5 * time.Second,
			MaxAttempts:  4,
			BackoffBase:  30 * time.Second,
			LogRetention: 30 * 24 * time.Hour,
		},
		Publish: PublishConfig{
			File: "try_graph.json",
		},
	}
}
