package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	GitHub        GitHubConfig        `mapstructure:"github"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Scaling       ScalingConfig       `mapstructure:"scaling"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Provider      ProviderConfig      `mapstructure:"provider"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Store         StoreConfig         `mapstructure:"store"`
	DryRun        bool                `mapstructure:"dry_run"`
	LogLevel      string              `mapstructure:"log_level"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
	EnableAuth   bool          `mapstructure:"enable_auth"`
}

type GitHubConfig struct {
	AppID                  int64         `mapstructure:"app_id"`
	AppPrivateKeyParameter string        `mapstructure:"app_private_key_parameter"`
	WebhookSecretParameter string        `mapstructure:"webhook_secret_parameter"`
	EnterpriseURL          string        `mapstructure:"enterprise_url"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
}

// APIURL returns the REST endpoint, "" meaning api.github.com
func (g GitHubConfig) APIURL() string {
	if g.EnterpriseURL == "" {
		return ""
	}
	return strings.TrimSuffix(g.EnterpriseURL, "/") + "/api/v3"
}

// WebURL is the base runners register against
func (g GitHubConfig) WebURL() string {
	if g.EnterpriseURL == "" {
		return "https://github.com"
	}
	return strings.TrimSuffix(g.EnterpriseURL, "/")
}

type WebhookConfig struct {
	Path                string   `mapstructure:"path"`
	RepositoryAllowList []string `mapstructure:"repository_allow_list"`
	RunnerLabels        []string `mapstructure:"runner_labels"`
	DisableLabelCheck   bool     `mapstructure:"disable_label_check"`
	MaxBodyBytes        int64    `mapstructure:"max_body_bytes"`
}

type ScalingConfig struct {
	EnableOrganizationRunners bool     `mapstructure:"enable_organization_runners"`
	MinRunners                int      `mapstructure:"min_runners"`
	MaxRunners                int      `mapstructure:"max_runners"`
	RunnerExtraLabels         string   `mapstructure:"runner_extra_labels"`
	RunnerGroup               string   `mapstructure:"runner_group"`
	Environment               string   `mapstructure:"environment"`
	LaunchTemplates           []string `mapstructure:"launch_templates"`
}

type QueueConfig struct {
	URL               string        `mapstructure:"url"`
	FIFO              bool          `mapstructure:"fifo"`
	DelaySeconds      int32         `mapstructure:"delay_seconds"`
	MaxMessages       int32         `mapstructure:"max_messages"`
	WaitTime          time.Duration `mapstructure:"wait_time"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	Concurrency       int           `mapstructure:"concurrency"`
}

type ProviderConfig struct {
	Type           string        `mapstructure:"type"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Docker         DockerConfig  `mapstructure:"docker"`
	AWS            AWSConfig     `mapstructure:"aws"`
}

type DockerConfig struct {
	Host          string            `mapstructure:"host"`
	RunnerWorkDir string            `mapstructure:"runner_work_dir"`
	Network       string            `mapstructure:"network"`
	CPULimit      float64           `mapstructure:"cpu_limit"`
	MemoryLimit   int64             `mapstructure:"memory_limit"`
	Labels        map[string]string `mapstructure:"labels"`
	Volumes       []string          `mapstructure:"volumes"`
	PullPolicy    string            `mapstructure:"pull_policy"`
}

type AWSConfig struct {
	Region    string            `mapstructure:"region"`
	SubnetIDs []string          `mapstructure:"subnet_ids"`
	Tags      map[string]string `mapstructure:"tags"`
}

type ObservabilityConfig struct {
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPath     string `mapstructure:"metrics_path"`
	HealthCheckPath string `mapstructure:"health_check_path"`
	ReadinessPath   string `mapstructure:"readiness_path"`
}

type StoreConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	MaxEvents int    `mapstructure:"max_events"`
}

// Load reads configuration from environment variables and optional config file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// RUNWAY_SCALING_MAX_RUNNERS overrides scaling.max_runners
	v.SetEnvPrefix("RUNWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		stringToListHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.enable_auth", false)
	v.SetDefault("server.api_key", "")

	// GitHub defaults
	v.SetDefault("github.app_id", 0)
	v.SetDefault("github.app_private_key_parameter", "")
	v.SetDefault("github.webhook_secret_parameter", "")
	v.SetDefault("github.enterprise_url", "")
	v.SetDefault("github.request_timeout", 10*time.Second)

	// Webhook defaults
	v.SetDefault("webhook.path", "/webhook")
	v.SetDefault("webhook.repository_allow_list", []string{})
	v.SetDefault("webhook.runner_labels", []string{})
	v.SetDefault("webhook.disable_label_check", false)
	v.SetDefault("webhook.max_body_bytes", 1<<20)

	// Scaling defaults
	v.SetDefault("scaling.enable_organization_runners", true)
	v.SetDefault("scaling.min_runners", 1)
	v.SetDefault("scaling.max_runners", 3)
	v.SetDefault("scaling.runner_extra_labels", "")
	v.SetDefault("scaling.runner_group", "")
	v.SetDefault("scaling.environment", "")
	v.SetDefault("scaling.launch_templates", []string{})

	// Queue defaults
	v.SetDefault("queue.url", "")
	v.SetDefault("queue.fifo", false)
	v.SetDefault("queue.delay_seconds", 0)
	v.SetDefault("queue.max_messages", 10)
	v.SetDefault("queue.wait_time", 20*time.Second)
	v.SetDefault("queue.visibility_timeout", 5*time.Minute)
	v.SetDefault("queue.concurrency", 4)

	// Provider defaults
	v.SetDefault("provider.type", "ec2")
	v.SetDefault("provider.request_timeout", 60*time.Second)
	v.SetDefault("provider.docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("provider.docker.runner_work_dir", "/runner/_work")
	v.SetDefault("provider.docker.network", "bridge")
	v.SetDefault("provider.docker.cpu_limit", 1.0)
	v.SetDefault("provider.docker.memory_limit", 2147483648) // 2GB
	v.SetDefault("provider.docker.pull_policy", "if-not-present")
	v.SetDefault("provider.aws.region", "us-east-1")
	v.SetDefault("provider.aws.subnet_ids", []string{})

	// Observability defaults
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.metrics_path", "/metrics")
	v.SetDefault("observability.health_check_path", "/health")
	v.SetDefault("observability.readiness_path", "/ready")

	// Store defaults
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.path", "/tmp/runway-decisions.json")
	v.SetDefault("store.max_events", 1000)

	// General defaults
	v.SetDefault("dry_run", false)
	v.SetDefault("log_level", "info")
}

// stringToListHook decodes list settings given as a single string, either a
// JSON array ('["a","b"]') or a comma-separated list ("a,b").
func stringToListHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}
		return ParseList(data.(string))
	}
}

// ParseList splits a JSON array or comma-separated string into its items
func ParseList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}, nil
	}

	if strings.HasPrefix(raw, "[") {
		var items []string
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("invalid list %q: %w", raw, err)
		}
		return items, nil
	}

	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items, nil
}

// Validate checks the settings used by both binaries. Queue and GitHub App
// requirements differ per binary and are checked by ValidateWebhook and
// ValidateScaleUp.
func (c *Config) Validate() error {
	// Scaling validation
	if c.Scaling.MaxRunners <= 0 {
		return fmt.Errorf("scaling.max_runners must be > 0")
	}
	if c.Scaling.MinRunners < 0 {
		return fmt.Errorf("scaling.min_runners must be >= 0")
	}
	if c.Scaling.MaxRunners < c.Scaling.MinRunners {
		return fmt.Errorf("scaling.max_runners must be >= scaling.min_runners")
	}

	if c.GitHub.RequestTimeout <= 0 {
		return fmt.Errorf("github.request_timeout must be > 0")
	}

	// Provider validation
	if c.Provider.Type != "docker" && c.Provider.Type != "ec2" {
		return fmt.Errorf("provider.type must be either 'docker' or 'ec2'")
	}
	if c.Provider.RequestTimeout <= 0 {
		return fmt.Errorf("provider.request_timeout must be > 0")
	}

	if c.Provider.Type == "ec2" && c.Provider.AWS.Region == "" {
		return fmt.Errorf("provider.aws.region is required when using ec2 provider")
	}

	// Server validation
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.EnableAuth && c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required when server.enable_auth is true")
	}

	if c.Queue.MaxMessages < 1 || c.Queue.MaxMessages > 10 {
		return fmt.Errorf("queue.max_messages must be between 1 and 10")
	}
	if c.Queue.DelaySeconds < 0 || c.Queue.DelaySeconds > 900 {
		return fmt.Errorf("queue.delay_seconds must be between 0 and 900")
	}

	return nil
}

// ValidateWebhook checks the settings the ingestion binary needs
func (c *Config) ValidateWebhook() error {
	if c.GitHub.WebhookSecretParameter == "" {
		return fmt.Errorf("github.webhook_secret_parameter is required")
	}
	if c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required")
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with '/'")
	}
	return nil
}

// ValidateScaleUp checks the settings the scale-up consumer needs
func (c *Config) ValidateScaleUp() error {
	if c.GitHub.AppID <= 0 {
		return fmt.Errorf("github.app_id is required")
	}
	if c.GitHub.AppPrivateKeyParameter == "" {
		return fmt.Errorf("github.app_private_key_parameter is required")
	}
	if c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be >= 1")
	}
	if len(c.Scaling.LaunchTemplates) == 0 {
		return fmt.Errorf("scaling.launch_templates must name at least one template")
	}
	for _, name := range c.Scaling.LaunchTemplates {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("scaling.launch_templates contains an empty name")
		}
	}
	if c.Provider.Type == "ec2" && len(c.Provider.AWS.SubnetIDs) == 0 {
		return fmt.Errorf("provider.aws.subnet_ids is required when using ec2 provider")
	}
	return nil
}
