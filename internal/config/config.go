package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace directory.
const FileName = "escalator.yml"

// Config models escalator.yml.
type Config struct {
	Engine struct {
		ClosedStatuses []string    `yaml:"closed_statuses"`
		Retry          RetryConfig `yaml:"retry"`
	} `yaml:"engine"`
	Scanner struct {
		Enabled  bool     `yaml:"enabled"`
		Interval Duration `yaml:"interval"`
		Cooldown Duration `yaml:"cooldown"`
		Workers  int      `yaml:"workers"`
	} `yaml:"scanner"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Locks         struct {
		Backend string      `yaml:"backend"`
		TTL     Duration    `yaml:"ttl"`
		Redis   RedisConfig `yaml:"redis"`
	} `yaml:"locks"`
	Server struct {
		Addr         string `yaml:"addr"`
		BasePath     string `yaml:"base_path"`
		JWTSecretEnv string `yaml:"jwt_secret_env"`
		// AllowActorHeader accepts X-Actor-Id without a token, for local use.
		AllowActorHeader bool `yaml:"allow_actor_header"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Tracing struct {
		Exporter string `yaml:"exporter"`
	} `yaml:"tracing"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type RetryConfig struct {
	Attempts  int      `yaml:"attempts"`
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

type NotificationsConfig struct {
	QueueSize int             `yaml:"queue_size"`
	Workers   int             `yaml:"workers"`
	Log       bool            `yaml:"log"`
	Retry     RetryConfig     `yaml:"retry"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type BreakerConfig struct {
	MaxFailures uint32   `yaml:"max_failures"`
	OpenTimeout Duration `yaml:"open_timeout"`
}

// WebhookConfig is one notification sink. A webhook with no channels receives
// every notification.
type WebhookConfig struct {
	Name          string   `yaml:"name"`
	URL           string   `yaml:"url"`
	Secret        string   `yaml:"secret,omitempty"`
	Channels      []string `yaml:"channels,omitempty"`
	Timeout       Duration `yaml:"timeout,omitempty"`
	RatePerSecond float64  `yaml:"rate_per_second,omitempty"`
	Burst         int      `yaml:"burst,omitempty"`
	Enabled       *bool    `yaml:"enabled,omitempty"`
}

func (w WebhookConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// RBACRole grants permissions to actors holding the role in a workspace.
type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Duration is a time.Duration written as "90s" or "5m" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", n.Line, s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with esc config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Engine.ClosedStatuses) == 0 {
		return fmt.Errorf("config.engine.closed_statuses is required")
	}
	for _, s := range c.Engine.ClosedStatuses {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("config.engine.closed_statuses contains an empty status")
		}
	}
	if err := c.Engine.Retry.validate("config.engine.retry"); err != nil {
		return err
	}
	if c.Scanner.Interval <= 0 {
		return fmt.Errorf("config.scanner.interval must be positive")
	}
	if c.Scanner.Cooldown < 0 {
		return fmt.Errorf("config.scanner.cooldown must not be negative")
	}
	if c.Scanner.Workers < 1 {
		return fmt.Errorf("config.scanner.workers must be >= 1")
	}

	n := c.Notifications
	if n.QueueSize < 1 || n.Workers < 1 {
		return fmt.Errorf("config.notifications.queue_size and workers must be >= 1")
	}
	if err := n.Retry.validate("config.notifications.retry"); err != nil {
		return err
	}
	names := map[string]bool{}
	for i, hook := range n.Webhooks {
		if strings.TrimSpace(hook.Name) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].name is required", i)
		}
		if names[hook.Name] {
			return fmt.Errorf("duplicate webhook name %s", hook.Name)
		}
		names[hook.Name] = true
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook %s has invalid url %q", hook.Name, hook.URL)
		}
		if hook.RatePerSecond < 0 || hook.Burst < 0 || hook.Timeout < 0 {
			return fmt.Errorf("webhook %s has negative timeout or rate", hook.Name)
		}
	}

	switch c.Locks.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Locks.Redis.Addr) == "" {
			return fmt.Errorf("config.locks.redis.addr is required for the redis backend")
		}
		if c.Locks.TTL <= 0 {
			return fmt.Errorf("config.locks.ttl must be positive")
		}
	default:
		return fmt.Errorf("config.locks.backend must be 'memory' or 'redis'")
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be 'json' or 'console'")
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("config.tracing.exporter must be 'none' or 'stdout'")
	}

	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

func (r RetryConfig) validate(field string) error {
	if r.Attempts < 1 {
		return fmt.Errorf("%s.attempts must be >= 1", field)
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		return fmt.Errorf("%s delays must not be negative", field)
	}
	return nil
}

// RolePermissions maps each configured role to its permissions.
func (c *Config) RolePermissions() map[string][]string {
	out := make(map[string][]string, len(c.RBAC.Roles))
	for id, role := range c.RBAC.Roles {
		out[id] = append([]string(nil), role.Permissions...)
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config over the defaults and validates the result, so a
// file only needs the keys it changes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the effective config.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const defaultTemplate = `engine:
  closed_statuses: [DONE, CLOSED, CANCELED, APPROVED, REJECTED]
  retry:
    attempts: 3
    base_delay: 50ms
    max_delay: 1s

scanner:
  enabled: true
  interval: 5m
  cooldown: 1h
  workers: 4

notifications:
  queue_size: 256
  workers: 2
  log: true
  retry:
    attempts: 3
    base_delay: 200ms
    max_delay: 5s
  breaker:
    max_failures: 5
    open_timeout: 30s
  webhooks: []

locks:
  backend: memory
  ttl: 30s
  redis:
    addr: ""
    db: 0

server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret_env: ESCALATOR_JWT_SECRET
  allow_actor_header: false

log:
  level: info
  format: json

tracing:
  exporter: none

rbac:
  roles:
    admin:
      description: "Full control of a workspace"
      permissions: [workspaces:write, rules:read, rules:write, items:read, items:write, events:ingest, activity:read, states:read, states:reset, scan:run]
    lead:
      description: "Workspace lead, receives escalations"
      permissions: [rules:read, rules:write, items:read, items:write, events:ingest, activity:read, states:read, states:reset]
    member:
      description: "Works items in the workspace"
      permissions: [rules:read, items:read, items:write, events:ingest, activity:read, states:read]
    viewer:
      description: "Read-only access"
      permissions: [rules:read, items:read, activity:read, states:read]
`
