package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"venturegate/internal/domain"
)

const FileName = "venturegate.yml"

// Config models venturegate.yml.
type Config struct {
	Service struct {
		ID       string `yaml:"id"`
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"service"`
	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		JWTIssuer string        `yaml:"jwt_issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`
	Webhook struct {
		Token        string `yaml:"token"`
		MaxBodyBytes int64  `yaml:"max_body_bytes"`
	} `yaml:"webhook"`
	Resume    ResumeConfig `yaml:"resume"`
	Approvals struct {
		DefaultTTL    time.Duration     `yaml:"default_ttl"`
		SweepInterval time.Duration     `yaml:"sweep_interval"`
		AutoApprove   []AutoApproveRule `yaml:"auto_approve"`
	} `yaml:"approvals"`
	Policy struct {
		File  string `yaml:"file"`
		Watch bool   `yaml:"watch"`
	} `yaml:"policy"`
	Notifications struct {
		Webhooks []EscalationHook `yaml:"webhooks"`
		Redis    struct {
			Addr    string `yaml:"addr"`
			Channel string `yaml:"channel"`
		} `yaml:"redis"`
	} `yaml:"notifications"`
	Telemetry struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"telemetry"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

// ResumeConfig describes the external engine's resume endpoint and retry budget.
type ResumeConfig struct {
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// AutoApproveRule resolves matching checkpoints without a human.
// Threshold bounds the checkpoint amount when positive.
type AutoApproveRule struct {
	Type      domain.ApprovalType `yaml:"type"`
	MaxRisk   domain.RiskLevel    `yaml:"max_risk"`
	Threshold float64             `yaml:"threshold"`
}

// EscalationHook receives audit events that need operator attention.
type EscalationHook struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Permissions known to the service.
var Permissions = []string{
	"venture.create",
	"state.edit",
	"gate.attempt",
	"gate.override",
	"phase.revert",
	"approval.resolve",
	"approval.override",
	"audit.read",
	"policy.import",
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with vg init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fmt.Errorf("config.service.id is required")
	}
	if c.Service.BasePath != "" && !strings.HasPrefix(c.Service.BasePath, "/") {
		return fmt.Errorf("config.service.base_path must start with /")
	}
	if c.Webhook.MaxBodyBytes < 0 {
		return fmt.Errorf("config.webhook.max_body_bytes must not be negative")
	}
	if c.Resume.URL != "" {
		if u, err := url.Parse(c.Resume.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.resume.url must be an absolute URL")
		}
	}
	if c.Resume.MaxAttempts < 0 {
		return fmt.Errorf("config.resume.max_attempts must not be negative")
	}
	if c.Resume.MaxInterval > 0 && c.Resume.InitialInterval > c.Resume.MaxInterval {
		return fmt.Errorf("config.resume.initial_interval exceeds max_interval")
	}
	if c.Approvals.DefaultTTL < 0 || c.Approvals.SweepInterval < 0 {
		return fmt.Errorf("config.approvals durations must not be negative")
	}
	for i, rule := range c.Approvals.AutoApprove {
		if _, err := domain.ParseApprovalType(string(rule.Type)); err != nil {
			return fmt.Errorf("config.approvals.auto_approve[%d]: %w", i, err)
		}
		if _, err := domain.ParseRiskLevel(string(rule.MaxRisk)); err != nil {
			return fmt.Errorf("config.approvals.auto_approve[%d]: %w", i, err)
		}
		if rule.Threshold < 0 {
			return fmt.Errorf("config.approvals.auto_approve[%d].threshold must not be negative", i)
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if hook.ID == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].id is required", i)
		}
		if u, err := url.Parse(hook.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("notification webhook %s: url must be absolute", hook.ID)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("notification webhook %s has empty event type", hook.ID)
			}
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
				if !knownPermission(perm) {
					return fmt.Errorf("role %s has unknown permission %s", roleID, perm)
				}
			}
		}
	}
	return nil
}

func knownPermission(p string) bool {
	for _, known := range Permissions {
		if known == p {
			return true
		}
	}
	return false
}

// WithDefaults fills unset operational values.
func (c *Config) WithDefaults() *Config {
	if c.Service.Addr == "" {
		c.Service.Addr = "127.0.0.1:8080"
	}
	if c.Service.BasePath == "" {
		c.Service.BasePath = "/v1"
	}
	if c.Auth.JWTIssuer == "" {
		c.Auth.JWTIssuer = "venturegate"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}
	if c.Resume.Timeout == 0 {
		c.Resume.Timeout = 10 * time.Second
	}
	if c.Resume.MaxAttempts == 0 {
		c.Resume.MaxAttempts = 6
	}
	if c.Resume.InitialInterval == 0 {
		c.Resume.InitialInterval = 500 * time.Millisecond
	}
	if c.Resume.MaxInterval == 0 {
		c.Resume.MaxInterval = 30 * time.Second
	}
	if c.Approvals.DefaultTTL == 0 {
		c.Approvals.DefaultTTL = 72 * time.Hour
	}
	if c.Approvals.SweepInterval == 0 {
		c.Approvals.SweepInterval = time.Minute
	}
	if c.Notifications.Redis.Channel == "" {
		c.Notifications.Redis.Channel = "venturegate.state"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "venturegate"
	}
	return c
}

// ApplyEnv overlays values bound in v (flags or VENTUREGATE_* variables). Secrets are expected here.
func (c *Config) ApplyEnv(v *viper.Viper) {
	if v == nil {
		return
	}
	if s := v.GetString("jwt_secret"); s != "" {
		c.Auth.JWTSecret = s
	}
	if s := v.GetString("webhook_token"); s != "" {
		c.Webhook.Token = s
	}
	if s := v.GetString("resume_url"); s != "" {
		c.Resume.URL = s
	}
	if s := v.GetString("resume_token"); s != "" {
		c.Resume.Token = s
	}
	if s := v.GetString("redis_addr"); s != "" {
		c.Notifications.Redis.Addr = s
	}
	if s := v.GetString("addr"); s != "" {
		c.Service.Addr = s
	}
	if v.IsSet("otel_enabled") {
		c.Telemetry.Enabled = v.GetBool("otel_enabled")
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceID string) string {
	return fmt.Sprintf(defaultTemplate, serviceID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a service.
func Default(serviceID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(serviceID)), &cfg)
	return cfg.WithDefaults()
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg.WithDefaults(), nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  id: %s
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_issuer: venturegate
  token_ttl: 12h

webhook:
  max_body_bytes: 1048576

resume:
  timeout: 10s
  max_attempts: 6
  initial_interval: 500ms
  max_interval: 30s

approvals:
  default_ttl: 72h
  sweep_interval: 1m
  auto_approve:
    - type: spend_increase
      max_risk: low
      threshold: 500

policy:
  file: gate-policy.yml
  watch: true

notifications:
  webhooks: []
  redis:
    channel: venturegate.state

telemetry:
  enabled: false
  service_name: venturegate

rbac:
  roles:
    owner:
      description: "Full control"
      permissions: [venture.create, state.edit, gate.attempt, gate.override, phase.revert, approval.resolve, approval.override, audit.read, policy.import]
    operator:
      description: "Runs validation and handles approvals"
      permissions: [venture.create, state.edit, gate.attempt, approval.resolve, audit.read]
    reviewer:
      description: "Read-only access to history"
      permissions: [audit.read]
`
