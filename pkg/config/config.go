// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigError marks fatal configuration problems. The process refuses to
// start when one is returned.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

func configErrorf(format string, args ...any) error {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// TLSConfig holds the certificate material for the WebSocket listener.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// GatewayConfig is the transport binding of the agent-facing server.
type GatewayConfig struct {
	Host string     `yaml:"host"`
	Port int        `yaml:"port"`
	TLS  *TLSConfig `yaml:"tls,omitempty"`
}

// AgentConfig carries the bearer token agents authenticate with.
type AgentConfig struct {
	Token string `yaml:"token"`
}

// TelegramConfig configures the Telegram guardian bot.
type TelegramConfig struct {
	Token        string  `yaml:"token"`
	ChatID       int64   `yaml:"chat_id"`
	AllowedUsers []int64 `yaml:"allowed_users"`
}

// MessengerConfig selects and configures the out-of-band approval channel.
type MessengerConfig struct {
	Type     string          `yaml:"type"`
	Telegram *TelegramConfig `yaml:"telegram,omitempty"`
}

// ServiceConfig is the endpoint + credential pair for a downstream service.
type ServiceConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// StorageConfig locates the durable store.
type StorageConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// RateLimitConfig carries the two independent rate-limit knobs.
type RateLimitConfig struct {
	MaxPendingApprovals  int `yaml:"max_pending_approvals"`
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
}

// SetDefaults fills in the documented defaults for unset knobs.
func (c *RateLimitConfig) SetDefaults() {
	if c.MaxPendingApprovals == 0 {
		c.MaxPendingApprovals = 10
	}
	if c.MaxRequestsPerMinute == 0 {
		c.MaxRequestsPerMinute = 60
	}
}

// MetricsConfig enables the optional Prometheus listener.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Config is the complete runtime configuration, loaded once at startup.
// Hot reload is not supported.
type Config struct {
	Gateway         GatewayConfig            `yaml:"gateway"`
	Agent           AgentConfig              `yaml:"agent"`
	Messenger       MessengerConfig          `yaml:"messenger"`
	Services        map[string]ServiceConfig `yaml:"services"`
	Storage         StorageConfig            `yaml:"storage"`
	ApprovalTimeout int                      `yaml:"approval_timeout"`
	RateLimit       RateLimitConfig          `yaml:"rate_limit"`
	Metrics         MetricsConfig            `yaml:"metrics,omitempty"`
}

// SetDefaults implements defaulting for optional sections.
func (c *Config) SetDefaults() {
	if c.ApprovalTimeout == 0 {
		c.ApprovalTimeout = 900
	}
	c.RateLimit.SetDefaults()
	if c.Services == nil {
		c.Services = make(map[string]ServiceConfig)
	}
}

// Validate checks the loaded configuration for completeness.
func (c *Config) Validate() error {
	if c.Gateway.Host == "" {
		return configErrorf("missing required config: gateway.host")
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return configErrorf("gateway.port must be in 1..65535, got %d", c.Gateway.Port)
	}
	if c.Gateway.TLS != nil {
		if c.Gateway.TLS.Cert == "" || c.Gateway.TLS.Key == "" {
			return configErrorf("gateway.tls requires both cert and key")
		}
	}
	if c.Agent.Token == "" {
		return configErrorf("missing required config: agent.token")
	}

	switch c.Messenger.Type {
	case "telegram":
		tg := c.Messenger.Telegram
		if tg == nil {
			return configErrorf("missing required config: messenger.telegram")
		}
		if tg.Token == "" {
			return configErrorf("missing required config: messenger.telegram.token")
		}
		if tg.ChatID == 0 {
			return configErrorf("missing required config: messenger.telegram.chat_id")
		}
		if len(tg.AllowedUsers) == 0 {
			return configErrorf("messenger.telegram.allowed_users must be a non-empty list")
		}
	default:
		return configErrorf("unsupported messenger type: %q (only 'telegram' is supported)", c.Messenger.Type)
	}

	if _, ok := c.Services["homeassistant"]; !ok {
		return configErrorf("missing required config: services.homeassistant")
	}
	for name, svc := range c.Services {
		if svc.URL == "" {
			return configErrorf("missing required config: services.%s.url", name)
		}
		if svc.Token == "" {
			return configErrorf("missing required config: services.%s.token", name)
		}
	}

	if c.Storage.Type != "sqlite" {
		return configErrorf("unsupported storage type: %q (only 'sqlite' is supported)", c.Storage.Type)
	}
	if c.Storage.Path == "" {
		return configErrorf("missing required config: storage.path")
	}

	if c.ApprovalTimeout <= 0 {
		return configErrorf("approval_timeout must be a positive integer, got %d", c.ApprovalTimeout)
	}
	if c.RateLimit.MaxPendingApprovals <= 0 {
		return configErrorf("rate_limit.max_pending_approvals must be positive")
	}
	if c.RateLimit.MaxRequestsPerMinute <= 0 {
		return configErrorf("rate_limit.max_requests_per_minute must be positive")
	}
	return nil
}

// decodeYAML parses raw YAML, applies env substitution, and re-decodes the
// substituted tree into out. Substitution runs on the generic tree so every
// string leaf is covered before schema validation sees it.
func decodeYAML(raw []byte, out any) error {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return configErrorf("invalid YAML: %v", err)
	}
	tree, err := SubstituteEnv(tree)
	if err != nil {
		return err
	}
	substituted, err := yaml.Marshal(tree)
	if err != nil {
		return configErrorf("failed to re-encode config: %v", err)
	}
	if err := yaml.Unmarshal(substituted, out); err != nil {
		return configErrorf("invalid config structure: %v", err)
	}
	return nil
}

// Load reads, substitutes, defaults, and validates the runtime config.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("config file not found: %s", path)
	}

	var cfg Config
	if err := decodeYAML(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
