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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfigYAML = `
gateway:
  host: "127.0.0.1"
  port: 8765

agent:
  token: "${TEST_AGENT_TOKEN}"

messenger:
  type: telegram
  telegram:
    token: "bot-token"
    chat_id: 42
    allowed_users: [1, 2]

services:
  homeassistant:
    url: "http://ha.local:8123"
    token: "ha-token"

storage:
  type: sqlite
  path: "test.db"
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Setenv("TEST_AGENT_TOKEN", "secret-token")

	cfg, err := Load(writeTemp(t, validConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "secret-token", cfg.Agent.Token)
	assert.Equal(t, 8765, cfg.Gateway.Port)
	assert.Equal(t, int64(42), cfg.Messenger.Telegram.ChatID)
	assert.Equal(t, []int64{1, 2}, cfg.Messenger.Telegram.AllowedUsers)

	// Defaults fill in.
	assert.Equal(t, 900, cfg.ApprovalTimeout)
	assert.Equal(t, 60, cfg.RateLimit.MaxRequestsPerMinute)
	assert.Equal(t, 10, cfg.RateLimit.MaxPendingApprovals)
}

func TestLoadUnsetEnvVarIsFatal(t *testing.T) {
	os.Unsetenv("TEST_AGENT_TOKEN")

	_, err := Load(writeTemp(t, validConfigYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_AGENT_TOKEN")

	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSubstituteEnvRetypesScalars(t *testing.T) {
	t.Setenv("TEST_PORT", "9000")
	t.Setenv("TEST_FLAG", "true")

	out, err := SubstituteEnv(map[string]any{
		"port": "${TEST_PORT}",
		"flag": "${TEST_FLAG}",
		"name": "plain",
	})
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, 9000, m["port"])
	assert.Equal(t, true, m["flag"])
	assert.Equal(t, "plain", m["name"])
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		return &Config{
			Gateway: GatewayConfig{Host: "127.0.0.1", Port: 8765},
			Agent:   AgentConfig{Token: "tok"},
			Messenger: MessengerConfig{Type: "telegram", Telegram: &TelegramConfig{
				Token: "t", ChatID: 1, AllowedUsers: []int64{1},
			}},
			Services: map[string]ServiceConfig{
				"homeassistant": {URL: "http://ha", Token: "ha"},
			},
			Storage:         StorageConfig{Type: "sqlite", Path: "x.db"},
			ApprovalTimeout: 900,
			RateLimit:       RateLimitConfig{MaxPendingApprovals: 10, MaxRequestsPerMinute: 60},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"missing host", func(c *Config) { c.Gateway.Host = "" }, "gateway.host"},
		{"bad port", func(c *Config) { c.Gateway.Port = 70000 }, "gateway.port"},
		{"tls without key", func(c *Config) { c.Gateway.TLS = &TLSConfig{Cert: "c"} }, "tls"},
		{"missing token", func(c *Config) { c.Agent.Token = "" }, "agent.token"},
		{"unknown messenger", func(c *Config) { c.Messenger.Type = "signal" }, "messenger"},
		{"empty allowed users", func(c *Config) { c.Messenger.Telegram.AllowedUsers = nil }, "allowed_users"},
		{"missing homeassistant", func(c *Config) { delete(c.Services, "homeassistant") }, "homeassistant"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "postgres" }, "storage"},
		{"zero timeout", func(c *Config) { c.ApprovalTimeout = 0 }, "approval_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}

	assert.NoError(t, base().Validate())
}

func TestLoadPermissions(t *testing.T) {
	perms, err := LoadPermissions(writeTemp(t, `
defaults:
  - pattern: "*"
    action: ask
rules:
  - pattern: "ha_call_service(lock.unlock*"
    action: deny
    description: "no unlocking"
  - pattern: "ha_get_state*"
    action: allow
`))
	require.NoError(t, err)
	assert.Len(t, perms.Rules, 2)
	assert.Len(t, perms.Defaults, 1)
	assert.Equal(t, "deny", perms.Rules[0].Action)
}

func TestLoadPermissionsRejectsBadAction(t *testing.T) {
	_, err := LoadPermissions(writeTemp(t, `
rules:
  - pattern: "x"
    action: maybe
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maybe")
}

func TestLoadPermissionsRejectsMalformedPattern(t *testing.T) {
	_, err := LoadPermissions(writeTemp(t, `
rules:
  - pattern: "ha_get_state(["
    action: deny
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed pattern")
}

func TestLoadPermissionsRejectsMissingPattern(t *testing.T) {
	_, err := LoadPermissions(writeTemp(t, `
rules:
  - action: deny
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing pattern")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		name      string
		pattern   string
		input     string
		wantMatch bool
	}{
		{"star crosses slashes", "file_read(*", "file_read(/etc/passwd)", true},
		{"star crosses everything", "*", "ha_call_service(light.turn_on, light.kitchen)", true},
		{"question mark single char", "ha_get_state(sensor.?)", "ha_get_state(sensor.a)", true},
		{"question mark not two chars", "ha_get_state(sensor.?)", "ha_get_state(sensor.ab)", false},
		{"class member", "ha_get_state(sensor.[ab]*", "ha_get_state(sensor.attic)", true},
		{"negated class", "ha_get_state(sensor.[!ab]*", "ha_get_state(sensor.attic)", false},
		{"anchored at both ends", "ha_get_state", "ha_get_states", false},
		{"literal dot not wildcard", "a.b", "axb", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			re, err := CompilePattern(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.wantMatch, re.MatchString(tt.input))
		})
	}
}

func TestCompilePatternRejectsUnterminatedClass(t *testing.T) {
	_, err := CompilePattern("ha_get_state([")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unterminated")
}
