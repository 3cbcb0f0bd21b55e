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

import "os"

// PermissionRule is one pattern → action entry of the policy document.
type PermissionRule struct {
	Pattern     string `yaml:"pattern"`
	Action      string `yaml:"action"`
	Description string `yaml:"description,omitempty"`
}

// Permissions is the declarative policy: ordered defaults (first match wins)
// and ordered rules (evaluated deny → allow → ask).
type Permissions struct {
	Defaults []PermissionRule `yaml:"defaults"`
	Rules    []PermissionRule `yaml:"rules"`
}

var validActions = map[string]struct{}{
	"allow": {},
	"deny":  {},
	"ask":   {},
}

func validateRules(section string, rules []PermissionRule) error {
	for i, rule := range rules {
		if rule.Pattern == "" {
			return configErrorf("%s[%d]: missing pattern", section, i)
		}
		if _, ok := validActions[rule.Action]; !ok {
			return configErrorf("invalid permission action: %q (must be allow/deny/ask)", rule.Action)
		}
		// Malformed glob patterns would silently never match.
		if _, err := CompilePattern(rule.Pattern); err != nil {
			return configErrorf("%s[%d]: malformed pattern %q: %v", section, i, rule.Pattern, err)
		}
	}
	return nil
}

// Validate checks every entry of both sections.
func (p *Permissions) Validate() error {
	if err := validateRules("defaults", p.Defaults); err != nil {
		return err
	}
	return validateRules("rules", p.Rules)
}

// LoadPermissions reads and validates the policy document.
func LoadPermissions(path string) (*Permissions, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("permissions file not found: %s", path)
	}

	var perms Permissions
	if err := decodeYAML(raw, &perms); err != nil {
		return nil, err
	}
	if err := perms.Validate(); err != nil {
		return nil, err
	}
	return &perms, nil
}
