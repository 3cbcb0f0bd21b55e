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

// Package engine implements the permission engine: argument validation,
// signature construction, and policy evaluation with strict deny precedence.
package engine

import (
	"regexp"

	"github.com/agentpass/agentgate/pkg/config"
	"github.com/agentpass/agentgate/pkg/model"
)

// Engine evaluates tool requests against a permission policy. Evaluation is
// pure: no I/O, no retained state beyond the policy itself.
type Engine struct {
	permissions *config.Permissions
	patterns    map[string]*regexp.Regexp
}

// New creates an engine over a loaded policy document. Every rule pattern is
// compiled once up front; '*' crosses any character, including separators,
// so a wildcard deny catches argument values like paths.
func New(permissions *config.Permissions) *Engine {
	e := &Engine{
		permissions: permissions,
		patterns:    make(map[string]*regexp.Regexp),
	}
	for _, rules := range [][]config.PermissionRule{permissions.Rules, permissions.Defaults} {
		for _, rule := range rules {
			if _, ok := e.patterns[rule.Pattern]; ok {
				continue
			}
			re, err := config.CompilePattern(rule.Pattern)
			if err != nil {
				// Policy validation rejects these at load time. A pattern
				// that slipped past is inert rather than failing requests.
				continue
			}
			e.patterns[rule.Pattern] = re
		}
	}
	return e
}

// matchSignature applies shell-wildcard matching (*, ?, [set]) of a rule
// pattern against a signature.
func (e *Engine) matchSignature(pattern, signature string) bool {
	re, ok := e.patterns[pattern]
	if !ok {
		return false
	}
	return re.MatchString(signature)
}

// Evaluate validates args, builds the signature, and returns the policy
// verdict. Rules are scanned in three passes so that any matching deny rule
// wins over any allow or ask rule, irrespective of order or specificity.
func (e *Engine) Evaluate(toolName string, args map[string]any) (model.Decision, string, error) {
	signature, err := BuildSignature(toolName, args)
	if err != nil {
		return "", "", err
	}

	for _, action := range []string{"deny", "allow", "ask"} {
		for _, rule := range e.permissions.Rules {
			if rule.Action == action && e.matchSignature(rule.Pattern, signature) {
				return model.Decision(action), signature, nil
			}
		}
	}

	// Defaults: first match wins.
	for _, rule := range e.permissions.Defaults {
		if e.matchSignature(rule.Pattern, signature) {
			return model.Decision(rule.Action), signature, nil
		}
	}

	// Unmatched requests always require a human.
	return model.DecisionAsk, signature, nil
}
