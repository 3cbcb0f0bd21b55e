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

package engine

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidArgument marks argument values that fail validation. Callers map
// it to the invalid-request wire error without echoing the offending value.
var ErrInvalidArgument = errors.New("invalid argument")

var (
	// Characters forbidden in any string argument. The set covers glob
	// metacharacters, the signature separators, and control characters so
	// that a validated value can never alter how a signature matches.
	forbiddenCharsRe = regexp.MustCompile(`[*?\[\](),\x00-\x1f]`)

	// Identifier shape for Home Assistant domains, services, entity ids,
	// and event types.
	haIdentifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z0-9_]+)?$`)
)

// haIdentifierKeys are the argument keys that must hold HA identifiers when
// the tool lives in the ha_ namespace.
var haIdentifierKeys = map[string]struct{}{
	"entity_id":  {},
	"domain":     {},
	"service":    {},
	"event_type": {},
}

const haNamespacePrefix = "ha_"

// ValidateArgs rejects argument values that could alter signature matching.
// Non-string values pass through untouched. Must be called before
// BuildSignature so forbidden characters never reach the matcher.
func ValidateArgs(toolName string, args map[string]any) error {
	for key, value := range args {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if forbiddenCharsRe.MatchString(s) {
			return fmt.Errorf("argument %q contains forbidden characters: %w", key, ErrInvalidArgument)
		}
		if _, isIdent := haIdentifierKeys[key]; isIdent &&
			len(toolName) >= len(haNamespacePrefix) && toolName[:len(haNamespacePrefix)] == haNamespacePrefix &&
			!haIdentifierRe.MatchString(s) {
			return fmt.Errorf("argument %q is not a valid identifier: %w", key, ErrInvalidArgument)
		}
	}
	return nil
}
