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
	"fmt"
	"sort"
	"strings"
)

// signatureBuilder yields the ordered signature parts for a known tool.
type signatureBuilder func(args map[string]any) []string

func argString(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// signatureBuilders maps tool names to their canonical part builders.
var signatureBuilders = map[string]signatureBuilder{
	"ha_call_service": func(args map[string]any) []string {
		return []string{
			argString(args, "domain") + "." + argString(args, "service"),
			argString(args, "entity_id"),
		}
	},
	"ha_get_state": func(args map[string]any) []string {
		return []string{argString(args, "entity_id")}
	},
	"ha_get_states": func(args map[string]any) []string {
		return nil
	},
	"ha_fire_event": func(args map[string]any) []string {
		return []string{argString(args, "event_type")}
	},
}

// BuildSignature validates args and returns the canonical signature string
// matched by policy and shown to the human approver.
//
// Examples:
//
//	BuildSignature("ha_get_state", {"entity_id": "sensor.temp"})
//	→ "ha_get_state(sensor.temp)"
//
//	BuildSignature("ha_call_service",
//	    {"domain": "light", "service": "turn_on", "entity_id": "light.bedroom"})
//	→ "ha_call_service(light.turn_on, light.bedroom)"
//
//	BuildSignature("ha_get_states", {})
//	→ "ha_get_states"
func BuildSignature(toolName string, args map[string]any) (string, error) {
	if err := ValidateArgs(toolName, args); err != nil {
		return "", err
	}

	var parts []string
	if builder, ok := signatureBuilders[toolName]; ok {
		parts = builder(args)
	} else {
		// Unknown tool: sorted keys keep the signature deterministic
		// regardless of map iteration or serialization order.
		keys := make([]string, 0, len(args))
		for k := range args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, argString(args, k))
		}
	}

	// Absent optional args stay in as empty parts, so a call without
	// entity_id yields a distinct signature like
	// "ha_call_service(homeassistant.restart, )" that policy can target.
	if len(parts) == 0 {
		return toolName, nil
	}
	return toolName + "(" + strings.Join(parts, ", ") + ")", nil
}
