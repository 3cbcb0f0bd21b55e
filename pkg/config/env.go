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

// Package config provides configuration types and loading for the gateway.
// This file contains environment variable utilities for configuration
// processing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// envVarRe matches ${VAR} references in configuration string values.
var envVarRe = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnvVars substitutes ${VAR} references in a string. A reference to an
// unset variable is a fatal configuration error, never an empty string.
func expandEnvVars(s string) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	var expandErr error
	expanded := envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			if expandErr == nil {
				expandErr = configErrorf("environment variable %s is not set", name)
			}
			return match
		}
		return val
	})
	if expandErr != nil {
		return "", expandErr
	}
	return expanded, nil
}

// parseValue re-types an env-substituted string so numbers and booleans keep
// working where the schema expects them.
func parseValue(value string) any {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	return value
}

// SubstituteEnv recursively expands ${VAR} in all string leaves of a parsed
// YAML tree, preserving scalar types through re-parsing.
func SubstituteEnv(data any) (any, error) {
	switch v := data.(type) {
	case string:
		expanded, err := expandEnvVars(v)
		if err != nil {
			return nil, err
		}
		if expanded != v {
			return parseValue(expanded), nil
		}
		return expanded, nil

	case map[string]any:
		result := make(map[string]any, len(v))
		for key, value := range v {
			sub, err := SubstituteEnv(value)
			if err != nil {
				return nil, err
			}
			result[key] = sub
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			sub, err := SubstituteEnv(item)
			if err != nil {
				return nil, err
			}
			result[i] = sub
		}
		return result, nil

	default:
		return v, nil
	}
}

// LoadEnvFiles loads environment variables from .env files.
// Loads in priority order: .env.local (highest) → .env → system environment.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}
