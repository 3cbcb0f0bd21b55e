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

// Package executor routes approved tool requests to service handlers.
package executor

import (
	"context"
	"fmt"
)

// ServiceHandler is the capability set the executor requires of a service
// integration.
type ServiceHandler interface {
	// Execute runs one tool call and returns its result.
	Execute(ctx context.Context, toolName string, args map[string]any) (map[string]any, error)

	// HealthCheck reports whether the service is reachable. Never errors.
	HealthCheck(ctx context.Context) bool

	// Close releases the handler's resources.
	Close() error
}

// ExecutionError is returned when dispatch or execution fails.
type ExecutionError struct {
	Message string
	Err     error
}

func (e *ExecutionError) Error() string { return e.Message }

func (e *ExecutionError) Unwrap() error { return e.Err }

// toolServiceMap is the static tool → service routing table.
var toolServiceMap = map[string]string{
	"ha_get_state":    "homeassistant",
	"ha_get_states":   "homeassistant",
	"ha_call_service": "homeassistant",
	"ha_fire_event":   "homeassistant",
}

// Executor dispatches tool requests to registered service handlers.
type Executor struct {
	services map[string]ServiceHandler
}

// New creates an executor over a registry of service handlers keyed by
// service name.
func New(services map[string]ServiceHandler) *Executor {
	if services == nil {
		services = make(map[string]ServiceHandler)
	}
	return &Executor{services: services}
}

// Execute looks up the owning service for a tool and dispatches to it.
func (e *Executor) Execute(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
	serviceName, ok := toolServiceMap[toolName]
	if !ok {
		return nil, &ExecutionError{Message: fmt.Sprintf("Unknown tool: %s", toolName)}
	}
	handler, ok := e.services[serviceName]
	if !ok {
		return nil, &ExecutionError{Message: fmt.Sprintf("Service not configured: %s", serviceName)}
	}
	result, err := handler.Execute(ctx, toolName, args)
	if err != nil {
		return nil, &ExecutionError{Message: err.Error(), Err: err}
	}
	return result, nil
}

// Close closes every registered handler, keeping the first error.
func (e *Executor) Close() error {
	var firstErr error
	for name, handler := range e.services {
		if err := handler.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close service %s: %w", name, err)
		}
	}
	return firstErr
}
