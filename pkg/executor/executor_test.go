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

package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	result   map[string]any
	err      error
	closed   bool
	lastTool string
	lastArgs map[string]any
}

func (f *fakeHandler) Execute(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
	f.lastTool = toolName
	f.lastArgs = args
	return f.result, f.err
}

func (f *fakeHandler) HealthCheck(ctx context.Context) bool { return true }

func (f *fakeHandler) Close() error {
	f.closed = true
	return nil
}

func TestExecuteRoutesToService(t *testing.T) {
	handler := &fakeHandler{result: map[string]any{"state": "on"}}
	exec := New(map[string]ServiceHandler{"homeassistant": handler})

	result, err := exec.Execute(context.Background(), "ha_get_state", map[string]any{"entity_id": "light.kitchen"})
	require.NoError(t, err)
	assert.Equal(t, "on", result["state"])
	assert.Equal(t, "ha_get_state", handler.lastTool)
	assert.Equal(t, "light.kitchen", handler.lastArgs["entity_id"])
}

func TestExecuteUnknownTool(t *testing.T) {
	exec := New(map[string]ServiceHandler{"homeassistant": &fakeHandler{}})

	_, err := exec.Execute(context.Background(), "make_coffee", nil)
	require.Error(t, err)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "Unknown tool: make_coffee", execErr.Message)
}

func TestExecuteUnconfiguredService(t *testing.T) {
	exec := New(nil)

	_, err := exec.Execute(context.Background(), "ha_get_states", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Service not configured: homeassistant")
}

func TestExecuteWrapsHandlerError(t *testing.T) {
	cause := errors.New("entity not found: light.nope")
	exec := New(map[string]ServiceHandler{"homeassistant": &fakeHandler{err: cause}})

	_, err := exec.Execute(context.Background(), "ha_get_state", map[string]any{"entity_id": "light.nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause.Error(), err.Error())
}

func TestCloseClosesAllHandlers(t *testing.T) {
	a := &fakeHandler{}
	b := &fakeHandler{}
	exec := New(map[string]ServiceHandler{"homeassistant": a, "other": b})

	require.NoError(t, exec.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
