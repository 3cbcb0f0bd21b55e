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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpass/agentgate/pkg/config"
	"github.com/agentpass/agentgate/pkg/model"
)

func TestBuildSignature(t *testing.T) {
	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{
			name: "call service",
			tool: "ha_call_service",
			args: map[string]any{"domain": "light", "service": "turn_on", "entity_id": "light.bedroom"},
			want: "ha_call_service(light.turn_on, light.bedroom)",
		},
		{
			name: "call service without entity keeps empty part",
			tool: "ha_call_service",
			args: map[string]any{"domain": "homeassistant", "service": "restart"},
			want: "ha_call_service(homeassistant.restart, )",
		},
		{
			name: "get state without entity",
			tool: "ha_get_state",
			args: map[string]any{},
			want: "ha_get_state()",
		},
		{
			name: "get state",
			tool: "ha_get_state",
			args: map[string]any{"entity_id": "sensor.temp"},
			want: "ha_get_state(sensor.temp)",
		},
		{
			name: "get states has no args",
			tool: "ha_get_states",
			args: map[string]any{},
			want: "ha_get_states",
		},
		{
			name: "fire event",
			tool: "ha_fire_event",
			args: map[string]any{"event_type": "doorbell_pressed"},
			want: "ha_fire_event(doorbell_pressed)",
		},
		{
			name: "unknown tool uses sorted keys",
			tool: "unknown",
			args: map[string]any{"b": "2", "a": "1"},
			want: "unknown(1, 2)",
		},
		{
			name: "unknown tool no args",
			tool: "mystery",
			args: map[string]any{},
			want: "mystery",
		},
		{
			name: "non-string args stringified",
			tool: "unknown",
			args: map[string]any{"count": 3},
			want: "unknown(3)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildSignature(tt.tool, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildSignatureDeterministic(t *testing.T) {
	args := map[string]any{"z": "last", "a": "first", "m": "middle"}
	first, err := BuildSignature("unknown", args)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := BuildSignature("unknown", args)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestValidateArgs(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		args    map[string]any
		wantErr bool
	}{
		{"clean args", "ha_get_state", map[string]any{"entity_id": "light.kitchen"}, false},
		{"glob star", "ha_get_state", map[string]any{"entity_id": "light.*"}, true},
		{"glob question", "unknown", map[string]any{"x": "a?"}, true},
		{"bracket", "unknown", map[string]any{"x": "a[b]"}, true},
		{"paren", "unknown", map[string]any{"x": "a(b)"}, true},
		{"comma", "unknown", map[string]any{"x": "a,b"}, true},
		{"control char", "unknown", map[string]any{"x": "a\x00b"}, true},
		{"newline", "unknown", map[string]any{"x": "a\nb"}, true},
		{"uppercase entity on ha tool", "ha_get_state", map[string]any{"entity_id": "Light.Kitchen"}, true},
		{"double dot entity on ha tool", "ha_call_service", map[string]any{"domain": "a.b.c"}, true},
		{"identifier key on non-ha tool unchecked", "other_tool", map[string]any{"entity_id": "Whatever"}, false},
		{"non-string values skipped", "ha_call_service", map[string]any{"brightness": 255}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgs(tt.tool, tt.args)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidArgument))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateErrorDoesNotEchoValue(t *testing.T) {
	err := ValidateArgs("ha_get_state", map[string]any{"entity_id": "secret*payload"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}

func testEngine(rules []config.PermissionRule, defaults []config.PermissionRule) *Engine {
	return New(&config.Permissions{Rules: rules, Defaults: defaults})
}

func TestEvaluateDenyPrecedence(t *testing.T) {
	// An allow rule listed before a deny rule must still lose.
	eng := testEngine([]config.PermissionRule{
		{Pattern: "ha_call_service(light.*", Action: "allow"},
		{Pattern: "ha_call_service(light.turn_off*", Action: "deny"},
	}, nil)

	decision, sig, err := eng.Evaluate("ha_call_service", map[string]any{
		"domain": "light", "service": "turn_off", "entity_id": "light.porch",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDeny, decision)
	assert.Equal(t, "ha_call_service(light.turn_off, light.porch)", sig)

	decision, _, err = eng.Evaluate("ha_call_service", map[string]any{
		"domain": "light", "service": "turn_on", "entity_id": "light.porch",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAllow, decision)
}

func TestEvaluateAllowBeatsAsk(t *testing.T) {
	eng := testEngine([]config.PermissionRule{
		{Pattern: "ha_get_state*", Action: "ask"},
		{Pattern: "ha_get_state(sensor.*", Action: "allow"},
	}, nil)

	decision, _, err := eng.Evaluate("ha_get_state", map[string]any{"entity_id": "sensor.temp"})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAllow, decision)
}

func TestEvaluateDefaultsFirstMatch(t *testing.T) {
	eng := testEngine(nil, []config.PermissionRule{
		{Pattern: "ha_get_state(*", Action: "allow"},
		{Pattern: "*", Action: "deny"},
	})

	decision, _, err := eng.Evaluate("ha_get_state", map[string]any{"entity_id": "sensor.temp"})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAllow, decision)

	decision, _, err = eng.Evaluate("ha_get_states", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionDeny, decision)
}

func TestEvaluateFallbackIsAsk(t *testing.T) {
	eng := testEngine(nil, nil)
	decision, _, err := eng.Evaluate("never_heard_of_it", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAsk, decision)
}

func TestEvaluateDenyMatchesAcrossSlashes(t *testing.T) {
	// Unknown-tool argument values may contain '/'; a wildcard deny still
	// has to catch them.
	eng := testEngine([]config.PermissionRule{
		{Pattern: "file_read(*", Action: "deny"},
	}, []config.PermissionRule{
		{Pattern: "*", Action: "allow"},
	})

	decision, sig, err := eng.Evaluate("file_read", map[string]any{"path": "/etc/passwd"})
	require.NoError(t, err)
	assert.Equal(t, "file_read(/etc/passwd)", sig)
	assert.Equal(t, model.DecisionDeny, decision)
}

func TestEvaluateRejectsInjection(t *testing.T) {
	// A crafted entity_id must not be able to widen an allow rule's match.
	eng := testEngine([]config.PermissionRule{
		{Pattern: "ha_get_state(sensor.*", Action: "allow"},
		{Pattern: "ha_call_service*", Action: "deny"},
	}, nil)

	_, _, err := eng.Evaluate("ha_get_state", map[string]any{
		"entity_id": "sensor.x), ha_call_service(lock.unlock",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestEvaluateMalformedRulePatternIsInert(t *testing.T) {
	eng := testEngine([]config.PermissionRule{
		{Pattern: "ha_get_state([", Action: "deny"},
	}, []config.PermissionRule{
		{Pattern: "*", Action: "allow"},
	})

	decision, _, err := eng.Evaluate("ha_get_state", map[string]any{"entity_id": "sensor.temp"})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAllow, decision)
}
