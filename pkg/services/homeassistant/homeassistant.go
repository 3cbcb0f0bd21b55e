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

// Package homeassistant implements the executor's ServiceHandler for the
// Home Assistant REST API.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentpass/agentgate/pkg/config"
)

const healthCheckTimeout = 5 * time.Second

// Service talks to one Home Assistant instance with bearer authentication.
type Service struct {
	baseURL string
	token   string
	client  *http.Client
}

// New creates a handler for the configured Home Assistant endpoint.
func New(cfg config.ServiceConfig) *Service {
	return &Service{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Execute dispatches one of the ha_* tools against the REST API.
func (s *Service) Execute(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
	switch toolName {
	case "ha_get_state":
		return s.getState(ctx, args)
	case "ha_get_states":
		return s.getStates(ctx)
	case "ha_call_service":
		return s.callService(ctx, args)
	case "ha_fire_event":
		return s.fireEvent(ctx, args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", toolName)
	}
}

func (s *Service) getState(ctx context.Context, args map[string]any) (map[string]any, error) {
	entityID, _ := args["entity_id"].(string)
	var state map[string]any
	if err := s.do(ctx, http.MethodGet, "/api/states/"+entityID, nil, &state, entityID); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Service) getStates(ctx context.Context) (map[string]any, error) {
	var states []any
	if err := s.do(ctx, http.MethodGet, "/api/states", nil, &states, ""); err != nil {
		return nil, err
	}
	return map[string]any{"states": states}, nil
}

func (s *Service) callService(ctx context.Context, args map[string]any) (map[string]any, error) {
	domain, _ := args["domain"].(string)
	service, _ := args["service"].(string)
	// Everything except domain/service goes into the request body.
	body := make(map[string]any, len(args))
	for k, v := range args {
		if k != "domain" && k != "service" {
			body[k] = v
		}
	}
	var result any
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	if err := s.do(ctx, http.MethodPost, path, body, &result, ""); err != nil {
		return nil, err
	}
	return map[string]any{"result": result}, nil
}

func (s *Service) fireEvent(ctx context.Context, args map[string]any) (map[string]any, error) {
	eventType, _ := args["event_type"].(string)
	body := make(map[string]any, len(args))
	for k, v := range args {
		if k != "event_type" {
			body[k] = v
		}
	}
	var result map[string]any
	if err := s.do(ctx, http.MethodPost, "/api/events/"+eventType, body, &result, ""); err != nil {
		return nil, err
	}
	return result, nil
}

// do performs one authenticated API round trip and decodes the response.
func (s *Service) do(ctx context.Context, method, path string, body any, out any, entityID string) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("service unreachable: homeassistant (%v)", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkResponse(resp, entityID); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response from Home Assistant: %w", err)
	}
	return nil
}

func checkResponse(resp *http.Response, entityID string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("service authentication failed (HA token expired?)")
	case http.StatusNotFound:
		if entityID != "" {
			return fmt.Errorf("entity not found: %s", entityID)
		}
		return fmt.Errorf("entity not found")
	}
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("Home Assistant API error %d: %s", resp.StatusCode, string(text))
}

// HealthCheck probes GET /api/ with a short timeout. Warning-only at
// startup; never returns an error.
func (s *Service) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close idles the HTTP transport.
func (s *Service) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
