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

// Package model defines the shared data types of the gateway: decisions,
// tool requests and results, audit entries, and durable pending records.
package model

import "time"

// Decision is the verdict of the permission engine for a tool request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// ToolRequest is an incoming tool invocation from an agent.
type ToolRequest struct {
	ID       string         `json:"id"`
	ToolName string         `json:"tool"`
	Args     map[string]any `json:"args"`

	// Signature is filled in by the permission engine before evaluation.
	Signature string `json:"signature,omitempty"`
}

// ToolResult is the terminal outcome of a tool request.
type ToolResult struct {
	RequestID string         `json:"request_id"`
	Status    string         `json:"status"` // "executed" or "denied"
	Data      map[string]any `json:"data,omitempty"`
}

// Resolution values recorded in the audit log.
const (
	ResolutionExecuted        = "executed"
	ResolutionDeniedByUser    = "denied_by_user"
	ResolutionDeniedByPolicy  = "denied_by_policy"
	ResolutionTimeout         = "timeout"
	ResolutionGatewayShutdown = "gateway_shutdown"
)

// AuditEntry records a tool request and its outcome. Entries are written
// exactly once, at resolution, and never updated.
type AuditEntry struct {
	RequestID       string         `json:"request_id"`
	Timestamp       float64        `json:"timestamp"` // epoch seconds
	ToolName        string         `json:"tool_name"`
	Args            map[string]any `json:"args"`
	Signature       string         `json:"signature"`
	Decision        string         `json:"decision"`
	Resolution      string         `json:"resolution,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolvedAt      *float64       `json:"resolved_at,omitempty"`
	ExecutionResult map[string]any `json:"execution_result,omitempty"`
	AgentID         string         `json:"agent_id"`
}

// NewAuditEntry returns an entry stamped with the current time and the
// default agent id.
func NewAuditEntry(requestID string) AuditEntry {
	return AuditEntry{
		RequestID: requestID,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Args:      map[string]any{},
		AgentID:   "default",
	}
}

// Epoch converts a time to the epoch-seconds representation used in memory.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// PendingRecord is the durable twin of an in-flight ask request. Result is
// non-empty only when the request was resolved while the agent was offline.
type PendingRecord struct {
	RequestID string
	ToolName  string
	Args      map[string]any
	Signature string
	MessageID string
	ChatID    int64
	Result    string // serialized queued result, empty if none
	CreatedAt time.Time
	ExpiresAt time.Time
}
