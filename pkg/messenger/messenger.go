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

// Package messenger defines the out-of-band approval channel contract and
// its concrete backends. The adapter is the only component that enforces
// allowed-user filtering; the orchestrator assumes filtered callbacks.
package messenger

import "context"

// ApprovalRequest is the prompt payload shown to the guardian.
type ApprovalRequest struct {
	RequestID string
	Signature string
}

// Choice is one affordance on the approval prompt.
type Choice struct {
	Label  string
	Action string // "allow" or "deny"
}

// DefaultChoices are the two affordances every approval prompt carries.
var DefaultChoices = []Choice{
	{Label: "✅ Allow", Action: "allow"},
	{Label: "❌ Deny", Action: "deny"},
}

// ApprovalResult is delivered to the registered callback when a guardian
// picks an action.
type ApprovalResult struct {
	RequestID string
	Action    string // "allow" or "deny"
	UserID    string
	Timestamp float64
}

// Callback receives filtered approval results. It reports whether the
// decision settled the request ("resolved") or arrived too late
// ("already_resolved"), so the adapter can acknowledge the press
// accordingly.
type Callback func(ApprovalResult) string

// Adapter is the capability set the orchestrator needs from any messenger
// backend.
type Adapter interface {
	// SendApproval posts an approval prompt and returns an opaque message
	// id usable for later edits.
	SendApproval(ctx context.Context, req ApprovalRequest, choices []Choice) (string, error)

	// UpdateApproval edits a previously sent prompt. Best-effort: failures
	// are logged and swallowed, never surfaced to resolution paths.
	UpdateApproval(ctx context.Context, messageID, status, detail string)

	// SetCallback registers the function invoked on guardian decisions.
	// The adapter must filter callbacks to the allowed-user list.
	SetCallback(cb Callback)

	Start(ctx context.Context) error
	Stop()
}
