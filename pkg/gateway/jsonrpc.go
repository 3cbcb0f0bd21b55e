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

package gateway

import "encoding/json"

// JSON-RPC 2.0 error codes: the three standard ones plus the gateway's
// extension range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601

	CodeUserDenied      = -32001
	CodeApprovalTimeout = -32002
	CodePolicyDenied    = -32003
	CodeExecutionFailed = -32004
	CodeNotAuth         = -32005
	CodeRateLimited     = -32006
)

// rpcRequest is one inbound frame. ID is kept raw so the client's chosen
// type (string or number) round-trips unchanged.
type rpcRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// rpcError is the error member of a response frame.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcResponse is one outbound frame carrying either Result or Error.
type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// toolRequestParams are the params of the tool_request method.
type toolRequestParams struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// authParams are the params of the auth method.
type authParams struct {
	Token string `json:"token"`
}

// toolResponse is the result payload of a resolved tool_request.
type toolResponse struct {
	Status string `json:"status"` // "executed" or "denied"
	Data   any    `json:"data,omitempty"`
}

// queuedResult is one entry of the get_pending_results reply.
type queuedResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
}
