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

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// authDeadline is the wall-clock window an accepted connection has to send
// a valid auth frame. Variable so tests can shrink the window.
var authDeadline = 10 * time.Second

var errSessionClosed = errors.New("session closed")

// Session is one agent connection: UNAUTHED until a valid auth frame, then
// AUTHED until the transport closes.
type Session struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func newSession(conn *websocket.Conn) *Session {
	return &Session{conn: conn}
}

// send writes one response frame. gorilla/websocket permits a single
// concurrent writer, so all writes funnel through writeMu.
func (s *Session) send(resp rpcResponse) error {
	resp.Jsonrpc = "2.0"
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	return s.conn.WriteJSON(resp)
}

func (s *Session) sendResult(id json.RawMessage, result any) error {
	return s.send(rpcResponse{Result: result, ID: id})
}

func (s *Session) sendError(id json.RawMessage, code int, message string) error {
	return s.send(rpcResponse{Error: &rpcError{Code: code, Message: message}, ID: id})
}

// close marks the session closed and tears down the transport. Idempotent.
func (s *Session) close() {
	s.writeMu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.writeMu.Unlock()
	if !alreadyClosed {
		_ = s.conn.Close()
	}
}

// authenticate runs the UNAUTHED half of the state machine: exactly one
// frame, the auth method, within the deadline, with a matching token. Any
// other outcome closes the session. The token never appears in replies or
// logs.
func (s *Session) authenticate(expectedToken string) bool {
	if err := s.conn.SetReadDeadline(time.Now().Add(authDeadline)); err != nil {
		return false
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		// Deadline expiry or transport error before auth. The write side is
		// still usable, so the agent learns why it is being disconnected.
		_ = s.sendError(nil, CodeNotAuth, "Not authenticated")
		return false
	}

	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = s.sendError(nil, CodeNotAuth, "Not authenticated")
		return false
	}
	if req.Jsonrpc != "2.0" || req.Method != "auth" {
		_ = s.sendError(req.ID, CodeNotAuth, "Not authenticated")
		return false
	}

	var params authParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Token == "" {
		_ = s.sendError(req.ID, CodeNotAuth, "Not authenticated")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(expectedToken)) != 1 {
		slog.Warn("Agent authentication failed")
		_ = s.sendError(req.ID, CodeNotAuth, "Not authenticated")
		return false
	}

	// Authenticated: lift the read deadline for the dispatch loop.
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return false
	}
	if err := s.sendResult(req.ID, map[string]string{"status": "authenticated"}); err != nil {
		return false
	}
	return true
}
