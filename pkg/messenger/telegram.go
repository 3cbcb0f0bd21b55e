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

package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentpass/agentgate/pkg/config"
)

const defaultTelegramAPI = "https://api.telegram.org"

// Telegram is the guardian approval bot backed by the Telegram Bot API.
// It long-polls getUpdates on its own goroutine and delivers filtered
// callback-query decisions to the registered callback.
type Telegram struct {
	cfg     config.TelegramConfig
	apiBase string
	client  *http.Client

	mu       sync.Mutex
	callback Callback

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTelegram creates the adapter from validated config.
func NewTelegram(cfg config.TelegramConfig) *Telegram {
	return &Telegram{
		cfg:     cfg,
		apiBase: defaultTelegramAPI,
		// Long poll timeout is 30s; leave headroom.
		client: &http.Client{Timeout: 40 * time.Second},
	}
}

// WithAPIBase overrides the Bot API endpoint. Used by tests.
func (t *Telegram) WithAPIBase(base string) *Telegram {
	t.apiBase = strings.TrimRight(base, "/")
	return t
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// call performs one Bot API method call. The bot token never appears in
// errors or logs.
func (t *Telegram) call(ctx context.Context, method string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: request failed", method)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("telegram %s: invalid response", method)
	}
	if !envelope.OK {
		return fmt.Errorf("telegram %s: %s", method, envelope.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("telegram %s: invalid result", method)
		}
	}
	return nil
}

// SendApproval posts the approval prompt with Allow/Deny inline buttons and
// returns the message id for later edits.
func (t *Telegram) SendApproval(ctx context.Context, req ApprovalRequest, choices []Choice) (string, error) {
	buttons := make([]map[string]string, 0, len(choices))
	for _, choice := range choices {
		buttons = append(buttons, map[string]string{
			"text":          choice.Label,
			"callback_data": choice.Action + ":" + req.RequestID,
		})
	}
	payload := map[string]any{
		"chat_id": t.cfg.ChatID,
		"text":    fmt.Sprintf("Permission Request\n\nAction: %s", req.Signature),
		"reply_markup": map[string]any{
			"inline_keyboard": [][]map[string]string{buttons},
		},
	}
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := t.call(ctx, "sendMessage", payload, &msg); err != nil {
		return "", err
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// UpdateApproval edits the prompt to reflect a decision or expiry.
// Best-effort: a failed edit is logged and swallowed.
func (t *Telegram) UpdateApproval(ctx context.Context, messageID, status, detail string) {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		slog.Warn("Invalid Telegram message id", "message_id", messageID)
		return
	}
	payload := map[string]any{
		"chat_id":    t.cfg.ChatID,
		"message_id": id,
		"text":       status + "\n\n" + detail,
	}
	if err := t.call(ctx, "editMessageText", payload, nil); err != nil {
		slog.Warn("Failed to edit Telegram message", "message_id", messageID, "error", err)
	}
}

// SetCallback registers the guardian-decision callback.
func (t *Telegram) SetCallback(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callback = cb
}

// Start begins long-polling for updates.
func (t *Telegram) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.poll(pollCtx)
	return nil
}

// Stop terminates the polling loop and waits for it to exit.
func (t *Telegram) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

type update struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		From struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Message *struct {
			MessageID int64 `json:"message_id"`
		} `json:"message"`
		Data string `json:"data"`
	} `json:"callback_query"`
}

func (t *Telegram) poll(ctx context.Context) {
	defer close(t.done)

	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		var updates []update
		err := t.call(ctx, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         30,
			"allowed_updates": []string{"callback_query"},
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Telegram getUpdates failed, backing off", "error", err)
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			t.handleUpdate(ctx, u)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, u update) {
	q := u.CallbackQuery
	if q == nil {
		return
	}

	// Closed-set filtering: callbacks from anyone outside allowed_users
	// are discarded without acknowledgement.
	if !t.userAllowed(q.From.ID) {
		return
	}

	action, requestID, ok := strings.Cut(q.Data, ":")
	if !ok || (action != "allow" && action != "deny") {
		t.answerCallback(ctx, q.ID, "This button has expired")
		return
	}

	t.mu.Lock()
	cb := t.callback
	t.mu.Unlock()
	if cb == nil {
		t.answerCallback(ctx, q.ID, "")
		return
	}

	userID := strconv.FormatInt(q.From.ID, 10)
	if q.From.Username != "" {
		userID = "@" + q.From.Username
	}
	outcome := cb(ApprovalResult{
		RequestID: requestID,
		Action:    action,
		UserID:    userID,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
	if outcome == "already_resolved" {
		t.answerCallback(ctx, q.ID, "Already resolved")
	} else {
		t.answerCallback(ctx, q.ID, "")
	}
}

func (t *Telegram) userAllowed(id int64) bool {
	for _, allowed := range t.cfg.AllowedUsers {
		if allowed == id {
			return true
		}
	}
	return false
}

func (t *Telegram) answerCallback(ctx context.Context, callbackID, text string) {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	if err := t.call(ctx, "answerCallbackQuery", payload, nil); err != nil {
		slog.Warn("Failed to answer callback query", "error", err)
	}
}
