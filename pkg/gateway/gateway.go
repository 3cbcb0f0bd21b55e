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

// Package gateway implements the approval orchestrator: a JSON-RPC 2.0
// session over WebSocket that evaluates tool requests against the
// permission engine and suspends ask-worthy requests until a guardian
// decision, a timeout, or shutdown resolves them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentpass/agentgate/pkg/config"
	"github.com/agentpass/agentgate/pkg/engine"
	"github.com/agentpass/agentgate/pkg/executor"
	"github.com/agentpass/agentgate/pkg/messenger"
	"github.com/agentpass/agentgate/pkg/metrics"
	"github.com/agentpass/agentgate/pkg/model"
	"github.com/agentpass/agentgate/pkg/ratelimit"
	"github.com/agentpass/agentgate/pkg/store"
)

// pendingApproval is the in-memory half of a suspended ask request. The
// gateway mutex owns the pending map; exactly one of callback, timeout, or
// shutdown removes an entry, so resolution runs at most once.
type pendingApproval struct {
	request   model.ToolRequest
	rpcID     json.RawMessage
	session   *Session // originating session; nil after restart recovery
	messageID string
	timer     *time.Timer
	createdAt time.Time
	expiresAt time.Time
}

// Gateway mediates between one agent and the downstream services.
type Gateway struct {
	token           string
	engine          *engine.Engine
	exec            *executor.Executor
	msgr            messenger.Adapter
	store           *store.Store
	limiter         *ratelimit.Limiter
	metrics         *metrics.Metrics
	approvalTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingApproval
	session *Session // the single AUTHED session, nil when no agent

	upgrader websocket.Upgrader
}

// New wires the orchestrator. metrics may be nil.
func New(cfg *config.Config, eng *engine.Engine, exec *executor.Executor,
	msgr messenger.Adapter, st *store.Store, m *metrics.Metrics) *Gateway {

	g := &Gateway{
		token:           cfg.Agent.Token,
		engine:          eng,
		exec:            exec,
		msgr:            msgr,
		store:           st,
		limiter:         ratelimit.New(cfg.RateLimit),
		metrics:         m,
		approvalTimeout: time.Duration(cfg.ApprovalTimeout) * time.Second,
		pending:         make(map[string]*pendingApproval),
	}
	msgr.SetCallback(g.onApprovalCallback)
	return g
}

// Limiter exposes the request limiter for tests.
func (g *Gateway) Limiter() *ratelimit.Limiter { return g.limiter }

// ----------------------------------------------------------------------
// Connection handling
// ----------------------------------------------------------------------

// ServeHTTP upgrades an agent connection. Only one live session is allowed;
// a second connection attempt is refused before it can authenticate.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	busy := g.session != nil
	g.mu.Unlock()
	if busy {
		http.Error(w, "agent already connected", http.StatusConflict)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	sess := newSession(conn)

	// Claim the single-agent slot; a concurrent upgrade may have won.
	g.mu.Lock()
	if g.session != nil {
		g.mu.Unlock()
		sess.close()
		return
	}
	g.session = sess
	g.mu.Unlock()

	defer func() {
		sess.close()
		g.mu.Lock()
		if g.session == sess {
			g.session = nil
		}
		g.mu.Unlock()
		slog.Info("Agent disconnected")
	}()

	if !sess.authenticate(g.token) {
		return
	}
	slog.Info("Agent authenticated", "remote", r.RemoteAddr)

	g.dispatchLoop(sess)
}

// dispatchLoop services frames on an AUTHED session until the transport
// closes. Each tool_request runs on its own goroutine so requests pipeline.
func (g *Gateway) dispatchLoop(sess *Session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = sess.sendError(nil, CodeParseError, "Parse error")
			g.metrics.ObserveError(strconv.Itoa(CodeParseError))
			continue
		}
		if req.Jsonrpc != "2.0" {
			_ = sess.sendError(req.ID, CodeInvalidRequest, "Invalid request")
			continue
		}

		switch req.Method {
		case "tool_request":
			go g.handleToolRequest(sess, req)
		case "get_pending_results":
			go g.handleGetPendingResults(sess, req)
		case "auth":
			_ = sess.sendError(req.ID, CodeInvalidRequest, "Already authenticated")
		default:
			_ = sess.sendError(req.ID, CodeMethodNotFound, "Method not found")
			g.metrics.ObserveError(strconv.Itoa(CodeMethodNotFound))
		}
	}
}

// requestKey canonicalizes the client-chosen correlation id for use as a
// map and store key. A request without an id still needs a unique key for
// the audit trail and the pending store.
func requestKey(id json.RawMessage) string {
	if len(id) == 0 || string(id) == "null" {
		return uuid.NewString()
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// ----------------------------------------------------------------------
// tool_request pipeline
// ----------------------------------------------------------------------

func (g *Gateway) handleToolRequest(sess *Session, req rpcRequest) {
	var params toolRequestParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Tool == "" {
		_ = sess.sendError(req.ID, CodeInvalidRequest, "Invalid request")
		return
	}
	if params.Args == nil {
		params.Args = map[string]any{}
	}

	request := model.ToolRequest{
		ID:       requestKey(req.ID),
		ToolName: params.Tool,
		Args:     params.Args,
	}

	// Request-rate dimension runs before any engine work.
	if !g.limiter.AllowRequest() {
		g.auditImmediate(request, "", string(model.DecisionDeny), model.ResolutionDeniedByPolicy, "rate_limit", nil)
		g.metrics.ObserveError(strconv.Itoa(CodeRateLimited))
		_ = sess.sendError(req.ID, CodeRateLimited, "Rate limit exceeded")
		return
	}

	decision, signature, err := g.engine.Evaluate(request.ToolName, request.Args)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidArgument) {
			// Generic message on the wire: argument values are never echoed.
			g.auditImmediate(request, "", string(model.DecisionDeny), model.ResolutionDeniedByPolicy, "validator", nil)
			g.metrics.ObserveError(strconv.Itoa(CodeInvalidRequest))
			_ = sess.sendError(req.ID, CodeInvalidRequest, "Invalid argument")
			return
		}
		slog.Error("Engine evaluation failed", "tool", request.ToolName, "error", err)
		_ = sess.sendError(req.ID, CodeInvalidRequest, "Invalid request")
		return
	}
	request.Signature = signature
	g.metrics.ObserveDecision(string(decision))

	switch decision {
	case model.DecisionAllow:
		g.executeAllowed(sess, req.ID, request)
	case model.DecisionDeny:
		g.auditImmediate(request, signature, string(model.DecisionDeny), model.ResolutionDeniedByPolicy, "policy", nil)
		g.metrics.ObserveError(strconv.Itoa(CodePolicyDenied))
		_ = sess.sendError(req.ID, CodePolicyDenied, "Policy denied")
	case model.DecisionAsk:
		g.suspendForApproval(sess, req.ID, request)
	}
}

// executeAllowed runs the executor for an auto-allowed request and replies.
func (g *Gateway) executeAllowed(sess *Session, rpcID json.RawMessage, request model.ToolRequest) {
	result, err := g.exec.Execute(context.Background(), request.ToolName, request.Args)
	if err != nil {
		g.auditImmediate(request, request.Signature, string(model.DecisionAllow),
			model.ResolutionExecuted, "policy", map[string]any{"error": err.Error()})
		g.metrics.ObserveError(strconv.Itoa(CodeExecutionFailed))
		_ = sess.sendError(rpcID, CodeExecutionFailed, err.Error())
		return
	}
	g.auditImmediate(request, request.Signature, string(model.DecisionAllow),
		model.ResolutionExecuted, "policy", result)
	_ = sess.sendResult(rpcID, toolResponse{Status: "executed", Data: result})
}

// suspendForApproval turns an ask verdict into a durable pending approval:
// record, prompt, timer. No partial state survives a failed step.
func (g *Gateway) suspendForApproval(sess *Session, rpcID json.RawMessage, request model.ToolRequest) {
	if !g.limiter.AcquirePending() {
		g.metrics.ObserveError(strconv.Itoa(CodeRateLimited))
		_ = sess.sendError(rpcID, CodeRateLimited, "Rate limit exceeded")
		return
	}
	g.metrics.SetPending(g.limiter.Pending())

	now := time.Now()
	expiresAt := now.Add(g.approvalTimeout)

	p := &pendingApproval{
		request:   request,
		rpcID:     rpcID,
		session:   sess,
		createdAt: now,
		expiresAt: expiresAt,
	}

	g.mu.Lock()
	if _, exists := g.pending[request.ID]; exists {
		g.mu.Unlock()
		g.limiter.ReleasePending()
		g.metrics.SetPending(g.limiter.Pending())
		_ = sess.sendError(rpcID, CodeInvalidRequest, "Duplicate request id")
		return
	}
	g.pending[request.ID] = p
	g.mu.Unlock()

	// A racing resolution (shutdown sweep, or a callback once the prompt is
	// out) may have popped the entry and released the slot already. Only the
	// side that removes the entry releases, so the slot is freed exactly
	// once. Reports whether this side still owned the entry.
	rollback := func() bool {
		g.mu.Lock()
		current, ok := g.pending[request.ID]
		if !ok || current != p {
			g.mu.Unlock()
			return false
		}
		delete(g.pending, request.ID)
		g.mu.Unlock()
		g.limiter.ReleasePending()
		g.metrics.SetPending(g.limiter.Pending())
		return true
	}

	if err := g.store.InsertPending(model.PendingRecord{
		RequestID: request.ID,
		ToolName:  request.ToolName,
		Args:      request.Args,
		Signature: request.Signature,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}); err != nil {
		slog.Error("Failed to persist pending request", "request_id", request.ID, "error", err)
		if rollback() {
			_ = sess.sendError(rpcID, CodeExecutionFailed, "Failed to request approval")
		}
		return
	}

	messageID, err := g.msgr.SendApproval(context.Background(),
		messenger.ApprovalRequest{RequestID: request.ID, Signature: request.Signature},
		messenger.DefaultChoices)
	if err != nil {
		slog.Error("Failed to send approval prompt", "request_id", request.ID, "error", err)
		if rollback() {
			_ = g.store.DeletePending(request.ID)
			_ = sess.sendError(rpcID, CodeExecutionFailed, "Failed to request approval")
		}
		return
	}

	// The entry may already be gone if a near-instant callback raced us;
	// only attach the message id while it still exists.
	g.mu.Lock()
	if current, ok := g.pending[request.ID]; ok && current == p {
		p.messageID = messageID
		p.timer = time.AfterFunc(time.Until(expiresAt), func() {
			g.Resolve(request.ID, "timeout", "timeout")
		})
	}
	g.mu.Unlock()

	if err := g.store.SetMessageID(request.ID, messageID, 0); err != nil {
		slog.Warn("Failed to record messenger message id", "request_id", request.ID, "error", err)
	}
	slog.Info("Approval requested", "request_id", request.ID, "signature", request.Signature)
}

// onApprovalCallback adapts guardian decisions from the messenger. The
// adapter has already filtered callers against the allowed-user list.
func (g *Gateway) onApprovalCallback(result messenger.ApprovalResult) string {
	action := "deny"
	if result.Action == "allow" {
		action = "allow"
	}
	outcome := g.Resolve(result.RequestID, action, result.UserID)
	if outcome == "already_resolved" {
		slog.Debug("Callback for already-resolved request", "request_id", result.RequestID)
	}
	return outcome
}

// ----------------------------------------------------------------------
// Resolution funnel
// ----------------------------------------------------------------------

// Resolve settles a pending approval. action is one of allow, deny,
// timeout, shutdown. All resolution origins funnel here; removal from the
// pending map under the mutex guarantees at-most-once semantics, and
// repeat calls return "already_resolved".
//
// Ordering within a resolution: execution (allow only), audit, messenger
// edit, then agent reply or durable queue.
func (g *Gateway) Resolve(requestID, action, actor string) string {
	g.mu.Lock()
	p, ok := g.pending[requestID]
	if !ok {
		g.mu.Unlock()
		return "already_resolved"
	}
	delete(g.pending, requestID)
	g.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	g.limiter.ReleasePending()
	g.metrics.SetPending(g.limiter.Pending())

	now := time.Now()
	resolvedAt := model.Epoch(now)
	entry := model.NewAuditEntry(requestID)
	entry.ToolName = p.request.ToolName
	entry.Args = p.request.Args
	entry.Signature = p.request.Signature
	entry.Decision = string(model.DecisionAsk)
	entry.ResolvedBy = actor
	entry.ResolvedAt = &resolvedAt

	var (
		reply      toolResponse
		replyErr   *rpcError
		editStatus string
		editDetail string
	)

	switch action {
	case "allow":
		result, err := g.exec.Execute(context.Background(), p.request.ToolName, p.request.Args)
		entry.Resolution = model.ResolutionExecuted
		if err != nil {
			entry.ExecutionResult = map[string]any{"error": err.Error()}
			replyErr = &rpcError{Code: CodeExecutionFailed, Message: err.Error()}
		} else {
			entry.ExecutionResult = result
			reply = toolResponse{Status: "executed", Data: result}
		}
		editStatus = "Approved"
		editDetail = fmt.Sprintf("Approved by %s at %s", actor, now.Format("15:04"))
	case "deny":
		entry.Resolution = model.ResolutionDeniedByUser
		replyErr = &rpcError{Code: CodeUserDenied, Message: "Approval denied by user"}
		editStatus = "Denied"
		editDetail = fmt.Sprintf("Denied by %s at %s", actor, now.Format("15:04"))
	case "timeout":
		entry.Resolution = model.ResolutionTimeout
		replyErr = &rpcError{Code: CodeApprovalTimeout, Message: "Approval timed out"}
		editStatus = "Expired"
		editDetail = "Approval timed out"
	case "shutdown":
		entry.Resolution = model.ResolutionGatewayShutdown
		replyErr = &rpcError{Code: CodeApprovalTimeout, Message: "Gateway shutting down"}
		editStatus = "Cancelled"
		editDetail = "Gateway shut down before a decision was made"
	default:
		slog.Error("Unknown resolution action", "action", action, "request_id", requestID)
		return "already_resolved"
	}

	if err := g.store.LogAudit(entry); err != nil {
		slog.Error("Failed to write audit entry", "request_id", requestID, "error", err)
	}

	if p.messageID != "" {
		g.msgr.UpdateApproval(context.Background(), p.messageID, editStatus, editDetail)
	}

	g.deliver(p, reply, replyErr)
	slog.Info("Approval resolved", "request_id", requestID, "resolution", entry.Resolution, "by", actor)
	return "resolved"
}

// deliver sends the resolution to the originating session, or queues it on
// the durable record for a later get_pending_results drain. The record is
// deleted only when the reply actually reached the agent.
func (g *Gateway) deliver(p *pendingApproval, reply toolResponse, replyErr *rpcError) {
	delivered := false
	if p.session != nil {
		var err error
		if replyErr != nil {
			err = p.session.sendError(p.rpcID, replyErr.Code, replyErr.Message)
		} else {
			err = p.session.sendResult(p.rpcID, reply)
		}
		delivered = err == nil
	}

	if delivered {
		if err := g.store.DeletePending(p.request.ID); err != nil {
			slog.Warn("Failed to delete delivered pending record", "request_id", p.request.ID, "error", err)
		}
		return
	}

	queued := model.ToolResult{RequestID: p.request.ID, Status: "denied"}
	if replyErr == nil {
		queued.Status = "executed"
		if data, ok := reply.Data.(map[string]any); ok {
			queued.Data = data
		}
	} else {
		queued.Data = map[string]any{
			"code":    replyErr.Code,
			"message": replyErr.Message,
		}
	}
	raw, err := json.Marshal(queued)
	if err != nil {
		slog.Error("Failed to serialize queued result", "request_id", p.request.ID, "error", err)
		return
	}
	if err := g.store.SetResult(p.request.ID, string(raw)); err != nil {
		slog.Error("Failed to queue offline result", "request_id", p.request.ID, "error", err)
	}
}

// ResolveAllPending sweeps every outstanding approval at shutdown.
func (g *Gateway) ResolveAllPending() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.Resolve(id, "shutdown", "shutdown")
	}
}

// ----------------------------------------------------------------------
// get_pending_results
// ----------------------------------------------------------------------

func (g *Gateway) handleGetPendingResults(sess *Session, req rpcRequest) {
	drained, err := g.store.DrainResults()
	if err != nil {
		slog.Error("Failed to drain queued results", "error", err)
		_ = sess.sendError(req.ID, CodeExecutionFailed, "Failed to fetch pending results")
		return
	}

	queued := make([]queuedResult, 0, len(drained))
	for _, item := range drained {
		var result model.ToolResult
		if err := json.Unmarshal([]byte(item.Result), &result); err != nil {
			slog.Error("Corrupt queued result", "request_id", item.RequestID, "error", err)
			continue
		}
		queued = append(queued, queuedResult{
			RequestID: item.RequestID,
			Status:    result.Status,
			Data:      result.Data,
		})
	}
	_ = sess.sendResult(req.ID, map[string]any{"queued": queued})
}

// ----------------------------------------------------------------------
// Startup recovery
// ----------------------------------------------------------------------

// RecoverPending rebuilds approval state after a restart. Expired records
// are audited as timeouts and their prompts edited; unexpired ones are
// re-armed with the remaining window and keep their original message id.
// Records already carrying a queued result stay untouched until the agent
// drains them.
func (g *Gateway) RecoverPending() error {
	stale, err := g.store.CleanupStale()
	if err != nil {
		return fmt.Errorf("failed to clean up stale approvals: %w", err)
	}
	for _, rec := range stale {
		now := model.Epoch(time.Now())
		entry := model.NewAuditEntry(rec.RequestID)
		entry.ToolName = rec.ToolName
		entry.Args = rec.Args
		entry.Signature = rec.Signature
		entry.Decision = string(model.DecisionAsk)
		entry.Resolution = model.ResolutionTimeout
		entry.ResolvedBy = "timeout"
		entry.ResolvedAt = &now
		if err := g.store.LogAudit(entry); err != nil {
			slog.Error("Failed to audit stale approval", "request_id", rec.RequestID, "error", err)
		}
		if rec.MessageID != "" {
			g.msgr.UpdateApproval(context.Background(), rec.MessageID,
				"Expired", "Request expired while the gateway was offline — please re-request")
		}
	}

	records, err := g.store.ListPending()
	if err != nil {
		return fmt.Errorf("failed to list pending approvals: %w", err)
	}
	recovered := 0
	for _, rec := range records {
		if rec.Result != "" {
			continue // resolved offline, awaiting drain
		}
		p := &pendingApproval{
			request: model.ToolRequest{
				ID:        rec.RequestID,
				ToolName:  rec.ToolName,
				Args:      rec.Args,
				Signature: rec.Signature,
			},
			messageID: rec.MessageID,
			createdAt: rec.CreatedAt,
			expiresAt: rec.ExpiresAt,
		}
		g.limiter.RestorePending()

		g.mu.Lock()
		g.pending[rec.RequestID] = p
		p.timer = time.AfterFunc(time.Until(rec.ExpiresAt), func() {
			g.Resolve(rec.RequestID, "timeout", "timeout")
		})
		g.mu.Unlock()
		recovered++
	}
	g.metrics.SetPending(g.limiter.Pending())

	if len(stale) > 0 || recovered > 0 {
		slog.Info("Recovered pending approvals", "rearmed", recovered, "expired", len(stale))
	}
	return nil
}

// ----------------------------------------------------------------------
// Immediate-path audit
// ----------------------------------------------------------------------

// auditImmediate writes the single audit entry for requests resolved
// synchronously (allow, deny, validation failure, rate limit).
func (g *Gateway) auditImmediate(request model.ToolRequest, signature, decision, resolution, resolvedBy string, execResult map[string]any) {
	now := model.Epoch(time.Now())
	entry := model.NewAuditEntry(request.ID)
	entry.ToolName = request.ToolName
	entry.Args = request.Args
	entry.Signature = signature
	entry.Decision = decision
	entry.Resolution = resolution
	entry.ResolvedBy = resolvedBy
	entry.ResolvedAt = &now
	entry.ExecutionResult = execResult
	if err := g.store.LogAudit(entry); err != nil {
		slog.Error("Failed to write audit entry", "request_id", request.ID, "error", err)
	}
}
