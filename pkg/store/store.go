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

// Package store persists the audit log and the durable twins of in-flight
// approval requests in a SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentpass/agentgate/pkg/model"
)

// timeFormat is the fixed-width UTC ISO-8601 layout used for every stored
// timestamp. Fixed width keeps lexicographic comparison consistent with
// chronological order, which the expires_at range scan relies on.
const timeFormat = "2006-01-02T15:04:05.000000Z"

const createAuditTableSQL = `
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    request_id TEXT NOT NULL,
    tool_name TEXT NOT NULL,
    args TEXT NOT NULL,
    signature TEXT NOT NULL,
    decision TEXT NOT NULL,
    resolution TEXT,
    resolved_by TEXT,
    resolved_at TEXT,
    execution_result TEXT,
    agent_id TEXT NOT NULL DEFAULT 'default'
)`

const createPendingTableSQL = `
CREATE TABLE IF NOT EXISTS pending_requests (
    request_id TEXT PRIMARY KEY,
    tool_name TEXT NOT NULL,
    args TEXT NOT NULL,
    signature TEXT NOT NULL,
    message_id TEXT,
    chat_id INTEGER,
    result TEXT,
    created_at TEXT NOT NULL,
    expires_at TEXT NOT NULL
)`

var createIndexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log(tool_name)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_expires ON pending_requests(expires_at)`,
}

// Store wraps the SQLite database holding audit_log and pending_requests.
// The orchestrator serializes writes per request id; the store itself only
// assumes single-statement atomicity.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (or creates) the database at path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock errors.
	db.SetMaxOpenConns(1)
	return &Store{db: db, path: path}, nil
}

// Initialize creates the schema and indexes if absent and restricts the
// database file to the owning user. The chmod is best-effort on platforms
// without POSIX modes.
func (s *Store) Initialize() error {
	for _, stmt := range []string{createAuditTableSQL, createPendingTableSQL} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	for _, stmt := range createIndexSQL {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		slog.Warn("Could not restrict database file permissions", "path", s.path, "error", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func epochToISO(epoch float64) string {
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format(timeFormat)
}

func isoToEpoch(iso string) (float64, error) {
	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		return 0, err
	}
	return model.Epoch(t), nil
}

// ----------------------------------------------------------------------
// Audit log
// ----------------------------------------------------------------------

// LogAudit appends one audit entry. Entries are never updated afterwards.
func (s *Store) LogAudit(entry model.AuditEntry) error {
	argsJSON, err := json.Marshal(entry.Args)
	if err != nil {
		return fmt.Errorf("failed to serialize audit args: %w", err)
	}

	var resolution, resolvedBy, resolvedAt, execResult sql.NullString
	if entry.Resolution != "" {
		resolution = sql.NullString{String: entry.Resolution, Valid: true}
	}
	if entry.ResolvedBy != "" {
		resolvedBy = sql.NullString{String: entry.ResolvedBy, Valid: true}
	}
	if entry.ResolvedAt != nil {
		resolvedAt = sql.NullString{String: epochToISO(*entry.ResolvedAt), Valid: true}
	}
	if entry.ExecutionResult != nil {
		raw, err := json.Marshal(entry.ExecutionResult)
		if err != nil {
			return fmt.Errorf("failed to serialize execution result: %w", err)
		}
		execResult = sql.NullString{String: string(raw), Valid: true}
	}

	agentID := entry.AgentID
	if agentID == "" {
		agentID = "default"
	}

	_, err = s.db.Exec(`
		INSERT INTO audit_log
		(timestamp, request_id, tool_name, args, signature, decision,
		 resolution, resolved_by, resolved_at, execution_result, agent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		epochToISO(entry.Timestamp), entry.RequestID, entry.ToolName,
		string(argsJSON), entry.Signature, entry.Decision,
		resolution, resolvedBy, resolvedAt, execResult, agentID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns up to limit entries, newest first.
func (s *Store) QueryAudit(limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT timestamp, request_id, tool_name, args, signature, decision,
		       resolution, resolved_by, resolved_at, execution_result, agent_id
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]model.AuditEntry, 0, limit)
	for rows.Next() {
		var (
			entry                                      model.AuditEntry
			timestamp, argsJSON                        string
			resolution, resolvedBy, resolvedAt, result sql.NullString
		)
		if err := rows.Scan(&timestamp, &entry.RequestID, &entry.ToolName,
			&argsJSON, &entry.Signature, &entry.Decision,
			&resolution, &resolvedBy, &resolvedAt, &result, &entry.AgentID); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		if entry.Timestamp, err = isoToEpoch(timestamp); err != nil {
			return nil, fmt.Errorf("corrupt audit timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(argsJSON), &entry.Args); err != nil {
			return nil, fmt.Errorf("corrupt audit args: %w", err)
		}
		entry.Resolution = resolution.String
		entry.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			epoch, err := isoToEpoch(resolvedAt.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt resolved_at: %w", err)
			}
			entry.ResolvedAt = &epoch
		}
		if result.Valid {
			if err := json.Unmarshal([]byte(result.String), &entry.ExecutionResult); err != nil {
				return nil, fmt.Errorf("corrupt execution result: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ----------------------------------------------------------------------
// Pending requests
// ----------------------------------------------------------------------

// InsertPending writes the durable record for a fresh ask request.
func (s *Store) InsertPending(rec model.PendingRecord) error {
	argsJSON, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("failed to serialize pending args: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO pending_requests
		(request_id, tool_name, args, signature, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.ToolName, string(argsJSON), rec.Signature,
		createdAt.UTC().Format(timeFormat), rec.ExpiresAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to insert pending request: %w", err)
	}
	return nil
}

func scanPending(scanner interface{ Scan(...any) error }) (*model.PendingRecord, error) {
	var (
		rec                  model.PendingRecord
		argsJSON             string
		createdAt, expiresAt string
		messageID, result    sql.NullString
		chatID               sql.NullInt64
	)
	if err := scanner.Scan(&rec.RequestID, &rec.ToolName, &argsJSON, &rec.Signature,
		&messageID, &chatID, &result, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &rec.Args); err != nil {
		return nil, fmt.Errorf("corrupt pending args: %w", err)
	}
	rec.MessageID = messageID.String
	rec.ChatID = chatID.Int64
	rec.Result = result.String
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at: %w", err)
	}
	if rec.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("corrupt expires_at: %w", err)
	}
	return &rec, nil
}

const pendingColumns = `request_id, tool_name, args, signature, message_id, chat_id, result, created_at, expires_at`

// GetPending returns the record for a request id, or nil when absent.
func (s *Store) GetPending(requestID string) (*model.PendingRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+pendingColumns+` FROM pending_requests WHERE request_id = ?`, requestID)
	rec, err := scanPending(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending request: %w", err)
	}
	return rec, nil
}

// SetMessageID stores the messenger message handle once the prompt is sent.
func (s *Store) SetMessageID(requestID, messageID string, chatID int64) error {
	_, err := s.db.Exec(
		`UPDATE pending_requests SET message_id = ?, chat_id = ? WHERE request_id = ?`,
		messageID, chatID, requestID)
	if err != nil {
		return fmt.Errorf("failed to set message id: %w", err)
	}
	return nil
}

// SetResult queues a serialized result on the record so a disconnected agent
// can claim it after reconnect.
func (s *Store) SetResult(requestID, resultJSON string) error {
	_, err := s.db.Exec(
		`UPDATE pending_requests SET result = ? WHERE request_id = ?`,
		resultJSON, requestID)
	if err != nil {
		return fmt.Errorf("failed to set pending result: %w", err)
	}
	return nil
}

// QueuedResult is one offline-resolved request returned by DrainResults.
type QueuedResult struct {
	RequestID string
	Result    string
}

// DrainResults returns and deletes every record carrying a queued result.
// A second drain with no intervening resolutions returns an empty slice.
func (s *Store) DrainResults() ([]QueuedResult, error) {
	rows, err := s.db.Query(
		`SELECT request_id, result FROM pending_requests WHERE result IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued results: %w", err)
	}
	queued := []QueuedResult{}
	for rows.Next() {
		var q QueuedResult
		if err := rows.Scan(&q.RequestID, &q.Result); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan queued result: %w", err)
		}
		queued = append(queued, q)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, q := range queued {
		if _, err := s.db.Exec(
			`DELETE FROM pending_requests WHERE request_id = ?`, q.RequestID); err != nil {
			return nil, fmt.Errorf("failed to delete drained request: %w", err)
		}
	}
	return queued, nil
}

// DeletePending removes the durable record after delivery.
func (s *Store) DeletePending(requestID string) error {
	_, err := s.db.Exec(`DELETE FROM pending_requests WHERE request_id = ?`, requestID)
	if err != nil {
		return fmt.Errorf("failed to delete pending request: %w", err)
	}
	return nil
}

// ListPending returns every durable record, oldest expiry first. Used at
// startup to re-arm approval timers.
func (s *Store) ListPending() ([]model.PendingRecord, error) {
	rows, err := s.db.Query(
		`SELECT ` + pendingColumns + ` FROM pending_requests ORDER BY expires_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []model.PendingRecord{}
	for rows.Next() {
		rec, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending row: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// CleanupStale deletes rows whose expires_at has passed and returns them so
// the caller can audit the expiry and tidy up messenger messages. Rows that
// carry a queued result are kept: the agent still needs to drain them.
func (s *Store) CleanupStale() ([]model.PendingRecord, error) {
	now := time.Now().UTC().Format(timeFormat)
	rows, err := s.db.Query(
		`SELECT `+pendingColumns+` FROM pending_requests
		 WHERE expires_at < ? AND result IS NULL`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale requests: %w", err)
	}
	stale := []model.PendingRecord{}
	for rows.Next() {
		rec, err := scanPending(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan stale row: %w", err)
		}
		stale = append(stale, *rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if _, err := s.db.Exec(
		`DELETE FROM pending_requests WHERE expires_at < ? AND result IS NULL`, now); err != nil {
		return nil, fmt.Errorf("failed to delete stale requests: %w", err)
	}
	return stale, nil
}
