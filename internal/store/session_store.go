// session_store.go — Postgres-backed persistence for stateful ACP sessions
// and their message history (tables acp_sessions + session_history).
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ACPSession maps a client-supplied session id to the agent-side session id
// and tracks its working directory and recency.
type ACPSession struct {
	ID           string    `db:"acp_session_id" json:"session_id"`
	AgentName    string    `db:"agent_name" json:"agent_name"`
	ZedSessionID string    `db:"zed_session_id" json:"zed_session_id"`
	WorkingDir   string    `db:"working_directory" json:"working_directory"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	LastRunID    *string   `db:"last_run_id" json:"last_run_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// SessionHistoryEntry is one message persisted against a session.
type SessionHistoryEntry struct {
	ID             int64     `db:"id" json:"id"`
	SessionID      string    `db:"acp_session_id" json:"session_id"`
	RunID          string    `db:"run_id" json:"run_id"`
	Role           string    `db:"role" json:"role"`
	SequenceNumber int       `db:"sequence_number" json:"sequence_number"`
	Content        any       `db:"content" json:"content"`
	AgentMessageID *string   `db:"agent_message_id" json:"agent_message_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// SessionStore persists ACPSession and SessionHistoryEntry rows.
type SessionStore struct{ BaseStore }

// NewSessionStore creates a SessionStore.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{NewBaseStore(pool)}
}

const acpSessionCols = `acp_session_id, agent_name, zed_session_id, working_directory,
	is_active, last_run_id, created_at, updated_at`

// GetOrCreate returns the existing session for id, or creates a fresh one
// with a placeholder agent-side session id (the orchestrator replaces it
// with the real one via UpdateZedSessionID once the agent assigns one).
func (s *SessionStore) GetOrCreate(ctx context.Context, sessionID, agent, cwd string) (*ACPSession, error) {
	existing, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	rows, err := s.pool.Query(ctx, `
		INSERT INTO acp_sessions (acp_session_id, agent_name, zed_session_id, working_directory)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (acp_session_id) DO UPDATE SET updated_at = NOW()
		RETURNING `+acpSessionCols,
		sessionID, agent, placeholderZedSessionID(sessionID), cwd,
	)
	if err != nil {
		return nil, err
	}
	return collectOne[ACPSession](rows)
}

// Get retrieves a session by id, returning (nil, nil) when it does not exist.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*ACPSession, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+acpSessionCols+" FROM acp_sessions WHERE acp_session_id = $1",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	return collectOne[ACPSession](rows)
}

// UpdateZedSessionID records the agent-side session id once the agent assigns one.
func (s *SessionStore) UpdateZedSessionID(ctx context.Context, sessionID, zedSessionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE acp_sessions
		SET zed_session_id = $1, updated_at = NOW()
		WHERE acp_session_id = $2
	`, zedSessionID, sessionID)
	return err
}

// AppendMessage records one message in a session's history and bumps the
// session's recency, matching the original's "appending history also bumps
// session updated_at" behavior.
func (s *SessionStore) AppendMessage(ctx context.Context, sessionID, runID, role string, seq int, content any) error {
	contentJSON := mustMarshalJSON(content)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_history (acp_session_id, run_id, role, sequence_number, content)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, sessionID, runID, role, seq, string(contentJSON))
	if err != nil {
		return err
	}
	return s.UpdateActivity(ctx, sessionID, runID)
}

// GetHistory returns a session's message history ordered by sequence number.
func (s *SessionStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]SessionHistoryEntry, error) {
	q := NewQueryBuilder().Eq("acp_session_id", sessionID)
	sql, params := q.Build(
		"SELECT id, acp_session_id, run_id, role, sequence_number, content, agent_message_id, created_at FROM session_history",
		"sequence_number ASC", limit,
	)
	rows, err := s.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	return collectRows[SessionHistoryEntry](rows)
}

// List returns sessions, optionally filtered by agent name and active status.
//
// QueryBuilder.Eq is string-keyed and not a fit for the boolean is_active
// filter, so this builds its WHERE clause directly.
func (s *SessionStore) List(ctx context.Context, agentName string, activeOnly bool) ([]ACPSession, error) {
	var conditions []string
	var args []any

	if agentName != "" {
		args = append(args, agentName)
		conditions = append(conditions, fmt.Sprintf("agent_name = $%d", len(args)))
	}
	if activeOnly {
		conditions = append(conditions, "is_active = TRUE")
	}

	sql := "SELECT " + acpSessionCols + " FROM acp_sessions"
	if len(conditions) > 0 {
		sql += " WHERE " + strings.Join(conditions, " AND ")
	}
	sql += " ORDER BY updated_at DESC LIMIT 2000"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectRows[ACPSession](rows)
}

// Delete removes a session and its history (cascades via foreign key).
func (s *SessionStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	return DeleteByKey(ctx, s.pool, "acp_sessions", "acp_session_id", sessionID)
}

// UpdateActivity bumps a session's recency and records its last run id.
func (s *SessionStore) UpdateActivity(ctx context.Context, sessionID, runID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE acp_sessions
		SET updated_at = NOW(), last_run_id = $1
		WHERE acp_session_id = $2
	`, runID, sessionID)
	return err
}

const placeholderZedSessionPrefix = "pending_"

func placeholderZedSessionID(sessionID string) string {
	return placeholderZedSessionPrefix + sessionID
}

// IsPendingZedSessionID reports whether id is the placeholder assigned by
// GetOrCreate before the agent assigns its own session id.
func IsPendingZedSessionID(id string) bool {
	return strings.HasPrefix(id, placeholderZedSessionPrefix)
}
