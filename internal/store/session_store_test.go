package store

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	connStr := os.Getenv("TEST_POSTGRES_CONNECTION_STRING")
	if connStr == "" {
		t.Skip("TEST_POSTGRES_CONNECTION_STRING not set")
	}
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connect to db: %v", err)
	}
	return pool
}

func TestSessionStore(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	store := NewSessionStore(pool)
	ctx := context.Background()

	pool.Exec(ctx, "DELETE FROM acp_sessions WHERE acp_session_id LIKE 'test-%'")

	t.Run("GetOrCreate_CreatesWithPlaceholder", func(t *testing.T) {
		session, err := store.GetOrCreate(ctx, "test-session-1", "echo", "/tmp")
		if err != nil {
			t.Fatalf("GetOrCreate() error: %v", err)
		}
		if !IsPendingZedSessionID(session.ZedSessionID) {
			t.Errorf("ZedSessionID = %q, want placeholder", session.ZedSessionID)
		}
		if session.AgentName != "echo" {
			t.Errorf("AgentName = %q", session.AgentName)
		}
	})

	t.Run("GetOrCreate_ReturnsExisting", func(t *testing.T) {
		first, err := store.GetOrCreate(ctx, "test-session-2", "echo", "/tmp")
		if err != nil {
			t.Fatalf("GetOrCreate() error: %v", err)
		}
		if err := store.UpdateZedSessionID(ctx, "test-session-2", "zed-real-id"); err != nil {
			t.Fatalf("UpdateZedSessionID() error: %v", err)
		}

		second, err := store.GetOrCreate(ctx, "test-session-2", "echo", "/tmp")
		if err != nil {
			t.Fatalf("second GetOrCreate() error: %v", err)
		}
		if second.ZedSessionID != "zed-real-id" {
			t.Errorf("ZedSessionID = %q, want zed-real-id", second.ZedSessionID)
		}
		if second.ID != first.ID {
			t.Errorf("ID mismatch between GetOrCreate calls")
		}
	})

	t.Run("AppendMessage_AndGetHistory", func(t *testing.T) {
		if _, err := store.GetOrCreate(ctx, "test-session-3", "echo", "/tmp"); err != nil {
			t.Fatalf("GetOrCreate() error: %v", err)
		}

		userContent := map[string]any{"role": "user", "content": []map[string]any{{"type": "text", "text": "hi"}}}
		if err := store.AppendMessage(ctx, "test-session-3", "run-1", "user", 0, userContent); err != nil {
			t.Fatalf("AppendMessage(user) error: %v", err)
		}
		assistantContent := map[string]any{"role": "assistant", "content": []map[string]any{{"type": "text", "text": "hello"}}}
		if err := store.AppendMessage(ctx, "test-session-3", "run-1", "assistant", 1, assistantContent); err != nil {
			t.Fatalf("AppendMessage(assistant) error: %v", err)
		}

		history, err := store.GetHistory(ctx, "test-session-3", 10)
		if err != nil {
			t.Fatalf("GetHistory() error: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("len(history) = %d, want 2", len(history))
		}
		if history[0].Role != "user" || history[1].Role != "assistant" {
			t.Errorf("roles out of order: %+v", history)
		}

		session, err := store.Get(ctx, "test-session-3")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if session.LastRunID == nil || *session.LastRunID != "run-1" {
			t.Errorf("LastRunID = %v, want run-1", session.LastRunID)
		}
	})

	t.Run("List_FiltersByAgentAndActive", func(t *testing.T) {
		if _, err := store.GetOrCreate(ctx, "test-session-4", "code", "/tmp"); err != nil {
			t.Fatalf("GetOrCreate() error: %v", err)
		}

		sessions, err := store.List(ctx, "code", true)
		if err != nil {
			t.Fatalf("List() error: %v", err)
		}
		found := false
		for _, s := range sessions {
			if s.ID == "test-session-4" {
				found = true
			}
		}
		if !found {
			t.Error("expected test-session-4 in List(code, true)")
		}
	})

	t.Run("Delete_RemovesSessionAndHistory", func(t *testing.T) {
		if _, err := store.GetOrCreate(ctx, "test-session-5", "echo", "/tmp"); err != nil {
			t.Fatalf("GetOrCreate() error: %v", err)
		}
		if err := store.AppendMessage(ctx, "test-session-5", "run-1", "user", 0, map[string]any{"x": 1}); err != nil {
			t.Fatalf("AppendMessage() error: %v", err)
		}

		deleted, err := store.Delete(ctx, "test-session-5")
		if err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if !deleted {
			t.Error("expected Delete() to report a removed row")
		}

		session, err := store.Get(ctx, "test-session-5")
		if err != nil {
			t.Fatalf("Get() after Delete() error: %v", err)
		}
		if session != nil {
			t.Error("expected session to be gone after Delete()")
		}
	})
}
