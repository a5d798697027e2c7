package agentconn

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/mrorigo/acp2-gateway/pkg/errors"
)

// fakeAgentCommand returns the argv for a stub agent that runs script with
// `sh -c`: each script reads request lines from stdin with `read` and writes
// canned frames with `printf` (stdout, or stderr via `1>&2`). This keeps the
// tests hermetic without spawning a real conversational agent binary.
func fakeAgentCommand(t *testing.T, script string) []string {
	t.Helper()
	return []string{"sh", "-c", script}
}

func TestConnection_InitializeNoAuth(t *testing.T) {
	script := `
read line
printf '{"jsonrpc":"2.0","id":1,"result":{}}\n'
`
	conn := New(fakeAgentCommand(t, script), "", "test-agent", Config{CloseGrace: 50 * time.Millisecond, KillGrace: 100 * time.Millisecond})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer conn.Close()

	if err := conn.Initialize(); err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
}

func TestConnection_InitializeRequiresUnsupportedAuth(t *testing.T) {
	script := `
read line
printf '{"jsonrpc":"2.0","id":1,"result":{"authMethods":[{"id":"oauth"}]}}\n'
`
	conn := New(fakeAgentCommand(t, script), "", "test-agent", Config{CloseGrace: 50 * time.Millisecond, KillGrace: 100 * time.Millisecond})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer conn.Close()

	err := conn.Initialize()
	if err == nil {
		t.Fatal("expected error for unsupported auth method")
	}
}

func TestConnection_StartSession(t *testing.T) {
	script := `
read line
printf '{"jsonrpc":"2.0","id":1,"result":{"sessionId":"sess-1"}}\n'
`
	conn := New(fakeAgentCommand(t, script), "", "test-agent", Config{CloseGrace: 50 * time.Millisecond, KillGrace: 100 * time.Millisecond})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer conn.Close()

	sid, err := conn.StartSession("/tmp", nil)
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	if sid != "sess-1" {
		t.Errorf("StartSession() = %q, want sess-1", sid)
	}
}

func TestConnection_StartSession_MissingSessionID(t *testing.T) {
	script := `
read line
printf '{"jsonrpc":"2.0","id":1,"result":{}}\n'
`
	conn := New(fakeAgentCommand(t, script), "", "test-agent", Config{CloseGrace: 50 * time.Millisecond, KillGrace: 100 * time.Millisecond})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer conn.Close()

	_, err := conn.StartSession("/tmp", nil)
	if !errors.Is(err, apperrors.ErrAgentProcess) {
		t.Errorf("StartSession() error = %v, want ErrAgentProcess", err)
	}
}

func TestConnection_PromptEmitsChunksThenResult(t *testing.T) {
	script := `
read line
printf '{"jsonrpc":"2.0","method":"session/update","params":{"update":{"sessionUpdate":"agent_message_chunk","content":{"text":"hello "}}}}\n'
printf '{"jsonrpc":"2.0","method":"session/update","params":{"update":{"sessionUpdate":"agent_message_chunk","content":{"text":"world"}}}}\n'
printf '{"jsonrpc":"2.0","id":1,"result":{"stopReason":"stop"}}\n'
`
	conn := New(fakeAgentCommand(t, script), "", "test-agent", Config{CloseGrace: 50 * time.Millisecond, KillGrace: 100 * time.Millisecond})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer conn.Close()

	var chunks []string
	result, err := conn.Prompt("sess-1", nil, func(text string) { chunks = append(chunks, text) }, nil)
	if err != nil {
		t.Fatalf("Prompt() error: %v", err)
	}
	if strings.Join(chunks, "") != "hello world" {
		t.Errorf("chunks = %v", chunks)
	}
	if result["stopReason"] != "stop" {
		t.Errorf("result = %v", result)
	}
}

func TestConnection_PromptCancelledByAgent(t *testing.T) {
	script := `
read line
printf '{"jsonrpc":"2.0","method":"session/cancelled"}\n'
`
	conn := New(fakeAgentCommand(t, script), "", "test-agent", Config{CloseGrace: 50 * time.Millisecond, KillGrace: 100 * time.Millisecond})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer conn.Close()

	_, err := conn.Prompt("sess-1", nil, nil, nil)
	if !errors.Is(err, apperrors.ErrCancelled) {
		t.Errorf("Prompt() error = %v, want ErrCancelled", err)
	}
}

func TestConnection_PromptExternalCancellation(t *testing.T) {
	// The script never replies, forcing the race to resolve via cancelCh.
	script := `
read line
sleep 5
`
	conn := New(fakeAgentCommand(t, script), "", "test-agent", Config{CloseGrace: 50 * time.Millisecond, KillGrace: 100 * time.Millisecond})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer conn.Close()

	cancelCh := make(chan struct{})
	close(cancelCh)

	_, err := conn.Prompt("sess-1", nil, nil, cancelCh)
	if !errors.Is(err, apperrors.ErrCancelled) {
		t.Errorf("Prompt() error = %v, want ErrCancelled", err)
	}
}

func TestConnection_ReadFrameSkipsNonJSONAndMalformed(t *testing.T) {
	script := `
read line
printf 'plain log line\n'
printf '{not-json-either\n'
printf '{"jsonrpc":"2.0","id":1,"result":{"ok":true}}\n'
`
	conn := New(fakeAgentCommand(t, script), "", "test-agent", Config{CloseGrace: 50 * time.Millisecond, KillGrace: 100 * time.Millisecond})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer conn.Close()

	raw, err := conn.Request("ping", nil, nil)
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	var result map[string]bool
	if err := json.Unmarshal(raw, &result); err != nil || !result["ok"] {
		t.Errorf("unexpected result: %s", raw)
	}
}

func TestConnection_PrematureStdoutClose(t *testing.T) {
	script := `
read line
printf 'some stderr diagnostic\n' 1>&2
`
	conn := New(fakeAgentCommand(t, script), "", "test-agent", Config{CloseGrace: 50 * time.Millisecond, KillGrace: 100 * time.Millisecond})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer conn.Close()

	_, err := conn.Request("ping", nil, nil)
	if !errors.Is(err, apperrors.ErrAgentProcess) {
		t.Errorf("Request() error = %v, want ErrAgentProcess", err)
	}
}

func TestConnection_CloseIdempotent(t *testing.T) {
	conn := New(fakeAgentCommand(t, "read line"), "", "test-agent", Config{CloseGrace: 50 * time.Millisecond, KillGrace: 100 * time.Millisecond})
	if err := conn.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}
