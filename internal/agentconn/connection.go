// Package agentconn owns one agent child process and speaks Agent-RPC
// (newline-delimited JSON-RPC 2.0) over its stdio.
package agentconn

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	apperrors "github.com/mrorigo/acp2-gateway/pkg/errors"
	"github.com/mrorigo/acp2-gateway/pkg/logger"
)

// NotificationHandler processes an inbound notification received while a
// request is outstanding. Returning an error aborts the in-flight Request;
// returning apperrors.ErrCancelled signals the prompt was cancelled by the
// agent itself.
type NotificationHandler func(payload *envelope) error

// Config carries the Connection's process-lifecycle timing, overridable
// per-deployment via internal/config.
type Config struct {
	CloseGrace time.Duration
	KillGrace  time.Duration

	// StderrRingLines bounds how many lines of diagnostic stderr are kept in
	// memory. Zero falls back to DefaultConfig's 200.
	StderrRingLines int
}

// DefaultConfig matches the hard bounds the gateway's protocol guarantees.
func DefaultConfig() Config {
	return Config{CloseGrace: time.Second, KillGrace: 2 * time.Second, StderrRingLines: 200}
}

// Connection owns a single child process for the lifetime of one run.
type Connection struct {
	command []string
	apiKey  string
	cfg     Config
	agentID string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	stderr     *RingBuffer
	stderrDone chan struct{}

	writeMu sync.Mutex
	readMu  sync.Mutex

	idCounter atomic.Uint64
	started   atomic.Bool
	closed    atomic.Bool
}

// envelope is the wire shape of one Agent-RPC frame, in either direction.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// New creates a Connection for the given argv. Does not spawn yet.
func New(command []string, apiKey string, agentID string, cfg Config) *Connection {
	return &Connection{command: command, apiKey: apiKey, agentID: agentID, cfg: cfg}
}

// Start spawns the configured argv with piped stdio. Idempotent once started.
func (c *Connection) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return nil
	}
	if len(c.command) == 0 {
		return apperrors.New("Connection.Start", "agent command cannot be empty")
	}

	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if c.apiKey != "" {
		cmd.Env = append(os.Environ(), "OPENAI_API_KEY="+c.apiKey)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperrors.Wrap(err, "Connection.Start", "open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.Wrap(err, "Connection.Start", "open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apperrors.Wrap(err, "Connection.Start", "open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return apperrors.Wrap(err, "Connection.Start", "spawn agent process")
	}

	ringLines := c.cfg.StderrRingLines
	if ringLines <= 0 {
		ringLines = 200
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = bufio.NewReader(stdout)
	c.stderr = NewRingBuffer(ringLines)
	c.stderrDone = make(chan struct{})

	go c.drainStderr(stderr)

	logger.Infow("agentconn: process started",
		logger.FieldAgentName, c.agentID,
		logger.FieldPID, cmd.Process.Pid,
	)
	return nil
}

// drainStderr streams child stderr into the diagnostic ring buffer and the
// structured logger at debug level, so a misbehaving agent can be watched
// live without waiting for a failure.
func (c *Connection) drainStderr(r io.Reader) {
	defer close(c.stderrDone)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		c.stderr.Write([]byte(line + "\n"))
		if strings.TrimSpace(line) != "" {
			logger.Debug("agentconn: stderr", logger.FieldAgentName, c.agentID, "line", line)
		}
	}
}

// Stderr returns the captured diagnostic stderr tail.
func (c *Connection) Stderr() string {
	if c.stderr == nil {
		return ""
	}
	return strings.TrimRight(c.stderr.String(), "\n")
}

// Close performs orderly shutdown: EOF stdin, wait for exit, SIGTERM, wait,
// SIGKILL. Safe to call multiple times and after errors.
func (c *Connection) Close() error {
	if !c.started.Load() || c.closed.Swap(true) {
		return nil
	}
	logger.Debug("agentconn: closing", logger.FieldAgentName, c.agentID)

	if c.stdin != nil {
		_ = c.stdin.Close()
	}

	// Wait closes the stderr pipe once the child exits, which ends
	// drainStderr; the drain is awaited after exit so a child that ignores
	// EOF cannot hold Close up before the grace timers start.
	done := make(chan error, 1)
	go func() {
		err := c.cmd.Wait()
		if c.stderrDone != nil {
			<-c.stderrDone
		}
		done <- err
	}()

	select {
	case <-done:
		return nil
	case <-time.After(c.cfg.CloseGrace):
	}

	logger.Debug("agentconn: process still running, sending SIGTERM", logger.FieldAgentName, c.agentID)
	_ = c.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(c.cfg.KillGrace):
	}

	logger.Warn("agentconn: process did not terminate, killing", logger.FieldAgentName, c.agentID)
	if pid := c.cmd.Process.Pid; pid > 0 {
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			_ = c.cmd.Process.Kill()
		}
	}
	<-done
	return nil
}

func (c *Connection) nextID() uint64 {
	return c.idCounter.Add(1)
}

func (c *Connection) writeFrame(v any) error {
	if c.stdin == nil {
		return apperrors.Wrap(apperrors.ErrAgentProcess, "Connection.writeFrame", "agent stdin unavailable")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(err, "Connection.writeFrame", "marshal frame")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return apperrors.Wrap(err, "Connection.writeFrame", "write to agent stdin")
	}
	return nil
}

// readFrame reads the next well-formed JSON object line, skipping blank
// lines, non-JSON log output, and malformed JSON.
func (c *Connection) readFrame() (*envelope, error) {
	if c.stdout == nil {
		return nil, apperrors.Wrap(apperrors.ErrAgentProcess, "Connection.readFrame", "agent stdout unavailable")
	}
	for {
		c.readMu.Lock()
		line, err := c.stdout.ReadString('\n')
		c.readMu.Unlock()

		trimmed := strings.TrimSpace(line)
		if err != nil {
			if trimmed == "" {
				msg := "agent process closed stdout unexpectedly"
				if tail := c.Stderr(); tail != "" {
					msg = fmt.Sprintf("%s. stderr: %s", msg, tail)
				}
				return nil, apperrors.Wrap(apperrors.ErrAgentProcess, "Connection.readFrame", msg)
			}
			// Fall through: try to use whatever was read before EOF.
		}
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}
		var env envelope
		if jsonErr := json.Unmarshal([]byte(trimmed), &env); jsonErr != nil {
			logger.Debug("agentconn: skipping malformed JSON", logger.FieldAgentName, c.agentID, "line", trimmed)
			continue
		}
		return &env, nil
	}
}

// Request writes one JSON-RPC request and reads frames until the matching
// response arrives. Any other frame (a notification) is passed to handler.
func (c *Connection) Request(method string, params any, handler NotificationHandler) (json.RawMessage, error) {
	id := c.nextID()
	var paramsRaw json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, apperrors.Wrap(err, "Connection.Request", "marshal params")
		}
		paramsRaw = raw
	}

	if err := c.writeFrame(&envelope{JSONRPC: "2.0", ID: &id, Method: method, Params: paramsRaw}); err != nil {
		return nil, err
	}

	for {
		frame, err := c.readFrame()
		if err != nil {
			return nil, err
		}
		if frame.ID != nil && *frame.ID == id {
			if frame.Error != nil {
				return nil, apperrors.Wrapf(apperrors.ErrAgentProcess, "Connection.Request",
					"agent returned error %d: %s", frame.Error.Code, frame.Error.Message)
			}
			return frame.Result, nil
		}
		if handler != nil {
			if err := handler(frame); err != nil {
				return nil, err
			}
		}
	}
}

// Notify writes a single notification. No response is awaited.
func (c *Connection) Notify(method string, params any) error {
	var paramsRaw json.RawMessage
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return apperrors.Wrap(err, "Connection.Notify", "marshal params")
		}
		paramsRaw = raw
	}
	return c.writeFrame(&envelope{JSONRPC: "2.0", Method: method, Params: paramsRaw})
}

type authMethod struct {
	ID string `json:"id"`
}

type initializeResult struct {
	AuthMethods []authMethod `json:"authMethods"`
}

// Initialize negotiates protocol version and authenticates if the agent
// requires it and an api key is configured.
func (c *Connection) Initialize() error {
	params := map[string]any{
		"protocolVersion": "v1",
		"clientName":      "cli",
		"capabilities":    map[string]any{},
	}
	raw, err := c.Request("initialize", params, nil)
	if err != nil {
		return apperrors.Wrap(err, "Connection.Initialize", "initialize request failed")
	}

	var result initializeResult
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &result)
	}
	if len(result.AuthMethods) == 0 {
		return nil
	}

	var hasAPIKeyMethod bool
	for _, m := range result.AuthMethods {
		if m.ID == "apikey" {
			hasAPIKeyMethod = true
			break
		}
	}
	if hasAPIKeyMethod && c.apiKey != "" {
		_, err := c.Request("authenticate", map[string]any{"methodId": "apikey"}, nil)
		if err != nil {
			return apperrors.Wrap(err, "Connection.Initialize", "authenticate failed")
		}
		return nil
	}
	if hasAPIKeyMethod {
		return apperrors.New("Connection.Initialize", "agent requires API key authentication but none was provided")
	}
	return apperrors.New("Connection.Initialize", "agent requires authentication but no supported method found")
}

type sessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// StartSession requests a fresh agent-side session and returns its id.
func (c *Connection) StartSession(cwd string, mcpServers []map[string]any) (string, error) {
	if mcpServers == nil {
		mcpServers = []map[string]any{}
	}
	raw, err := c.Request("session/new", map[string]any{"cwd": cwd, "mcpServers": mcpServers}, nil)
	if err != nil {
		return "", err
	}
	var result sessionNewResult
	if err := json.Unmarshal(raw, &result); err != nil || result.SessionID == "" {
		return "", apperrors.Wrap(apperrors.ErrAgentProcess, "Connection.StartSession", "session/new missing sessionId")
	}
	return result.SessionID, nil
}

// LoadSession resumes an existing agent-side session. session/update
// notifications replaying history may arrive during the request; they are
// silently observed (no chunk handler is invoked for history replay).
func (c *Connection) LoadSession(sessionID, cwd string, mcpServers []map[string]any) error {
	if mcpServers == nil {
		mcpServers = []map[string]any{}
	}
	params := map[string]any{"sessionId": sessionID, "cwd": cwd, "mcpServers": mcpServers}
	_, err := c.Request("session/load", params, func(frame *envelope) error {
		return nil
	})
	return err
}

type sessionUpdateParams struct {
	Update struct {
		SessionUpdate string `json:"sessionUpdate"`
		Content       struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"update"`
}

// Prompt sends session/prompt and drives chunk extraction and cancellation
// racing. If cancelCh fires before the request completes, Cancel is sent to
// the agent and apperrors.ErrCancelled is returned.
func (c *Connection) Prompt(sessionID string, content []map[string]any, onChunk func(string), cancelCh <-chan struct{}) (map[string]any, error) {
	handler := func(frame *envelope) error {
		switch frame.Method {
		case "session/update":
			var params sessionUpdateParams
			if err := json.Unmarshal(frame.Params, &params); err != nil {
				return nil
			}
			switch params.Update.SessionUpdate {
			case "agent_message_chunk":
				if text := params.Update.Content.Text; text != "" && onChunk != nil {
					onChunk(text)
				}
			case "session/cancelled":
				return apperrors.Wrap(apperrors.ErrCancelled, "Connection.Prompt", "agent reported cancellation")
			}
		case "session/cancelled":
			return apperrors.Wrap(apperrors.ErrCancelled, "Connection.Prompt", "agent reported cancellation")
		}
		return nil
	}

	type promptOutcome struct {
		result map[string]any
		err    error
	}
	resultCh := make(chan promptOutcome, 1)
	go func() {
		raw, err := c.Request("session/prompt", map[string]any{"sessionId": sessionID, "prompt": content}, handler)
		if err != nil {
			resultCh <- promptOutcome{err: err}
			return
		}
		var result map[string]any
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &result)
		}
		resultCh <- promptOutcome{result: result}
	}()

	if cancelCh == nil {
		outcome := <-resultCh
		if outcome.result == nil {
			outcome.result = map[string]any{}
		}
		return outcome.result, outcome.err
	}

	select {
	case outcome := <-resultCh:
		if outcome.result == nil {
			outcome.result = map[string]any{}
		}
		return outcome.result, outcome.err
	case <-cancelCh:
		_ = c.Cancel(sessionID)
		return nil, apperrors.Wrap(apperrors.ErrCancelled, "Connection.Prompt", "external cancellation requested")
	}
}

// Cancel sends session/cancel. Always a notification, never a request.
func (c *Connection) Cancel(sessionID string) error {
	var params map[string]any
	if sessionID != "" {
		params = map[string]any{"sessionId": sessionID}
	}
	return c.Notify("session/cancel", params)
}
