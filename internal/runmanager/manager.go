// Package runmanager tracks the lifecycle of active runs: per-run status,
// output buffering and the one-shot cancel signal that the Run Orchestrator
// races against an in-flight prompt.
//
// Every run lives behind a single coarse mutex. Runs are short-lived and
// low-cardinality (one per in-flight HTTP request), so per-run locking
// would add complexity without a measurable benefit.
package runmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/mrorigo/acp2-gateway/pkg/errors"
	"github.com/mrorigo/acp2-gateway/pkg/logger"
)

// AgentConnection is the subset of agentconn.Connection's API the Run
// Manager and Run Orchestrator need. Defined here (rather than imported)
// so orchestrator tests can supply a fake satisfying the same shape.
type AgentConnection interface {
	Initialize() error
	StartSession(cwd string, mcpServers []map[string]any) (string, error)
	LoadSession(sessionID, cwd string, mcpServers []map[string]any) error
	Prompt(sessionID string, content []map[string]any, onChunk func(string), cancelCh <-chan struct{}) (map[string]any, error)
	Cancel(sessionID string) error
	Close() error
}

// RunMode is the execution mode requested for a run.
type RunMode string

const (
	ModeSync   RunMode = "sync"
	ModeStream RunMode = "stream"
)

// RunStatus is a run's lifecycle state.
//
// DAG: queued -> in_progress -> {completed, failed, cancelling};
// cancelling -> cancelled. There is no direct in_progress -> cancelled edge.
type RunStatus string

const (
	StatusQueued     RunStatus = "queued"
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
	StatusFailed     RunStatus = "failed"
	StatusCancelling RunStatus = "cancelling"
	StatusCancelled  RunStatus = "cancelled"
)

// MessagePart is a single unit of message content. Only text parts exist today.
type MessagePart struct {
	Type string `json:"type" binding:"required"`
	Text string `json:"text"`
}

// Message is the minimal conversational message shape shared by input and
// output. The binding tags are only meaningful where this type is bound from
// an incoming HTTP request body (POST /runs); they are inert elsewhere.
type Message struct {
	Role    string        `json:"role" binding:"required,oneof=user assistant system"`
	Content []MessagePart `json:"content" binding:"required,min=1"`
}

// ErrorDetail is the structured error body attached to a failed run.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Run is the externally-visible representation of one proxied agent invocation.
type Run struct {
	ID         string       `json:"id"`
	Agent      string       `json:"agent"`
	Mode       RunMode      `json:"mode"`
	Status     RunStatus    `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	Output     *Message     `json:"output,omitempty"`
	StopReason *string      `json:"stop_reason,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// runState is the internal bookkeeping entry behind one Run.
type runState struct {
	run               Run
	connection        AgentConnection
	sessionID         string
	bufferedParts     []MessagePart
	cancelCh          chan struct{}
	cancelClosed      bool
	cancelRequestedAt *time.Time
}

// Manager owns every active run and serializes access to its state.
type Manager struct {
	mu   sync.Mutex
	runs map[string]*runState
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{runs: make(map[string]*runState)}
}

// CreateRun allocates a fresh run id and registers it in the queued state.
func (m *Manager) CreateRun(agent string, mode RunMode) Run {
	now := time.Now().UTC()
	run := Run{
		ID:        uuid.New().String(),
		Agent:     agent,
		Mode:      mode,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.runs[run.ID] = &runState{run: run, cancelCh: make(chan struct{})}
	m.mu.Unlock()

	logger.Debug("runmanager: created run", logger.FieldRunID, run.ID, logger.FieldAgentName, agent, logger.FieldRunMode, string(mode))
	return run
}

// StartRun transitions a queued run to in_progress and attaches its connection.
func (m *Manager) StartRun(runID string, conn AgentConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.lookup(runID)
	if err != nil {
		return err
	}
	state.run.Status = StatusInProgress
	state.run.UpdatedAt = time.Now().UTC()
	state.connection = conn
	return nil
}

// SetSessionID records the agent-side session identifier for a run.
func (m *Manager) SetSessionID(runID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.lookup(runID)
	if err != nil {
		return err
	}
	state.sessionID = sessionID
	return nil
}

// AppendOutputPart buffers one streamed text chunk for a run.
func (m *Manager) AppendOutputPart(runID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.lookup(runID)
	if err != nil {
		return err
	}
	state.bufferedParts = append(state.bufferedParts, MessagePart{Type: "text", Text: text})
	return nil
}

// CompleteRun marks a run completed, attaching the buffered output as the
// assistant message when any parts were collected, and releases its connection.
func (m *Manager) CompleteRun(runID string, stopReason *string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.lookup(runID)
	if err != nil {
		return Run{}, err
	}

	state.run.Status = StatusCompleted
	state.run.StopReason = stopReason
	state.run.UpdatedAt = time.Now().UTC()
	if len(state.bufferedParts) > 0 {
		state.run.Output = &Message{Role: "assistant", Content: append([]MessagePart(nil), state.bufferedParts...)}
	} else {
		logger.Warn("runmanager: completed run with no buffered output", logger.FieldRunID, runID)
	}
	state.connection = nil
	return state.run, nil
}

// FailRun marks a run failed with a structured error and releases its connection.
func (m *Manager) FailRun(runID string, code, message string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.lookup(runID)
	if err != nil {
		return Run{}, err
	}

	state.run.Status = StatusFailed
	state.run.UpdatedAt = time.Now().UTC()
	state.run.Error = &ErrorDetail{Code: code, Message: message}
	state.connection = nil
	return state.run, nil
}

// CancelRun marks a run cancelled (the terminal edge from cancelling) and
// releases its connection.
func (m *Manager) CancelRun(runID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.lookup(runID)
	if err != nil {
		return Run{}, err
	}

	state.run.Status = StatusCancelled
	state.run.UpdatedAt = time.Now().UTC()
	state.connection = nil
	return state.run, nil
}

// RequestCancel moves a run into cancelling and fires its one-shot cancel
// signal. Idempotent: a second call against an already-cancelling run only
// refreshes cancel_requested_at. A run already in a terminal state is
// returned unchanged.
func (m *Manager) RequestCancel(runID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.lookup(runID)
	if err != nil {
		return Run{}, err
	}
	switch state.run.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return state.run, nil
	}

	now := time.Now().UTC()
	if state.run.Status != StatusCancelling {
		state.run.Status = StatusCancelling
		state.run.UpdatedAt = now
	}
	state.cancelRequestedAt = &now
	if !state.cancelClosed {
		close(state.cancelCh)
		state.cancelClosed = true
	}

	logger.Debug("runmanager: cancellation requested", logger.FieldRunID, runID)
	return state.run, nil
}

// GetRun returns a snapshot of the current run.
func (m *Manager) GetRun(runID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.lookup(runID)
	if err != nil {
		return Run{}, err
	}
	return state.run, nil
}

// Pop discards a run's bookkeeping entry. Safe to call on an unknown id.
func (m *Manager) Pop(runID string) {
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
	logger.Debug("runmanager: run removed", logger.FieldRunID, runID)
}

// ConnectionFor returns the agent connection currently attached to a run, if any.
func (m *Manager) ConnectionFor(runID string) AgentConnection {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.runs[runID]
	if !ok {
		return nil
	}
	return state.connection
}

// SessionFor returns the agent-side session id attached to a run, if any.
func (m *Manager) SessionFor(runID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.runs[runID]
	if !ok {
		return ""
	}
	return state.sessionID
}

// WaitForSession polls SessionFor until a session id appears or timeout elapses.
func (m *Manager) WaitForSession(ctx context.Context, runID string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 50 * time.Millisecond

	for {
		if sid := m.SessionFor(runID); sid != "" {
			return sid, nil
		}
		if time.Now().After(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// CancelEventFor returns the one-shot cancel channel for a run. The channel
// is closed exactly once, by RequestCancel.
func (m *Manager) CancelEventFor(runID string) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	return state.cancelCh, nil
}

// lookup fetches a run's state. Callers must hold m.mu.
func (m *Manager) lookup(runID string) (*runState, error) {
	state, ok := m.runs[runID]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "Manager.lookup", "unknown run: %s", runID)
	}
	return state, nil
}
