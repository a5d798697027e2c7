package gateway

import apperrors "github.com/mrorigo/acp2-gateway/pkg/errors"

var errAgentBoom = apperrors.Wrap(apperrors.ErrAgentProcess, "fakeConn.Prompt", "boom")
var errPromptCancelled = apperrors.Wrap(apperrors.ErrCancelled, "fakeConn.Prompt", "cancelled")

// fakeConn is a stub runmanager.AgentConnection for orchestrator tests —
// no subprocess is ever spawned.
type fakeConn struct {
	initErr        error
	startSessionID string
	startErr       error
	loadErr        error

	promptFn func(sessionID string, content []map[string]any, onChunk func(string), cancelCh <-chan struct{}) (map[string]any, error)

	cancelCalled bool
	closeCalled  bool
}

func (f *fakeConn) Initialize() error { return f.initErr }

func (f *fakeConn) StartSession(cwd string, mcpServers []map[string]any) (string, error) {
	return f.startSessionID, f.startErr
}

func (f *fakeConn) LoadSession(sessionID, cwd string, mcpServers []map[string]any) error {
	return f.loadErr
}

func (f *fakeConn) Prompt(sessionID string, content []map[string]any, onChunk func(string), cancelCh <-chan struct{}) (map[string]any, error) {
	if f.promptFn != nil {
		return f.promptFn(sessionID, content, onChunk, cancelCh)
	}
	if onChunk != nil {
		onChunk("hello")
	}
	return map[string]any{"stopReason": "end_turn"}, nil
}

func (f *fakeConn) Cancel(sessionID string) error {
	f.cancelCalled = true
	return nil
}

func (f *fakeConn) Close() error {
	f.closeCalled = true
	return nil
}
