package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mrorigo/acp2-gateway/internal/registry"
	"github.com/mrorigo/acp2-gateway/internal/runmanager"
	"github.com/mrorigo/acp2-gateway/internal/store"
	apperrors "github.com/mrorigo/acp2-gateway/pkg/errors"
	"github.com/mrorigo/acp2-gateway/pkg/logger"
)

// RunCreateRequest is the POST /runs request body. Validation (non-empty
// input content, a known role, a supported mode) is delegated to Gin's
// bundled go-playground/validator via these binding tags rather than
// hand-rolled checks.
type RunCreateRequest struct {
	Agent     string             `json:"agent" binding:"required"`
	Input     runmanager.Message `json:"input" binding:"required"`
	Mode      runmanager.RunMode `json:"mode" binding:"omitempty,oneof=sync stream"`
	SessionID string             `json:"session_id,omitempty"`
}

func (r *RunCreateRequest) normalize() {
	if r.Mode == "" {
		r.Mode = runmanager.ModeSync
	}
}

func promptContent(msg runmanager.Message) []map[string]any {
	parts := make([]map[string]any, len(msg.Content))
	for i, p := range msg.Content {
		parts[i] = map[string]any{"type": p.Type, "text": p.Text}
	}
	return parts
}

func stopReasonFrom(result map[string]any) *string {
	if result == nil {
		return nil
	}
	v, ok := result["stopReason"].(string)
	if !ok || v == "" {
		return nil
	}
	return &v
}

func (g *Gateway) handleCreateRun(c *gin.Context) {
	var req RunCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	req.normalize()

	agent, err := g.deps.Registry.Get(req.Agent)
	if err != nil {
		writeAppError(c, "Gateway.handleCreateRun", err)
		return
	}

	if req.Mode == runmanager.ModeStream {
		g.handleCreateRunStream(c, agent, req)
		return
	}
	g.handleCreateRunSync(c, agent, req)
}

func (g *Gateway) handleCreateRunSync(c *gin.Context, agent registry.AgentConfig, req RunCreateRequest) {
	ctx := c.Request.Context()
	run := g.deps.Manager.CreateRun(agent.Name, runmanager.ModeSync)

	sessCtx, err := g.resolveSessionContext(ctx, req.SessionID, agent.Name)
	if err != nil {
		writeAppError(c, "Gateway.handleCreateRunSync", err)
		return
	}

	conn, err := g.deps.ConnFactory(ctx, agent)
	if err != nil {
		failed, _ := g.deps.Manager.FailRun(run.ID, "agent_error", err.Error())
		c.JSON(http.StatusBadGateway, failed)
		return
	}
	defer conn.Close()

	if err := g.deps.Manager.StartRun(run.ID, conn); err != nil {
		writeAppError(c, "Gateway.handleCreateRunSync", err)
		return
	}

	if err := conn.Initialize(); err != nil {
		failed, _ := g.deps.Manager.FailRun(run.ID, "agent_error", err.Error())
		c.JSON(http.StatusBadGateway, failed)
		return
	}

	sessionID, err := g.attachSession(ctx, conn, agent, sessCtx)
	if err != nil {
		failed, _ := g.deps.Manager.FailRun(run.ID, "agent_error", err.Error())
		c.JSON(http.StatusBadGateway, failed)
		return
	}
	_ = g.deps.Manager.SetSessionID(run.ID, sessionID)

	cancelCh, err := g.deps.Manager.CancelEventFor(run.ID)
	if err != nil {
		writeAppError(c, "Gateway.handleCreateRunSync", err)
		return
	}

	var messageParts []string
	onChunk := func(text string) {
		_ = g.deps.Manager.AppendOutputPart(run.ID, text)
		messageParts = append(messageParts, text)
	}

	result, promptErr := conn.Prompt(sessionID, promptContent(req.Input), onChunk, cancelCh)

	if errors.Is(promptErr, apperrors.ErrCancelled) {
		cancelled, _ := g.deps.Manager.CancelRun(run.ID)
		c.JSON(http.StatusOK, cancelled)
		return
	}
	if promptErr != nil {
		logger.FromContext(ctx).Error("gateway: agent prompt failed", logger.FieldRunID, run.ID, logger.FieldError, promptErr)
		failed, _ := g.deps.Manager.FailRun(run.ID, "agent_error", promptErr.Error())
		c.JSON(http.StatusBadGateway, failed)
		return
	}

	// Post-completion safety net: cancellation may have been requested in the
	// narrow window after Prompt chose its result branch.
	select {
	case <-cancelCh:
		cancelled, _ := g.deps.Manager.CancelRun(run.ID)
		c.JSON(http.StatusOK, cancelled)
		return
	default:
	}

	completed, _ := g.deps.Manager.CompleteRun(run.ID, stopReasonFrom(result))
	g.persistHistory(ctx, sessCtx, run.ID, req.Input, strings.Join(messageParts, ""))
	c.JSON(http.StatusOK, completed)
}

// attachSession resolves which agent-side session id to use for a run:
//   - no session_id on the request -> a fresh, stateless session
//   - session_id present but never linked to a real agent session -> create
//     one and persist the mapping
//   - session_id already linked -> resume it, falling back to a fresh
//     session if the agent rejects the resume
func (g *Gateway) attachSession(ctx context.Context, conn runmanager.AgentConnection, agent registry.AgentConfig, sessCtx *sessionContext) (string, error) {
	if sessCtx == nil {
		return conn.StartSession(g.cwd(), nil)
	}

	session := sessCtx.session
	if session.ZedSessionID != "" && !store.IsPendingZedSessionID(session.ZedSessionID) {
		if err := conn.LoadSession(session.ZedSessionID, session.WorkingDir, nil); err == nil {
			return session.ZedSessionID, nil
		}
		logger.Warn("gateway: failed to load agent session, starting new", logger.FieldSessionID, sessCtx.clientID)
	}

	sessionID, err := conn.StartSession(session.WorkingDir, nil)
	if err != nil {
		return "", err
	}
	if err := g.deps.Sessions.UpdateZedSessionID(ctx, sessCtx.clientID, sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

// persistHistory records the user input and the assistant's combined output
// against a session, when the run was associated with one. Role is always
// passed explicitly by the caller, never inferred from sequence number.
func (g *Gateway) persistHistory(ctx context.Context, sessCtx *sessionContext, runID string, input runmanager.Message, assistantText string) {
	if sessCtx == nil || g.deps.Sessions == nil {
		return
	}
	if err := g.deps.Sessions.AppendMessage(ctx, sessCtx.clientID, runID, "user", 0, input); err != nil {
		logger.Warn("gateway: failed to persist user message", logger.FieldSessionID, sessCtx.clientID, logger.FieldError, err)
		return
	}
	if assistantText == "" {
		return
	}
	assistant := runmanager.Message{Role: "assistant", Content: []runmanager.MessagePart{{Type: "text", Text: assistantText}}}
	if err := g.deps.Sessions.AppendMessage(ctx, sessCtx.clientID, runID, "assistant", 1, assistant); err != nil {
		logger.Warn("gateway: failed to persist assistant message", logger.FieldSessionID, sessCtx.clientID, logger.FieldError, err)
	}
}

func (g *Gateway) handleCancelRun(c *gin.Context) {
	runID := c.Param("run_id")

	if _, err := g.deps.Manager.GetRun(runID); err != nil {
		writeAppError(c, "Gateway.handleCancelRun", err)
		return
	}

	run, err := g.deps.Manager.RequestCancel(runID)
	if err != nil {
		writeAppError(c, "Gateway.handleCancelRun", err)
		return
	}
	c.JSON(http.StatusOK, run)
}
