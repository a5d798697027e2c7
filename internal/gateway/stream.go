package gateway

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mrorigo/acp2-gateway/internal/registry"
	"github.com/mrorigo/acp2-gateway/internal/runmanager"
	apperrors "github.com/mrorigo/acp2-gateway/pkg/errors"
	"github.com/mrorigo/acp2-gateway/pkg/logger"
	"github.com/mrorigo/acp2-gateway/pkg/util"
)

type sseEvent struct {
	name string
	data any
}

func (g *Gateway) handleCreateRunStream(c *gin.Context, agent registry.AgentConfig, req RunCreateRequest) {
	ctx := c.Request.Context()
	run := g.deps.Manager.CreateRun(agent.Name, runmanager.ModeStream)

	sessCtx, err := g.resolveSessionContext(ctx, req.SessionID, agent.Name)
	if err != nil {
		writeAppError(c, "Gateway.handleCreateRunStream", err)
		return
	}

	events := make(chan sseEvent, 64)
	util.SafeGo(func() { g.runStreamWorker(ctx, run, agent, req, sessCtx, events) })

	c.Stream(func(w io.Writer) bool {
		keepalive := time.NewTimer(30 * time.Second)
		defer keepalive.Stop()

		select {
		case evt, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(evt.name, evt.data)
			return true
		case <-keepalive.C:
			c.SSEvent("ping", "keepalive")
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// runStreamWorker drives one streaming run end to end, emitting
// run.started/message.part/run.completed/run.cancelled/run.failed events.
// It mirrors handleCreateRunSync's session and cancellation handling but
// reports progress incrementally instead of returning a single response.
func (g *Gateway) runStreamWorker(ctx context.Context, run runmanager.Run, agent registry.AgentConfig, req RunCreateRequest, sessCtx *sessionContext, events chan<- sseEvent) {
	defer close(events)
	emit := func(name string, data any) { events <- sseEvent{name: name, data: data} }

	conn, err := g.deps.ConnFactory(ctx, agent)
	if err != nil {
		failed, _ := g.deps.Manager.FailRun(run.ID, "agent_error", err.Error())
		emit("run.failed", failed)
		return
	}
	defer conn.Close()

	if err := g.deps.Manager.StartRun(run.ID, conn); err != nil {
		failed, _ := g.deps.Manager.FailRun(run.ID, "agent_error", err.Error())
		emit("run.failed", failed)
		return
	}
	emit("run.started", run)

	if err := conn.Initialize(); err != nil {
		failed, _ := g.deps.Manager.FailRun(run.ID, "agent_error", err.Error())
		emit("run.failed", failed)
		return
	}

	sessionID, err := g.attachSession(ctx, conn, agent, sessCtx)
	if err != nil {
		failed, _ := g.deps.Manager.FailRun(run.ID, "agent_error", err.Error())
		emit("run.failed", failed)
		return
	}
	_ = g.deps.Manager.SetSessionID(run.ID, sessionID)

	cancelCh, err := g.deps.Manager.CancelEventFor(run.ID)
	if err != nil {
		failed, _ := g.deps.Manager.FailRun(run.ID, "agent_error", err.Error())
		emit("run.failed", failed)
		return
	}

	var messageParts []string
	onChunk := func(text string) {
		_ = g.deps.Manager.AppendOutputPart(run.ID, text)
		messageParts = append(messageParts, text)
		emit("message.part", gin.H{"run_id": run.ID, "delta": gin.H{"type": "text", "text": text}})
	}

	result, promptErr := conn.Prompt(sessionID, promptContent(req.Input), onChunk, cancelCh)

	if errors.Is(promptErr, apperrors.ErrCancelled) {
		_ = conn.Cancel(sessionID)
		cancelled, _ := g.deps.Manager.CancelRun(run.ID)
		emit("run.cancelled", cancelled)
		return
	}
	if promptErr != nil {
		logger.FromContext(ctx).Error("gateway: agent prompt failed", logger.FieldRunID, run.ID, logger.FieldError, promptErr)
		failed, _ := g.deps.Manager.FailRun(run.ID, "agent_error", promptErr.Error())
		emit("run.failed", failed)
		return
	}

	// Post-completion safety net: cancellation may have been requested in the
	// narrow window after Prompt chose its result branch.
	select {
	case <-cancelCh:
		cancelled, _ := g.deps.Manager.CancelRun(run.ID)
		emit("run.cancelled", cancelled)
		return
	default:
	}

	completed, _ := g.deps.Manager.CompleteRun(run.ID, stopReasonFrom(result))
	emit("run.completed", completed)
	g.persistHistory(ctx, sessCtx, run.ID, req.Input, strings.Join(messageParts, ""))
}
