package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (g *Gateway) sessionsEnabled(c *gin.Context) bool {
	if g.deps.Sessions != nil {
		return true
	}
	writeError(c, http.StatusNotImplemented, "session persistence is not configured")
	return false
}

func (g *Gateway) handleListSessions(c *gin.Context) {
	if !g.sessionsEnabled(c) {
		return
	}

	activeOnly := true
	if v := c.Query("active_only"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(c, http.StatusUnprocessableEntity, "active_only must be a boolean")
			return
		}
		activeOnly = parsed
	}

	sessions, err := g.deps.Sessions.List(c.Request.Context(), c.Query("agent_name"), activeOnly)
	if err != nil {
		writeAppError(c, "Gateway.handleListSessions", err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

type sessionDetail struct {
	SessionID     string               `json:"session_id"`
	AgentName     string               `json:"agent_name"`
	ZedSessionID  string               `json:"zed_session_id"`
	WorkingDir    string               `json:"working_directory"`
	IsActive      bool                 `json:"is_active"`
	LastRunID     *string              `json:"last_run_id"`
	MessageCount  int                  `json:"message_count"`
	HistoryByRole []sessionHistoryItem `json:"history"`
}

type sessionHistoryItem struct {
	RunID          string `json:"run_id"`
	Role           string `json:"role"`
	SequenceNumber int    `json:"sequence_number"`
}

func (g *Gateway) handleGetSession(c *gin.Context) {
	if !g.sessionsEnabled(c) {
		return
	}

	sessionID := c.Param("session_id")
	session, err := g.deps.Sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		writeAppError(c, "Gateway.handleGetSession", err)
		return
	}
	if session == nil {
		writeError(c, http.StatusNotFound, "Session not found")
		return
	}

	// QueryBuilder.Build clamps its limit to a minimum of 1, so 0 would mean
	// "one row" rather than "no limit" — pass the builder's own ceiling instead.
	history, err := g.deps.Sessions.GetHistory(c.Request.Context(), sessionID, 2000)
	if err != nil {
		writeAppError(c, "Gateway.handleGetSession", err)
		return
	}

	items := make([]sessionHistoryItem, len(history))
	for i, h := range history {
		items[i] = sessionHistoryItem{RunID: h.RunID, Role: h.Role, SequenceNumber: h.SequenceNumber}
	}

	c.JSON(http.StatusOK, sessionDetail{
		SessionID:     session.ID,
		AgentName:     session.AgentName,
		ZedSessionID:  session.ZedSessionID,
		WorkingDir:    session.WorkingDir,
		IsActive:      session.IsActive,
		LastRunID:     session.LastRunID,
		MessageCount:  len(history),
		HistoryByRole: items,
	})
}

func (g *Gateway) handleDeleteSession(c *gin.Context) {
	if !g.sessionsEnabled(c) {
		return
	}

	deleted, err := g.deps.Sessions.Delete(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeAppError(c, "Gateway.handleDeleteSession", err)
		return
	}
	if !deleted {
		writeError(c, http.StatusNotFound, "Session not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("session_id")})
}
