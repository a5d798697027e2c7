// response.go — JSON response helpers for the ACP² HTTP surface.
//
// These bodies are flat (a Run, an ErrorDetail, a manifest) rather than the
// {"success":...,"data":...} envelope used elsewhere in this codebase's
// dashboard API: the proxied clients expect the shapes their Agent-RPC
// contract already defines, not a house response wrapper.
package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/mrorigo/acp2-gateway/pkg/errors"
	"github.com/mrorigo/acp2-gateway/pkg/logger"
)

type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, errorBody{Detail: message})
}

// writeAppError translates a sentinel-wrapped error into an HTTP status,
// per the not-found/unauthorized/invalid-input/agent-process/internal
// mapping this gateway promises callers.
func writeAppError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, apperrors.ErrUnauthorized):
		writeError(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, apperrors.ErrInvalidInput):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, apperrors.ErrAgentProcess):
		writeError(c, http.StatusBadGateway, err.Error())
	default:
		logger.FromContext(c.Request.Context()).Error(op, logger.FieldError, err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
