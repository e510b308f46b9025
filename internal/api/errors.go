package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Field   string `json:"field,omitempty"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindGraphCycle, apperr.KindUnresolvedField, apperr.KindIncompatibleType,
		apperr.KindInvalidGraph, apperr.KindKPIReduction:
		return http.StatusUnprocessableEntity
	case apperr.KindWidgetNotFound, apperr.KindSchemaNotFound:
		return http.StatusNotFound
	case apperr.KindDanglingReference:
		return http.StatusGone
	case apperr.KindIsolationViolation:
		return http.StatusForbidden
	case apperr.KindExecutionTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindStoreUnavailable, apperr.KindDataUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	resp := ErrorResponse{Error: string(kind)}
	switch {
	case kind == apperr.KindIsolationViolation:
		// No detail: the message may name another tenant's objects.
	case status == http.StatusInternalServerError:
		s.logger.Errorw("Unhandled request error", "path", c.FullPath(), "error", err)
		resp.Message = "internal error"
	default:
		resp.Message = err.Error()
		var e *apperr.Error
		if errors.As(err, &e) {
			resp.NodeID = e.NodeID
			resp.Field = e.Field
		}
	}
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: msg})
}
