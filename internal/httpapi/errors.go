package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"classroll/internal/attendance"
	"classroll/internal/logging"
)

func statusFor(kind attendance.Kind) int {
	switch kind {
	case attendance.KindValidation:
		return http.StatusBadRequest
	case attendance.KindNotFound:
		return http.StatusNotFound
	case attendance.KindStateConflict:
		return http.StatusConflict
	case attendance.KindAuthorization:
		return http.StatusForbidden
	case attendance.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

// writeError renders err as {"error": {kind, code, message}}.
func writeError(c *gin.Context, err error) {
	kind := attendance.KindOf(err)
	code := attendance.CodeOf(err)
	msg := err.Error()
	var e *attendance.Error
	switch {
	case kind == attendance.KindPersistence:
		logging.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
		msg = "storage unavailable"
	case kind == attendance.KindInternal:
		logging.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
		msg = "internal error"
	case errors.As(err, &e) && e.Message != "":
		msg = e.Message
	}
	c.AbortWithStatusJSON(statusFor(kind), gin.H{"error": gin.H{"kind": kind, "code": code, "message": msg}})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": gin.H{
		"kind": attendance.KindValidation, "code": attendance.ErrInvalidInput.Code, "message": msg,
	}})
}
