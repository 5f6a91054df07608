// Package middleware provides HTTP middleware for the governance service.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"domaindetermine.io/governance/internal/apperr"
	"domaindetermine.io/governance/internal/obslog"
)

// ErrorHandler is a Gin middleware that provides centralized error
// handling. It captures errors added via c.Error() and returns a
// consistent JSON response, keeping status-code mapping out of every
// handler.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		if ge, ok := apperr.As(err); ok {
			obslog.Warn("request error",
				zap.String("code", ge.Code),
				zap.String("message", ge.Message),
				zap.Int("status", ge.HTTPStatus),
				zap.Error(ge.Err),
			)
			body := gin.H{"code": ge.Code, "message": ge.Message}
			if ge.Hint != "" {
				body["hint"] = ge.Hint
			}
			c.JSON(ge.HTTPStatus, body)
			return
		}

		obslog.Error("unhandled request error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    apperr.CodeInternal,
			"message": "an internal error occurred",
		})
	}
}
