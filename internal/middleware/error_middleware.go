package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relay-fleet/internal/transport/httpdto"
	"relay-fleet/pkg/logger"
)

// ErrorHandler renders the last error attached with c.Error when the handler
// did not write a response itself.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status, body := httpdto.NewErrorFrom(err)
		if l != nil && status == http.StatusInternalServerError {
			l.WithContext(c.Request.Context()).Errorf("request error: %s", err.Error())
		}
		c.JSON(status, body)
	}
}
