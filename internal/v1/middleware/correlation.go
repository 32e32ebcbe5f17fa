// Package middleware contains Gin middleware shared by the HTTP and
// WebSocket routes.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
)

// HeaderXCorrelationID carries the caller-supplied request id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID tags every request with a correlation id: the caller's
// X-Correlation-ID when present, a fresh uuid otherwise. The id is echoed
// on the response and planted in the request context, where the logging
// package picks it up; WebSocket sessions inherit it for the lifetime of
// the connection.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}

		c.Header(HeaderXCorrelationID, id)
		c.Set(string(logging.CorrelationIDKey), id)
		c.Request = c.Request.WithContext(
			context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id))

		c.Next()
	}
}
