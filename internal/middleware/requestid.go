package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier on the wire.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is where the identifier lives in the gin.Context, so the
	// request logger and handlers can read it without touching headers.
	RequestIDKey = "request_id"
)

// RequestIDMiddleware tags every request with an identifier. An inbound
// X-Request-ID (from a load balancer or the caller) is honoured unchanged;
// otherwise a fresh UUID v4 is minted. The id is stored in the gin context
// under RequestIDKey and echoed in the response header, so a caller holding
// a denied response can hand support a value that matches the structured log
// line for the decision.
//
// Register it early in the chain — every middleware after it logs with the id.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
