package middleware

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gin-gonic/gin"
)

// RequestID ensures every request has a correlation ID. If the client
// supplies X-Request-ID it is trusted (length-checked) and echoed;
// otherwise a random 16-byte ID is generated.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if len(rid) == 0 || len(rid) > 128 {
			var b [16]byte
			_, _ = rand.Read(b[:])
			rid = hex.EncodeToString(b[:])
		}
		c.Set("request_id", rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
		if c.Writer.Header().Get("X-Request-ID") == "" {
			c.Writer.Header().Set("X-Request-ID", rid)
		}
	}
}
