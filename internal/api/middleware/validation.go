package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ValidateJSON rejects POST/PUT requests that don't declare a JSON body.
func ValidateJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut {
			if !strings.Contains(c.GetHeader("Content-Type"), "application/json") {
				c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "validation", "message": "Content-Type must be application/json"}})
				c.Abort()
				return
			}
		}
		c.Next()
	}
}
