package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/teeplatform/validator-coordinator/internal/apperrors"
)

// ErrorHandler recovers panics and converts them into the same structured
// error response HandleError produces for returned errors.
func ErrorHandler() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		if err, ok := recovered.(error); ok {
			HandleError(c, err)
		} else {
			HandleError(c, apperrors.NewInternalError("internal server error"))
		}
		c.Abort()
	})
}

// HandleError maps an error to the §7 status table and writes the response.
func HandleError(c *gin.Context, err error) {
	var ae *apperrors.AppError
	if !errors.As(err, &ae) {
		ae = apperrors.NewInternalError(err.Error())
	}

	body := gin.H{
		"error": gin.H{
			"type":    string(ae.Type),
			"message": ae.Message,
		},
		"request_id": c.GetString("request_id"),
	}
	if ae.Code != "" {
		body["error"].(gin.H)["code"] = string(ae.Code)
	}
	c.JSON(apperrors.HTTPStatus(ae), body)
}
