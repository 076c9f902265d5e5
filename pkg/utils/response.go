package utils

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response standard response structure
type Response struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// SuccessResponse returns success response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:      int(CodeSuccess),
		Message:   "success",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// Error returns an error response for a business code
func Error(c *gin.Context, code ResponseCode, message string) {
	c.AbortWithStatusJSON(code.HTTPStatus(), Response{
		Code:      int(code),
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
}

// HandleError writes err as a response, application errors keep their code
func HandleError(c *gin.Context, err error) {
	_ = c.Error(err)
	Error(c, GetErrorCode(err), GetErrorMessage(err))
}
