package response

import (
	"net/http"

	"apexhv/pkg/errors"
	"apexhv/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response is the envelope of every status API reply
type Response struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    interface{}      `json:"data,omitempty"`
	Details interface{}      `json:"details,omitempty"`
	BootID  string           `json:"boot_id,omitempty"`
}

// BootIDKey is the gin context key holding the hypervisor run identifier.
const BootIDKey = "boot_id"

// Success sends a successful response with data
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    errors.Success,
		Message: "Success",
		Data:    data,
		BootID:  getBootID(c),
	})
}

// Error sends an error response.
// The code and message are taken from err.
func Error(c *gin.Context, err error) {
	customErr := errors.GetError(err)

	logger.Warn(c.Request.Context(), "status request failed",
		zap.Int("code", int(customErr.Code)),
		zap.String("path", c.FullPath()),
		zap.String("message", customErr.Error()),
	)

	c.JSON(customErr.Code.HTTPStatus(), Response{
		Code:    customErr.Code,
		Message: customErr.Error(),
		Details: customErr.Details,
		BootID:  getBootID(c),
	})
}

// ErrorWithCode sends an error response with specific error code
func ErrorWithCode(c *gin.Context, code errors.ErrorCode, message string) {
	if message == "" {
		message = code.Message()
	}
	c.JSON(code.HTTPStatus(), Response{
		Code:    code,
		Message: message,
		BootID:  getBootID(c),
	})
}

// NotFound sends a 404 not found error
func NotFound(c *gin.Context, message string) {
	ErrorWithCode(c, errors.NotFound, message)
}

func getBootID(c *gin.Context) string {
	if v, ok := c.Get(BootIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
