package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// JSON writes a JSON response with the given status.
func JSON(c *gin.Context, status int, payload any) {
	c.JSON(status, payload)
}

// OK writes a 200 OK JSON response.
func OK(c *gin.Context, payload any) {
	JSON(c, http.StatusOK, payload)
}

// Accepted writes a 202 response for work handed to the background pipeline. A non-empty
// statusPath is sent as the Location header.
func Accepted(c *gin.Context, statusPath string, payload any) {
	if statusPath != "" {
		c.Header("Location", statusPath)
	}
	JSON(c, http.StatusAccepted, payload)
}
