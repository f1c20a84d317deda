// Package response writes the JSON envelope used by the HTTP endpoints.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kochabonline/scr/errors"
)

type Response struct {
	Code    int    `json:"code"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
}

func JSON(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Data: data, Message: "success"})
}

// JSONError aborts the request. The error code doubles as the HTTP status
// when it is one.
func JSONError(c *gin.Context, err error) {
	defer c.Abort()

	e := errors.FromError(err)
	status := int(e.Code)
	if http.StatusText(status) == "" {
		status = http.StatusInternalServerError
	}
	c.JSON(status, Response{Code: int(e.Code), Message: e.Message})
}
