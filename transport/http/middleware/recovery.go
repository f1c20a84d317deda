package middleware

import (
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"os"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kochabonline/scr/log"
)

// Recovery turns a panicking handler into a 500. Broken connections are
// logged without a stack since nothing can be written back.
func Recovery(logger *log.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = log.DefaultLogger
	}

	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			request, _ := httputil.DumpRequest(c.Request, false)

			if isBrokenPipe(r) {
				logger.Error().Str("request", string(request)).Interface("error", r).Msg("connection lost")
				if err, ok := r.(error); ok {
					_ = c.Error(err)
				}
				c.Abort()
				return
			}

			logger.Error().
				Str("request", string(request)).
				Interface("error", r).
				Str("stack", string(debug.Stack())).
				Msg("handler panicked")
			c.AbortWithStatus(http.StatusInternalServerError)
		}()
		c.Next()
	}
}

func isBrokenPipe(r any) bool {
	err, ok := r.(error)
	if !ok {
		return false
	}
	var se *os.SyscallError
	var ne *net.OpError
	if !errors.As(err, &ne) || !errors.As(ne.Err, &se) {
		return false
	}
	msg := strings.ToLower(se.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}
