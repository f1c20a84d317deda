package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kochabonline/scr/log"
)

type LoggerConfig struct {
	// SkipPaths are not logged, e.g. the metrics scrape path.
	SkipPaths []string
	// HandlerEnabled adds the handler name to each record.
	HandlerEnabled bool
}

func Logger(logger *log.Logger) gin.HandlerFunc {
	return LoggerWithConfig(logger, LoggerConfig{})
}

func LoggerWithConfig(logger *log.Logger, config LoggerConfig) gin.HandlerFunc {
	if logger == nil {
		logger = log.DefaultLogger
	}
	skip := make(map[string]struct{}, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if _, ok := skip[c.Request.URL.Path]; ok {
			return
		}

		event := logger.Info()
		if c.Writer.Status() >= 500 {
			event = logger.Error()
		}
		event = event.
			Str("method", c.Request.Method).
			Str("uri", c.Request.RequestURI).
			Dur("duration", time.Since(start)).
			Int("status", c.Writer.Status()).
			Str("client_ip", c.ClientIP())

		if requestID := c.Request.Header.Get("X-Request-Id"); requestID != "" {
			event = event.Str("request_id", requestID)
		}
		if config.HandlerEnabled {
			event = event.Str("handler", c.HandlerName())
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.ByType(gin.ErrorTypePrivate).String())
		}

		event.Send()
	}
}
