package logging

import (
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// GinLogrusLogger returns a Gin middleware that writes request logs to logrus.
// The log level follows the response status: server errors log at error,
// client errors at warn, everything else at info.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		rawQuery := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		if latency > time.Minute {
			latency = latency.Truncate(time.Second)
		}

		status := c.Writer.Status()
		if rawQuery != "" {
			path = path + "?" + rawQuery
		}

		entry := log.WithFields(log.Fields{
			"status":  status,
			"latency": latency,
			"client":  c.ClientIP(),
			"bytes":   c.Writer.Size(),
		})
		if requestID := c.GetString("request_id"); requestID != "" {
			entry = entry.WithField("request_id", requestID)
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			entry = entry.WithField("errors", errs)
		}

		msg := c.Request.Method + " " + path
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(msg)
		case status >= http.StatusBadRequest:
			entry.Warn(msg)
		default:
			entry.Info(msg)
		}
	}
}

// GinLogrusRecovery returns a Gin middleware that recovers panics into logrus.
// Panics raised with http.ErrAbortHandler are re-raised untouched so net/http
// closes the connection mid-stream; a recovered 200 with a truncated body
// would look like a complete download to the client. Other panics get a 500
// when no bytes have been written yet, and an aborted connection otherwise.
func GinLogrusRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if err, ok := recovered.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(recovered)
			}
			log.WithFields(log.Fields{
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
			}).Errorf("panic recovered: %v\n%s", recovered, debug.Stack())
			if c.Writer.Written() {
				panic(http.ErrAbortHandler)
			}
			c.AbortWithStatus(http.StatusInternalServerError)
		}()
		c.Next()
	}
}
