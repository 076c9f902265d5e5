package middleware

import (
	"github.com/gin-gonic/gin"

	"carwash/internal/monitor"
)

// Tracing opens a server span per request and propagates it through the
// request context.
func Tracing(tracer *monitor.Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tracer == nil {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		ctx, span := tracer.StartServerSpan(c.Request.Context(), c.Request, route)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		tracer.SetHTTPStatus(span, c.Writer.Status())
		if len(c.Errors) > 0 {
			tracer.RecordError(span, c.Errors.Last())
		}
	}
}
