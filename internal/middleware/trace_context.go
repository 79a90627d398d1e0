package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftpost/driftpost-backend/internal/pkg/ctxutil"
)

// TraceContext attaches a request id (honoring X-Request-ID from upstream)
// and the otel trace id to the request context and echoes both back.
func TraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		data := &ctxutil.TraceData{RequestID: requestID}
		if span := trace.SpanFromContext(c.Request.Context()); span.SpanContext().HasTraceID() {
			data.TraceID = span.SpanContext().TraceID().String()
		}
		c.Request = c.Request.WithContext(ctxutil.WithTraceData(c.Request.Context(), data))
		c.Header("X-Request-ID", requestID)
		if data.TraceID != "" {
			c.Header("X-Trace-ID", data.TraceID)
		}
		c.Next()
	}
}
