package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tumkoussekya/studio-sub000/pkg/logger"
	"github.com/tumkoussekya/studio-sub000/pkg/tracing"
	"github.com/tumkoussekya/studio-sub000/pkg/utils"
)

const RequestIDHeader = "X-Request-ID"

// RequestLoggerMiddleware tags every request with a request id, echoed in
// the response, and logs it once it completes. Install it after
// TracingMiddleware so the trace id is known.
func RequestLoggerMiddleware(base *zap.Logger) gin.HandlerFunc {
	cl := logger.NewContextLogger(base)

	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		if sc := tracing.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
			ctx = logger.WithTraceID(ctx, sc.TraceID().String())
		}
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		ctx = c.Request.Context()
		if identity, ok := IdentityFrom(c); ok {
			ctx = logger.WithClientID(ctx, identity.ID)
		}
		cl.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
