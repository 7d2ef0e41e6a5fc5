package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jon-ruckwood/lagom/message"
)

// LoggingMiddleware logs every call at debug level with the time taken to
// produce its response head. Failed calls carry their wire error; the
// pipeline already warns about them.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("service", req.Service),
				zap.String("call", req.Call),
				zap.Duration("duration", time.Since(start)),
				zap.Bool("streamed", resp.Body.Streamed()),
			}
			if resp.Error != nil {
				fields = append(fields,
					zap.Int("code", resp.Error.ErrorCode),
					zap.String("name", resp.Error.ExceptionMessage.Name),
				)
				logger.Debug("call failed", fields...)
				return resp
			}
			logger.Debug("call served", fields...)
			return resp
		}
	}
}
