package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/rpcerr"
	"github.com/jon-ruckwood/lagom/stream"
)

func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return &message.Response{Protocol: req.Protocol, Body: message.StrictBody([]byte("ok"))}
}

func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return echoHandler(ctx, req)
}

func failingHandler(ctx context.Context, req *message.Request) *message.Response {
	return &message.Response{Error: rpcerr.ToEnvelope(rpcerr.NewNotFound("no such call"))}
}

func newRequest() *message.Request {
	return &message.Request{Service: "greeter", Call: "name:hello"}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	resp := LoggingMiddleware(logger)(echoHandler)(context.Background(), newRequest())
	require.NotNil(t, resp)
	assert.Equal(t, "ok", string(resp.Body.Bytes))

	resp = LoggingMiddleware(logger)(failingHandler)(context.Background(), newRequest())
	require.NotNil(t, resp.Error)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "call served", entries[0].Message)
	assert.Equal(t, "call failed", entries[1].Message)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, "NotFound", entries[1].ContextMap()["name"])
	assert.Equal(t, int64(404), entries[1].ContextMap()["code"])
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), newRequest())
	assert.Nil(t, resp.Error)
	assert.Equal(t, "ok", string(resp.Body.Bytes))
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), newRequest())
	require.NotNil(t, resp.Error)
	err := rpcerr.FromEnvelope(resp.Error)
	assert.ErrorIs(t, err, rpcerr.ErrServiceUnavailable)
	assert.Equal(t, "request timed out", err.Detail)
}

func TestTimeoutKeepsStreamAlive(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(func(ctx context.Context, req *message.Request) *message.Response {
		frames := stream.New(ctx, func(ctx context.Context, emit func([]byte) error) error {
			for _, f := range []string{"a", "b", "c"} {
				time.Sleep(30 * time.Millisecond)
				if err := emit([]byte(f)); err != nil {
					return err
				}
			}
			return nil
		})
		return &message.Response{Body: message.StreamedBody(frames)}
	})

	resp := handler(context.Background(), newRequest())
	require.Nil(t, resp.Error)
	frames, err := stream.Collect(context.Background(), resp.Body.Frames)
	require.NoError(t, err)
	assert.Len(t, frames, 3)
}

func TestChain(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(trace("outer"), LoggingMiddleware(zap.NewNop()), TimeOutMiddleware(500*time.Millisecond), trace("inner"))(echoHandler)
	resp := handler(context.Background(), newRequest())

	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.Equal(t, []string{"outer", "inner"}, order)
}
