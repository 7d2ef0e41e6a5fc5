package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jon-ruckwood/lagom/codec"
	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/protocol"
	"github.com/jon-ruckwood/lagom/rpcerr"
	"github.com/jon-ruckwood/lagom/stream"
)

// handleFunc answers one request on the fake server. in is the request
// stream of a streamed request, nil otherwise; out holds the credit for a
// streamed response.
type handleFunc func(c *Conn, ct codec.CodecType, seq uint32, msg *message.RPCMessage, in *stream.Stream[[]byte], out *Window)

// fakeServer reads frames from netConn the way a server does and hands every
// request head to handle.
func fakeServer(netConn net.Conn, handle handleFunc) *Conn {
	c := NewConn(netConn, 2, nil)
	go func() {
		defer c.Shutdown(ErrConnClosed)
		for {
			h, body, err := c.ReadFrame()
			if err != nil {
				return
			}
			switch h.MsgType {
			case protocol.MsgTypeRequest:
				ct := codec.CodecType(h.CodecType)
				var msg message.RPCMessage
				if err := codec.GetCodec(ct).Decode(body, &msg); err != nil {
					return
				}
				var in *stream.Stream[[]byte]
				if msg.Streamed {
					in = c.InboundStream(context.Background(), ct, h.Seq, c.OpenInbox(h.Seq))
				}
				out := c.OpenWindow(h.Seq)
				go func(seq uint32) {
					defer c.CloseWindow(seq)
					handle(c, ct, seq, &msg, in, out)
				}(h.Seq)
			case protocol.MsgTypeHeartbeat:
			default:
				c.Dispatch(h, body)
			}
		}
	}()
	return c
}

// pipeTransport connects a client transport to handle over a synchronous
// in-memory pipe, so a stalled reader stalls the writer immediately.
func pipeTransport(t *testing.T, window int, handle handleFunc) *ClientTransport {
	clientSide, serverSide := net.Pipe()
	srv := fakeServer(serverSide, handle)
	ct := NewClientTransport(clientSide, codec.CodecTypeBinary, window, WithHeartbeat(0))
	t.Cleanup(func() {
		ct.Close()
		srv.Close()
	})
	return ct
}

func echo(c *Conn, ct codec.CodecType, seq uint32, msg *message.RPCMessage, _ *stream.Stream[[]byte], _ *Window) {
	c.WriteMessage(ct, protocol.MsgTypeResponse, seq, &message.RPCMessage{Protocol: msg.Protocol, Payload: msg.Payload})
}

func strictRequest(payload string) *message.Request {
	return &message.Request{
		Service:  "echo",
		Call:     "name:echo",
		Protocol: message.MessageProtocol{ContentType: "text/plain", Charset: "utf-8"},
		Body:     message.StrictBody([]byte(payload)),
	}
}

func TestRoundTripStrict(t *testing.T) {
	tr := pipeTransport(t, 2, echo)

	resp, err := tr.RoundTrip(context.Background(), strictRequest("hello"))
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Equal(t, "text/plain", resp.Protocol.ContentType)
	assert.Equal(t, []byte("hello"), resp.Body.Bytes)
}

func TestRoundTripConcurrentTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fakeServer(conn, echo)
		}
	}()

	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		tr, err := Dial(context.Background(), "tcp", ln.Addr().String(), ct, 4)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				payload := fmt.Sprintf("call-%d", i)
				resp, err := tr.RoundTrip(context.Background(), strictRequest(payload))
				if assert.NoError(t, err) {
					assert.Equal(t, payload, string(resp.Body.Bytes))
				}
			}(i)
		}
		wg.Wait()
		tr.Close()
	}
}

func TestRoundTripStreamedResponse(t *testing.T) {
	tr := pipeTransport(t, 2, func(c *Conn, ct codec.CodecType, seq uint32, _ *message.RPCMessage, _ *stream.Stream[[]byte], out *Window) {
		c.WriteMessage(ct, protocol.MsgTypeResponse, seq, &message.RPCMessage{Streamed: true})
		frames := stream.FromSlice(context.Background(), [][]byte{[]byte("a"), []byte("b"), []byte("c")})
		c.Pump(context.Background(), ct, seq, out, frames)
	})

	ctx := context.Background()
	resp, err := tr.RoundTrip(ctx, strictRequest("go"))
	require.NoError(t, err)
	require.True(t, resp.Body.Streamed())
	got, err := stream.Collect(ctx, resp.Body.Frames)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, got)
}

func TestRoundTripStreamedRequest(t *testing.T) {
	tr := pipeTransport(t, 2, func(c *Conn, ct codec.CodecType, seq uint32, _ *message.RPCMessage, in *stream.Stream[[]byte], _ *Window) {
		parts, err := stream.Collect(context.Background(), in)
		head := &message.RPCMessage{Payload: bytes.Join(parts, []byte("+"))}
		if err != nil {
			head = &message.RPCMessage{Error: rpcerr.ToEnvelope(rpcerr.Classify(err))}
		}
		c.WriteMessage(ct, protocol.MsgTypeResponse, seq, head)
	})

	ctx := context.Background()
	req := strictRequest("")
	req.Body = message.StreamedBody(stream.FromSlice(ctx, [][]byte{[]byte("1"), []byte("2"), []byte("3"), []byte("4")}))
	resp, err := tr.RoundTrip(ctx, req)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Equal(t, "1+2+3+4", string(resp.Body.Bytes))

	// a failing request stream reaches the server as a classified failure
	req = strictRequest("")
	req.Body = message.StreamedBody(stream.Failed[[]byte](ctx, rpcerr.NewSerializationError("failed serialize")))
	resp, err = tr.RoundTrip(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.NameSerialization, resp.Error.ExceptionMessage.Name)
	assert.Equal(t, "failed serialize", resp.Error.ExceptionMessage.Detail)
}

func TestStreamEndCarriesFailure(t *testing.T) {
	tr := pipeTransport(t, 2, func(c *Conn, ct codec.CodecType, seq uint32, msg *message.RPCMessage, _ *stream.Stream[[]byte], _ *Window) {
		c.WriteMessage(ct, protocol.MsgTypeResponse, seq, &message.RPCMessage{Streamed: true})
		c.WriteFrame(ct, protocol.MsgTypeStreamFrame, seq, []byte("first"))
		if string(msg.Payload) == "garbage" {
			c.WriteFrame(ct, protocol.MsgTypeStreamEnd, seq, []byte{0xff, 0x01})
			return
		}
		c.writeEnd(ct, seq, rpcerr.NewForbidden("no more for you"))
	})

	ctx := context.Background()
	resp, err := tr.RoundTrip(ctx, strictRequest("x"))
	require.NoError(t, err)
	got, err := stream.Collect(ctx, resp.Body.Frames)
	assert.Equal(t, [][]byte{[]byte("first")}, got)
	var e *rpcerr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, rpcerr.Forbidden, e.Code)
	assert.Equal(t, "no more for you", e.Detail)

	resp, err = tr.RoundTrip(ctx, strictRequest("garbage"))
	require.NoError(t, err)
	_, err = stream.Collect(ctx, resp.Body.Frames)
	assert.ErrorIs(t, err, rpcerr.ErrProtocol)
}

func TestCancelReachesProducer(t *testing.T) {
	stopped := make(chan struct{})
	tr := pipeTransport(t, 2, func(c *Conn, ct codec.CodecType, seq uint32, _ *message.RPCMessage, _ *stream.Stream[[]byte], out *Window) {
		ctx, cancel := context.WithCancel(context.Background())
		c.OnCancel(seq, cancel)
		defer c.ClearCancel(seq)
		c.WriteMessage(ct, protocol.MsgTypeResponse, seq, &message.RPCMessage{Streamed: true})
		frames := stream.New(ctx, func(ctx context.Context, emit func([]byte) error) error {
			defer close(stopped)
			for i := 0; ; i++ {
				if err := emit([]byte(fmt.Sprint(i))); err != nil {
					return err
				}
			}
		})
		c.Pump(ctx, ct, seq, out, frames)
	})

	ctx := context.Background()
	resp, err := tr.RoundTrip(ctx, strictRequest("x"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		v, err := resp.Body.Frames.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(v))
	}
	resp.Body.Frames.Cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("remote producer not canceled")
	}
	_, err = resp.Body.Frames.Recv(ctx)
	assert.ErrorIs(t, err, stream.ErrCanceled)
}

func TestBackpressure(t *testing.T) {
	const window = 2
	var produced atomic.Int32
	tr := pipeTransport(t, window, func(c *Conn, ct codec.CodecType, seq uint32, _ *message.RPCMessage, _ *stream.Stream[[]byte], out *Window) {
		c.WriteMessage(ct, protocol.MsgTypeResponse, seq, &message.RPCMessage{Streamed: true})
		frames := stream.New(context.Background(), func(ctx context.Context, emit func([]byte) error) error {
			for i := 0; i < 100; i++ {
				if err := emit([]byte{byte(i)}); err != nil {
					return err
				}
				produced.Add(1)
			}
			return nil
		})
		c.Pump(context.Background(), ct, seq, out, frames)
	})

	ctx := context.Background()
	resp, err := tr.RoundTrip(ctx, strictRequest("x"))
	require.NoError(t, err)

	// the granted window plus the element the pump holds while it waits
	// for credit bound what is produced ahead of the consumer
	time.Sleep(50 * time.Millisecond)
	stalled := produced.Load()
	assert.LessOrEqual(t, stalled, int32(window+1))

	for i := 0; i < 10; i++ {
		v, err := resp.Body.Frames.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, byte(i), v[0])
	}
	assert.Eventually(t, func() bool { return produced.Load() > stalled }, time.Second, 5*time.Millisecond)

	rest, err := stream.Collect(ctx, resp.Body.Frames)
	require.NoError(t, err)
	assert.Len(t, rest, 90)
}

func TestStalledStreamLeavesConnectionUsable(t *testing.T) {
	tr := pipeTransport(t, 2, func(c *Conn, ct codec.CodecType, seq uint32, msg *message.RPCMessage, _ *stream.Stream[[]byte], out *Window) {
		if string(msg.Payload) != "ticks" {
			echo(c, ct, seq, msg, nil, out)
			return
		}
		c.WriteMessage(ct, protocol.MsgTypeResponse, seq, &message.RPCMessage{Streamed: true})
		frames := stream.New(context.Background(), func(ctx context.Context, emit func([]byte) error) error {
			for i := 0; i < 20; i++ {
				if err := emit([]byte(fmt.Sprint(i))); err != nil {
					return err
				}
			}
			return nil
		})
		c.Pump(context.Background(), ct, seq, out, frames)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := tr.RoundTrip(ctx, strictRequest("ticks"))
	require.NoError(t, err)

	// nobody reads the ticks while other calls share the connection
	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		payload := fmt.Sprintf("call-%d", i)
		other, err := tr.RoundTrip(ctx, strictRequest(payload))
		require.NoError(t, err)
		assert.Equal(t, payload, string(other.Body.Bytes))
	}

	ticks, err := stream.Collect(ctx, resp.Body.Frames)
	require.NoError(t, err)
	assert.Len(t, ticks, 20)
}

func TestStreamWindowExceeded(t *testing.T) {
	const window = 2
	tr := pipeTransport(t, window, func(c *Conn, ct codec.CodecType, seq uint32, _ *message.RPCMessage, _ *stream.Stream[[]byte], _ *Window) {
		c.WriteMessage(ct, protocol.MsgTypeResponse, seq, &message.RPCMessage{Streamed: true})
		// ignores credit: one frame may sit with the consumer, the rest overflow the window
		for i := 0; i < window+2; i++ {
			c.WriteFrame(ct, protocol.MsgTypeStreamFrame, seq, []byte{byte(i)})
		}
		c.writeEnd(ct, seq, nil)
	})

	ctx := context.Background()
	resp, err := tr.RoundTrip(ctx, strictRequest("x"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	got, err := stream.Collect(ctx, resp.Body.Frames)
	assert.ErrorIs(t, err, rpcerr.ErrProtocol)
	assert.LessOrEqual(t, len(got), window+1)
}

func TestContextCancelWhileWaiting(t *testing.T) {
	canceled := make(chan struct{})
	tr := pipeTransport(t, 2, func(c *Conn, _ codec.CodecType, seq uint32, _ *message.RPCMessage, _ *stream.Stream[[]byte], _ *Window) {
		c.OnCancel(seq, func() { close(canceled) })
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.RoundTrip(ctx, strictRequest("slow"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("server was not told about the cancellation")
	}
}

func TestCancelFiresOnce(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	c := NewConn(serverSide, 2, nil)

	var calls atomic.Int32
	c.OnCancel(7, func() { calls.Add(1) })
	cancelFrame := &protocol.Header{CodecType: byte(codec.CodecTypeBinary), MsgType: protocol.MsgTypeCancel, Seq: 7}
	c.Dispatch(cancelFrame, nil)
	c.Dispatch(cancelFrame, nil)
	c.Shutdown(nil)

	assert.Equal(t, int32(1), calls.Load())
}

func TestConnectionLoss(t *testing.T) {
	release := make(chan struct{})
	tr := pipeTransport(t, 2, func(c *Conn, ct codec.CodecType, seq uint32, msg *message.RPCMessage, _ *stream.Stream[[]byte], _ *Window) {
		if string(msg.Payload) == "hang" {
			return
		}
		c.WriteMessage(ct, protocol.MsgTypeResponse, seq, &message.RPCMessage{Streamed: true})
		c.WriteFrame(ct, protocol.MsgTypeStreamFrame, seq, []byte("partial"))
		<-release
		c.Close()
	})

	ctx := context.Background()
	resp, err := tr.RoundTrip(ctx, strictRequest("stream"))
	require.NoError(t, err)

	pending := make(chan error, 1)
	go func() {
		_, err := tr.RoundTrip(ctx, strictRequest("hang"))
		pending <- err
	}()

	v, err := resp.Body.Frames.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(v))
	close(release)

	_, err = resp.Body.Frames.Recv(ctx)
	assert.ErrorIs(t, err, ErrConnClosed)

	select {
	case err := <-pending:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending call not failed")
	}

	<-tr.Done()
	_, err = tr.RoundTrip(ctx, strictRequest("after"))
	assert.Error(t, err)
}
