package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	juerrors "github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/jon-ruckwood/lagom/codec"
	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/protocol"
	"github.com/jon-ruckwood/lagom/rpcerr"
)

// ClientTransport multiplexes concurrent calls over one TCP connection. Each
// call gets a unique sequence number; a background goroutine (recvLoop) reads
// every frame and routes it to the call it belongs to.
//
//	goroutine-1 ──RoundTrip(seq=1)──┐
//	goroutine-2 ──RoundTrip(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──RoundTrip(seq=3)──┘
//
//	recvLoop: ←── response(seq=2) → pending[2] → goroutine-2 wakes up
//	          ←── stream-frame(seq=3) → inbox[3] → response stream of goroutine-3
//	          ←── window-update(seq=1) → credit for the request stream of goroutine-1
type ClientTransport struct {
	conn    *Conn
	codec   codec.CodecType
	seq     atomic.Uint32
	pending sync.Map // map[uint32]chan *message.RPCMessage
	logger  *zap.Logger

	heartbeat time.Duration
	closeOnce sync.Once
	closed    chan struct{}
	err       error // set before closed is closed
}

// ClientOption configures a ClientTransport.
type ClientOption func(*ClientTransport)

// WithHeartbeat sets the keepalive interval. Zero disables heartbeats.
func WithHeartbeat(interval time.Duration) ClientOption {
	return func(t *ClientTransport) { t.heartbeat = interval }
}

// WithLogger sets the logger used for connection events.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(t *ClientTransport) { t.logger = logger }
}

// NewClientTransport wraps an established connection and starts its read and
// heartbeat loops. window is the credit granted to every response stream.
func NewClientTransport(netConn net.Conn, ct codec.CodecType, window int, opts ...ClientOption) *ClientTransport {
	t := &ClientTransport{
		codec:     ct,
		logger:    zap.NewNop(),
		heartbeat: 30 * time.Second,
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.conn = NewConn(netConn, window, t.logger)
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// Dial connects to addr and returns a transport for it.
func Dial(ctx context.Context, network, addr string, ct codec.CodecType, window int, opts ...ClientOption) (*ClientTransport, error) {
	var d net.Dialer
	netConn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, juerrors.Annotatef(err, "dial %s", addr)
	}
	return NewClientTransport(netConn, ct, window, opts...), nil
}

// RoundTrip sends the request head, pumps a streamed request body, and waits
// for the response head. A streamed response is returned as soon as its head
// arrives; its frames follow through the returned body.
func (t *ClientTransport) RoundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	select {
	case <-t.closed:
		req.Body.Discard()
		return nil, t.err
	default:
	}

	seq := t.seq.Add(1)
	// register before sending, the response may beat us to it
	respCh := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, respCh)
	ib := t.conn.OpenInbox(seq)

	// the server grants credit for a request stream as soon as it reads the head
	var win *Window
	if req.Body.Streamed() {
		win = t.conn.OpenWindow(seq)
	}

	cleanup := func() {
		t.pending.Delete(seq)
		t.conn.CloseInbox(seq)
	}

	if err := t.conn.WriteMessage(t.codec, protocol.MsgTypeRequest, seq, req.Head()); err != nil {
		cleanup()
		if win != nil {
			t.conn.CloseWindow(seq)
		}
		req.Body.Discard()
		return nil, err
	}
	stopPump := func() {}
	if win != nil {
		pumpCtx, stop := context.WithCancel(ctx)
		stopPump = stop
		// the server cancels seq once it stops reading the request stream
		t.conn.OnCancel(seq, stop)
		go func() {
			defer t.conn.CloseWindow(seq)
			defer t.conn.ClearCancel(seq)
			defer stop()
			t.conn.Pump(pumpCtx, t.codec, seq, win, req.Body.Frames)
		}()
	}

	select {
	case head := <-respCh:
		if head.Error != nil || !head.Streamed {
			// a strict or failed response means the server is done with the request
			stopPump()
			cleanup()
			return &message.Response{
				Protocol: head.Protocol,
				Body:     message.StrictBody(head.Payload),
				Error:    head.Error,
			}, nil
		}
		frames := t.conn.InboundStream(ctx, t.codec, seq, ib)
		return &message.Response{Protocol: head.Protocol, Body: message.StreamedBody(frames)}, nil
	case <-ctx.Done():
		cleanup()
		t.conn.sendCancel(t.codec, seq)
		return nil, ctx.Err()
	case <-t.closed:
		cleanup()
		return nil, t.err
	}
}

// recvLoop is the only reader of the connection. Response heads go to the
// waiting caller, stream frames to their inbox and credit to the request
// stream it is granted for. None of these wait on a consumer.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := t.conn.ReadFrame()
		if err != nil {
			t.shutdown(juerrors.Annotate(err, "connection lost"))
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeResponse:
			msg := &message.RPCMessage{}
			if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, msg); err != nil {
				msg = &message.RPCMessage{Error: rpcerr.ToEnvelope(rpcerr.NewProtocolError("malformed response: " + err.Error()))}
			}
			if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
				ch.(chan *message.RPCMessage) <- msg
			}
		case protocol.MsgTypeHeartbeat:
		default:
			t.conn.Dispatch(header, body)
		}
	}
}

func (t *ClientTransport) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		close(t.closed)
		t.conn.Shutdown(ErrConnClosed)
		t.conn.Close()
		t.logger.Debug("client transport closed", zap.Error(err))
	})
}

// Close closes the connection. Pending calls fail and open streams end with
// ErrConnClosed.
func (t *ClientTransport) Close() error {
	t.shutdown(ErrConnClosed)
	return nil
}

// Done is closed once the transport can no longer carry calls.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.closed
}

// heartbeatLoop sends periodic heartbeat frames so idle connections are not
// dropped by the server or by middleboxes.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteFrame(t.codec, protocol.MsgTypeHeartbeat, 0, nil); err != nil {
				return
			}
		case <-t.closed:
			return
		}
	}
}
