package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	juerrors "github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/jon-ruckwood/lagom/codec"
	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/protocol"
	"github.com/jon-ruckwood/lagom/rpcerr"
	"github.com/jon-ruckwood/lagom/stream"
)

// DefaultStreamWindow is the number of frames a stream receiver lets the
// remote producer send ahead of its consumer.
const DefaultStreamWindow = 16

// ErrConnClosed terminates streams and calls still open when their
// connection goes away.
var ErrConnClosed = errors.New("transport: connection closed")

// Conn is one side of a multiplexed frame connection. Callers and servers
// both use it to write heads, pump outgoing streams and route incoming stream
// frames; reading frames and dispatching call heads is left to the owner.
//
// Streams are flow controlled one by one. The receiving side grants credit
// with WindowUpdate frames as its consumer takes frames, and Pump writes a
// frame only while it holds credit. The owner's read loop never waits on a
// stream, so a slow consumer stalls its own producer and nothing else on the
// connection.
type Conn struct {
	conn   net.Conn
	window int
	logger *zap.Logger

	writeMu sync.Mutex // frames from different calls must not interleave

	mu      sync.Mutex
	inboxes map[uint32]*Inbox
	windows map[uint32]*Window
	cancels map[uint32]context.CancelFunc
	closed  bool
	err     error
}

type inbound struct {
	data []byte
	end  bool
	err  error
}

// Inbox queues the inbound frames of one stream until its consumer takes
// them. A well-behaved producer never has more than the window queued.
type Inbox struct {
	mu     sync.Mutex
	frames []inbound
	data   int // queued data frames
	ready  chan struct{}
}

func newInbox() *Inbox {
	return &Inbox{ready: make(chan struct{}, 1)}
}

// push queues f. A data frame beyond limit is refused.
func (ib *Inbox) push(f inbound, limit int) bool {
	ib.mu.Lock()
	if !f.end {
		if ib.data >= limit {
			ib.mu.Unlock()
			return false
		}
		ib.data++
	}
	ib.frames = append(ib.frames, f)
	ib.mu.Unlock()
	select {
	case ib.ready <- struct{}{}:
	default:
	}
	return true
}

func (ib *Inbox) pop() (inbound, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if len(ib.frames) == 0 {
		return inbound{}, false
	}
	f := ib.frames[0]
	ib.frames[0] = inbound{}
	ib.frames = ib.frames[1:]
	if !f.end {
		ib.data--
	}
	return f, true
}

// Window holds the credit the remote receiver granted for one outgoing
// stream.
type Window struct {
	mu     sync.Mutex
	credit int
	ready  chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newWindow() *Window {
	return &Window{ready: make(chan struct{}, 1), done: make(chan struct{})}
}

func (w *Window) grant(n int) {
	w.mu.Lock()
	w.credit += n
	w.mu.Unlock()
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

func (w *Window) close() {
	w.once.Do(func() { close(w.done) })
}

// acquire takes one credit, waiting for a grant if there is none.
func (w *Window) acquire(ctx context.Context) error {
	for {
		w.mu.Lock()
		if w.credit > 0 {
			w.credit--
			w.mu.Unlock()
			return nil
		}
		w.mu.Unlock()
		select {
		case <-w.ready:
		case <-w.done:
			return ErrConnClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NewConn wraps c. window is the credit granted to every inbound stream;
// values below 1 use DefaultStreamWindow.
func NewConn(c net.Conn, window int, logger *zap.Logger) *Conn {
	if window < 1 {
		window = DefaultStreamWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		conn:    c,
		window:  window,
		logger:  logger,
		inboxes: make(map[uint32]*Inbox),
		windows: make(map[uint32]*Window),
		cancels: make(map[uint32]context.CancelFunc),
	}
}

// ReadFrame reads the next frame. Only the owner's read loop may call it.
func (c *Conn) ReadFrame() (*protocol.Header, []byte, error) {
	return protocol.Decode(c.conn)
}

// WriteFrame writes one frame atomically.
func (c *Conn) WriteFrame(ct codec.CodecType, mt protocol.MsgType, seq uint32, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	h := &protocol.Header{CodecType: byte(ct), MsgType: mt, Seq: seq}
	if err := protocol.Encode(c.conn, h, body); err != nil {
		return juerrors.Annotatef(err, "write %v frame seq=%d", mt, seq)
	}
	return nil
}

// WriteMessage encodes msg with ct and writes it as a frame of type mt.
func (c *Conn) WriteMessage(ct codec.CodecType, mt protocol.MsgType, seq uint32, msg *message.RPCMessage) error {
	body, err := codec.GetCodec(ct).Encode(msg)
	if err != nil {
		return juerrors.Annotatef(err, "encode %v envelope seq=%d", mt, seq)
	}
	return c.WriteFrame(ct, mt, seq, body)
}

// OpenInbox registers an inbox for the inbound stream of seq. It must be
// opened before the remote side can send frames for seq.
func (c *Conn) OpenInbox(seq uint32) *Inbox {
	ib := newInbox()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ib.push(inbound{end: true, err: c.err}, 0)
		return ib
	}
	c.inboxes[seq] = ib
	return ib
}

// CloseInbox drops the inbox of seq without telling the remote side.
func (c *Conn) CloseInbox(seq uint32) {
	c.mu.Lock()
	delete(c.inboxes, seq)
	c.mu.Unlock()
}

func (c *Conn) releaseInbox(seq uint32, ib *Inbox) {
	c.mu.Lock()
	if c.inboxes[seq] == ib {
		delete(c.inboxes, seq)
	}
	c.mu.Unlock()
}

// InboundStream exposes the inbox of seq as a frame stream. It grants the
// remote producer the connection's window up front and one credit for every
// frame the consumer takes. If the consumer gives up before the end, the
// remote producer is sent a Cancel frame.
func (c *Conn) InboundStream(ctx context.Context, ct codec.CodecType, seq uint32, ib *Inbox) *stream.Stream[[]byte] {
	return stream.New(ctx, func(ctx context.Context, emit func([]byte) error) error {
		defer c.releaseInbox(seq, ib)
		c.grant(ct, seq, c.window)
		batch := max(1, c.window/2)
		taken := 0
		for {
			f, ok := ib.pop()
			if !ok {
				select {
				case <-ib.ready:
					continue
				case <-ctx.Done():
					c.sendCancel(ct, seq)
					return ctx.Err()
				}
			}
			if f.end {
				return f.err
			}
			if err := emit(f.data); err != nil {
				c.sendCancel(ct, seq)
				return err
			}
			if taken++; taken >= batch {
				c.grant(ct, seq, taken)
				taken = 0
			}
		}
	})
}

func (c *Conn) grant(ct codec.CodecType, seq uint32, n int) {
	if err := c.WriteFrame(ct, protocol.MsgTypeWindowUpdate, seq, protocol.WindowUpdateBody(uint32(n))); err != nil {
		c.logger.Debug("window update not sent", zap.Uint32("seq", seq), zap.Error(err))
	}
}

// OpenWindow registers the credit of the outgoing stream of seq. It must be
// opened before the remote side can grant credit for seq; grants for seqs
// without a window are dropped.
func (c *Conn) OpenWindow(seq uint32) *Window {
	w := newWindow()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		w.close()
		return w
	}
	c.windows[seq] = w
	return w
}

// CloseWindow forgets the credit of seq.
func (c *Conn) CloseWindow(seq uint32) {
	c.mu.Lock()
	delete(c.windows, seq)
	c.mu.Unlock()
}

// OnCancel registers fn to run when the remote side cancels seq.
func (c *Conn) OnCancel(seq uint32, fn context.CancelFunc) {
	c.mu.Lock()
	c.cancels[seq] = fn
	c.mu.Unlock()
}

// ClearCancel forgets the cancel function of seq.
func (c *Conn) ClearCancel(seq uint32) {
	c.mu.Lock()
	delete(c.cancels, seq)
	c.mu.Unlock()
}

func (c *Conn) sendCancel(ct codec.CodecType, seq uint32) {
	if err := c.WriteFrame(ct, protocol.MsgTypeCancel, seq, nil); err != nil {
		c.logger.Debug("cancel frame not sent", zap.Uint32("seq", seq), zap.Error(err))
	}
}

// Pump writes frames as StreamFrame frames for seq until the stream ends,
// then closes it with a StreamEnd carrying the failure envelope if the
// stream failed. Every frame waits for a credit of w. When ctx is done the
// stream is canceled and nothing more is written; the remote side already
// knows.
func (c *Conn) Pump(ctx context.Context, ct codec.CodecType, seq uint32, w *Window, frames *stream.Stream[[]byte]) {
	for {
		data, err := frames.Recv(ctx)
		if errors.Is(err, io.EOF) {
			c.writeEnd(ct, seq, nil)
			return
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, stream.ErrCanceled) {
				frames.Cancel()
				return
			}
			c.writeEnd(ct, seq, rpcerr.Classify(err))
			return
		}
		if err := w.acquire(ctx); err != nil {
			frames.Cancel()
			return
		}
		if err := c.WriteFrame(ct, protocol.MsgTypeStreamFrame, seq, data); err != nil {
			c.logger.Debug("stream pump stopped", zap.Uint32("seq", seq), zap.Error(err))
			frames.Cancel()
			return
		}
	}
}

func (c *Conn) writeEnd(ct codec.CodecType, seq uint32, failure *rpcerr.Error) {
	var body []byte
	if failure != nil {
		var err error
		body, err = codec.GetCodec(ct).Encode(&message.RPCMessage{Error: rpcerr.ToEnvelope(failure)})
		if err != nil {
			c.logger.Warn("stream failure not encoded", zap.Uint32("seq", seq), zap.Error(err))
			return
		}
	}
	if err := c.WriteFrame(ct, protocol.MsgTypeStreamEnd, seq, body); err != nil {
		c.logger.Debug("stream end not sent", zap.Uint32("seq", seq), zap.Error(err))
	}
}

// Dispatch routes a StreamFrame, StreamEnd, Cancel or WindowUpdate frame
// read by the owner. It never blocks on a stream.
func (c *Conn) Dispatch(h *protocol.Header, body []byte) {
	switch h.MsgType {
	case protocol.MsgTypeStreamFrame:
		c.deliver(h.Seq, inbound{data: body})
	case protocol.MsgTypeStreamEnd:
		f := inbound{end: true}
		if len(body) > 0 {
			var msg message.RPCMessage
			if err := codec.GetCodec(codec.CodecType(h.CodecType)).Decode(body, &msg); err != nil {
				f.err = rpcerr.Wrap(err, rpcerr.ProtocolError, rpcerr.NameProtocolError, "malformed stream end")
			} else if msg.Error != nil {
				f.err = rpcerr.FromEnvelope(msg.Error)
			}
		}
		c.deliver(h.Seq, f)
	case protocol.MsgTypeCancel:
		c.mu.Lock()
		cancel := c.cancels[h.Seq]
		delete(c.cancels, h.Seq)
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	case protocol.MsgTypeWindowUpdate:
		credit, err := protocol.ParseWindowUpdate(body)
		if err != nil {
			c.logger.Debug("malformed window update", zap.Uint32("seq", h.Seq), zap.Error(err))
			return
		}
		c.mu.Lock()
		w := c.windows[h.Seq]
		c.mu.Unlock()
		if w != nil {
			w.grant(int(credit))
		}
	}
}

func (c *Conn) deliver(seq uint32, f inbound) {
	c.mu.Lock()
	ib := c.inboxes[seq]
	if f.end {
		delete(c.inboxes, seq)
	}
	c.mu.Unlock()
	if ib == nil {
		return // canceled locally, late frames are dropped
	}
	if !ib.push(f, c.window) {
		c.mu.Lock()
		delete(c.inboxes, seq)
		c.mu.Unlock()
		ib.push(inbound{end: true, err: rpcerr.NewProtocolError("stream window exceeded")}, 0)
	}
}

// Shutdown terminates every open inbound stream with err, stops every
// outgoing stream and cancels every registered call. It is called by the
// owner when the read loop ends.
func (c *Conn) Shutdown(err error) {
	if err == nil {
		err = ErrConnClosed
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed, c.err = true, err
	inboxes, windows, cancels := c.inboxes, c.windows, c.cancels
	c.inboxes = make(map[uint32]*Inbox)
	c.windows = make(map[uint32]*Window)
	c.cancels = make(map[uint32]context.CancelFunc)
	c.mu.Unlock()

	for _, ib := range inboxes {
		ib.push(inbound{end: true, err: err}, 0)
	}
	for _, w := range windows {
		w.close()
	}
	for _, cancel := range cancels {
		cancel()
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
