// Package server hosts service descriptors and serves their calls over TCP or
// in-process.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → request head: go handleRequest (parallel processing)
//	    → Middleware Chain → dispatch → Endpoint.Serve → write response head
//	      → streamed response: pump frames, one per credit, until the stream ends
//	  → stream frames / cancel / window updates: routed to the call they belong to
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	juerrors "github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/jon-ruckwood/lagom/codec"
	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/middleware"
	"github.com/jon-ruckwood/lagom/observability"
	"github.com/jon-ruckwood/lagom/protocol"
	"github.com/jon-ruckwood/lagom/registry"
	"github.com/jon-ruckwood/lagom/rpcerr"
	"github.com/jon-ruckwood/lagom/service"
	"github.com/jon-ruckwood/lagom/transport"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("server: closed")

// Server hosts services and serves their calls.
type Server struct {
	mu          sync.RWMutex
	services    map[string]*service.Descriptor
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))

	classifier *rpcerr.Classifier
	logger     *zap.Logger
	metrics    bool
	window     int

	registry      registry.Registry
	advertiseAddr string
	ttl           int64
	weight        int
	version       string

	listener net.Listener
	conns    map[*transport.Conn]struct{}
	baseCtx  context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup // in-flight calls, for graceful shutdown
	shutdown atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithClassifier sets the redaction policy for handler failures.
func WithClassifier(c *rpcerr.Classifier) Option {
	return func(s *Server) { s.classifier = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics records Prometheus metrics for every call.
func WithMetrics() Option {
	return func(s *Server) { s.metrics = true }
}

// WithStreamWindow sets the credit granted to every request stream, the
// frames a caller may send ahead of the handler.
func WithStreamWindow(n int) Option {
	return func(s *Server) { s.window = n }
}

// WithRegistry advertises every hosted service at advertiseAddr while the
// server runs. advertiseAddr must be routable by callers; the listen address
// (":8080") usually is not. An empty advertiseAddr advertises the listener's
// address.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry, s.advertiseAddr, s.ttl = reg, advertiseAddr, ttl
	}
}

// WithInstanceInfo sets the weight and version advertised to the registry.
func WithInstanceInfo(weight int, version string) Option {
	return func(s *Server) { s.weight, s.version = weight, version }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		services:   make(map[string]*service.Descriptor),
		conns:      make(map[*transport.Conn]struct{}),
		classifier: rpcerr.Default,
		logger:     zap.NewNop(),
		window:     transport.DefaultStreamWindow,
		ttl:        10,
		weight:     10,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.stop = context.WithCancel(context.Background())
	s.handler = s.dispatch
	return s
}

// Register hosts the descriptor's calls under its name, replacing an earlier
// descriptor of the same name.
func (svr *Server) Register(d *service.Descriptor) error {
	if err := d.Validate(); err != nil {
		return juerrors.Annotatef(err, "register %s", d.Name())
	}
	svr.mu.Lock()
	svr.services[d.Name()] = d
	svr.mu.Unlock()
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added: Use(A); Use(B) runs A.before → B.before → dispatch → B.after → A.after.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.dispatch)
}

// ServeCall serves one request through the middleware chain. It is what the
// TCP transport calls for every request head, and what transport.Loopback
// calls in-process.
func (svr *Server) ServeCall(ctx context.Context, req *message.Request) *message.Response {
	svr.mu.RLock()
	handler := svr.handler
	svr.mu.RUnlock()
	return handler(ctx, req)
}

func (svr *Server) lookup(serviceName, callKey string) (service.Endpoint, *rpcerr.Error) {
	svr.mu.RLock()
	d, ok := svr.services[serviceName]
	svr.mu.RUnlock()
	if !ok {
		return nil, rpcerr.NewNotFound("service " + serviceName + " not found")
	}
	ep, ok := d.LookupKey(callKey)
	if !ok {
		return nil, rpcerr.NewNotFound("call " + callKey + " not found in service " + serviceName)
	}
	return ep, nil
}

// dispatch routes a request to its endpoint. It is wrapped by the middleware
// chain.
func (svr *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	start := time.Now()
	ep, notFound := svr.lookup(req.Service, req.Call)
	if notFound != nil {
		req.Body.Discard()
		svr.record(req, notFound.Code.HTTP, start)
		return &message.Response{Error: rpcerr.ToEnvelope(notFound)}
	}

	resp := ep.Serve(ctx, req, service.ServeOptions{
		Classifier: svr.classifier,
		Logger:     svr.logger.With(zap.String("service", req.Service)),
		Observer:   svr.observer(req.Service),
	})

	code := 200
	if resp.Error != nil {
		code = resp.Error.ErrorCode
	}
	svr.record(req, code, start)
	return resp
}

func (svr *Server) record(req *message.Request, code int, start time.Time) {
	if svr.metrics {
		observability.RecordCall(req.Service, req.Call, code, time.Since(start))
	}
}

func (svr *Server) observer(serviceName string) func(service.StageEvent) {
	if !svr.metrics {
		return nil
	}
	return func(ev service.StageEvent) {
		if ev.Failed() {
			observability.RecordFailure(serviceName, ev.Call.Key(), ev.Stage.String(), ev.Err.Code.HTTP, ev.Err.Name)
		}
	}
}

// Serve listens on address, advertises the hosted services if a registry is
// configured, and accepts connections until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return juerrors.Annotatef(err, "listen %s", address)
	}
	return svr.ServeListener(listener)
}

// ServeListener is Serve on an existing listener.
func (svr *Server) ServeListener(listener net.Listener) error {
	svr.mu.Lock()
	svr.listener = listener
	if svr.advertiseAddr == "" {
		svr.advertiseAddr = listener.Addr().String()
	}
	svr.mu.Unlock()

	if err := svr.advertise(); err != nil {
		listener.Close()
		return err
	}
	svr.logger.Info("server listening", zap.Stringer("addr", listener.Addr()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected
			if svr.shutdown.Load() {
				return ErrServerClosed
			}
			return juerrors.Annotate(err, "accept")
		}
		go svr.handleConn(conn)
	}
}

// Addr returns the listener address once Serve has started, nil before.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

func (svr *Server) advertise() error {
	if svr.registry == nil {
		return nil
	}
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	for name, d := range svr.services {
		instance := registry.ServiceInstance{
			Addr:      svr.advertiseAddr,
			Weight:    svr.weight,
			Version:   svr.version,
			Protocols: message.ContentTypes(d.ResponseProtocols()),
		}
		if err := svr.registry.Register(svr.baseCtx, name, instance, svr.ttl); err != nil {
			return juerrors.Annotatef(err, "advertise %s", name)
		}
	}
	return nil
}

// handleConn reads frames from one connection. Reads are sequential, one
// goroutine per connection; every request is served in its own goroutine so
// a slow call does not hold up the others on the same connection.
func (svr *Server) handleConn(netConn net.Conn) {
	conn := transport.NewConn(netConn, svr.window, svr.logger)
	svr.mu.Lock()
	svr.conns[conn] = struct{}{}
	svr.mu.Unlock()
	defer func() {
		svr.mu.Lock()
		delete(svr.conns, conn)
		svr.mu.Unlock()
		conn.Shutdown(transport.ErrConnClosed)
		conn.Close()
	}()

	for {
		header, body, err := conn.ReadFrame()
		if err != nil {
			svr.logger.Debug("connection closed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
		case protocol.MsgTypeRequest:
			svr.startRequest(conn, header, body)
		default:
			conn.Dispatch(header, body)
		}
	}
}

// startRequest decodes a request head and starts serving it. The inbox of a
// streamed request is opened here, in the read loop, so frames that follow
// the head are never dropped.
func (svr *Server) startRequest(conn *transport.Conn, header *protocol.Header, body []byte) {
	ct := codec.CodecType(header.CodecType)
	var msg message.RPCMessage
	if err := codec.GetCodec(ct).Decode(body, &msg); err != nil {
		resp := &message.Response{Error: rpcerr.ToEnvelope(rpcerr.NewProtocolError("malformed request: " + err.Error()))}
		if err := conn.WriteMessage(ct, protocol.MsgTypeResponse, header.Seq, resp.Head()); err != nil {
			svr.logger.Debug("response not sent", zap.Error(err))
		}
		return
	}

	ctx, cancel := context.WithCancel(svr.baseCtx)
	conn.OnCancel(header.Seq, cancel)
	// the caller grants credit once it sees a streamed response head
	win := conn.OpenWindow(header.Seq)

	req := &message.Request{
		Service:  msg.Service,
		Call:     msg.Call,
		Params:   msg.Params,
		Protocol: msg.Protocol,
		Accept:   msg.Accept,
		Body:     message.StrictBody(msg.Payload),
	}
	if msg.Streamed {
		ib := conn.OpenInbox(header.Seq)
		req.Body = message.StreamedBody(conn.InboundStream(ctx, ct, header.Seq, ib))
	}

	svr.wg.Add(1)
	go svr.handleRequest(ctx, cancel, conn, ct, header.Seq, win, req)
}

// handleRequest serves one call and writes its response. The response head
// keeps the request's seq; that is how the caller matches it.
func (svr *Server) handleRequest(ctx context.Context, cancel context.CancelFunc, conn *transport.Conn, ct codec.CodecType, seq uint32, win *transport.Window, req *message.Request) {
	defer svr.wg.Done()
	defer conn.CloseWindow(seq)
	defer conn.ClearCancel(seq)
	defer cancel()

	resp := svr.ServeCall(ctx, req)
	if err := conn.WriteMessage(ct, protocol.MsgTypeResponse, seq, resp.Head()); err != nil {
		svr.logger.Debug("response not sent", zap.Uint32("seq", seq), zap.Error(err))
		resp.Body.Discard()
		return
	}
	if resp.Error == nil && resp.Body.Streamed() {
		conn.Pump(ctx, ct, seq, win, resp.Body.Frames)
	}
}

// Shutdown performs a graceful shutdown:
//  1. deregister all services, so callers stop routing here
//  2. close the listener
//  3. wait for in-flight calls, canceling them after timeout
//  4. close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	ctx, cancelDeregister := context.WithTimeout(context.Background(), timeout)
	defer cancelDeregister()
	if svr.registry != nil {
		svr.mu.RLock()
		for name := range svr.services {
			if err := svr.registry.Deregister(ctx, name, svr.advertiseAddr); err != nil {
				svr.logger.Warn("deregister failed", zap.String("service", name), zap.Error(err))
			}
		}
		svr.mu.RUnlock()
	}

	// set the flag before closing, so Serve reports a clean stop
	svr.shutdown.Store(true)
	svr.mu.RLock()
	if svr.listener != nil {
		svr.listener.Close()
	}
	svr.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.New("timeout waiting for ongoing requests to finish")
	}
	svr.stop()
	svr.mu.RLock()
	for conn := range svr.conns {
		conn.Close()
	}
	svr.mu.RUnlock()
	return err
}
