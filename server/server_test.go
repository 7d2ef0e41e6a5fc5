package server

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jon-ruckwood/lagom/codec"
	"github.com/jon-ruckwood/lagom/format"
	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/middleware"
	"github.com/jon-ruckwood/lagom/protocol"
	"github.com/jon-ruckwood/lagom/registry"
	"github.com/jon-ruckwood/lagom/rpcerr"
	"github.com/jon-ruckwood/lagom/serializer"
	"github.com/jon-ruckwood/lagom/service"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

func arith() *service.Descriptor {
	args := serializer.StrictSlot(serializer.Codecs[Args](format.DefaultRegistry()))
	reply := serializer.StrictSlot(serializer.Codecs[Reply](format.DefaultRegistry()))
	return service.NewDescriptor("Arith",
		service.NewCall(service.Named("add"), args, reply,
			service.Sync(func(_ context.Context, _ service.Params, a Args) (Reply, error) {
				return Reply{Result: a.A + a.B}, nil
			})),
		service.NewCall(service.Rest("POST", "/divide"), args, reply,
			service.Sync(func(_ context.Context, _ service.Params, a Args) (Reply, error) {
				return Reply{Result: a.A / a.B}, nil
			})),
	)
}

func jsonRequest(t *testing.T, call string, args Args) *message.Request {
	payload, err := json.Marshal(args)
	require.NoError(t, err)
	return &message.Request{
		Service:  "Arith",
		Call:     call,
		Protocol: format.JSON().Protocol(),
		Accept:   []message.MessageProtocol{format.JSON().Protocol()},
		Body:     message.StrictBody(payload),
	}
}

func startServer(t *testing.T, svr *Server) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return ln.Addr().String()
}

// TestServer speaks the frame protocol directly.
func TestServer(t *testing.T) {
	svr := NewServer()
	if err := svr.Register(arith()); err != nil {
		t.Fatalf("register: %v", err)
	}
	addr := startServer(t, svr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req := jsonRequest(t, "name:add", Args{1, 2})
	cdc := codec.GetCodec(codec.CodecTypeJSON)
	body, err := cdc.Encode(req.Head())
	if err != nil {
		t.Fatal(err)
	}
	header := protocol.Header{
		CodecType: byte(codec.CodecTypeJSON),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       123,
	}
	if err := protocol.Encode(conn, &header, body); err != nil {
		t.Fatal(err)
	}

	replyHeader, responseBody, err := protocol.Decode(conn)
	if err != nil {
		t.Fatal(err)
	}
	if replyHeader.Seq != header.Seq {
		t.Fatalf("expect reply seq %v, got %v", header.Seq, replyHeader.Seq)
	}
	if replyHeader.CodecType != header.CodecType {
		t.Fatalf("expect reply codec %v, got %v", header.CodecType, replyHeader.CodecType)
	}
	if replyHeader.MsgType != protocol.MsgTypeResponse {
		t.Fatalf("expect a response frame, got %v", replyHeader.MsgType)
	}

	var head message.RPCMessage
	if err := cdc.Decode(responseBody, &head); err != nil {
		t.Fatal(err)
	}
	if head.Error != nil {
		t.Fatalf("unexpected failure: %+v", head.Error)
	}
	var reply Reply
	if err := json.Unmarshal(head.Payload, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("expect result 3, got %v", reply.Result)
	}
}

func TestServerRejectsMalformedHead(t *testing.T) {
	addr := startServer(t, NewServer())
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	header := protocol.Header{CodecType: byte(codec.CodecTypeBinary), MsgType: protocol.MsgTypeRequest, Seq: 9}
	require.NoError(t, protocol.Encode(conn, &header, []byte{0x00, 0x09, 'x'}))

	replyHeader, body, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), replyHeader.Seq)

	var head message.RPCMessage
	require.NoError(t, codec.GetCodec(codec.CodecTypeBinary).Decode(body, &head))
	require.NotNil(t, head.Error)
	assert.Equal(t, rpcerr.NameProtocolError, head.Error.ExceptionMessage.Name)
}

func TestServeCall(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(arith()))
	ctx := context.Background()

	resp := svr.ServeCall(ctx, jsonRequest(t, "rest:POST /divide", Args{9, 3}))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"Result":3}`, string(resp.Body.Bytes))

	// a panicking handler is redacted like any other failure
	resp = svr.ServeCall(ctx, jsonRequest(t, "rest:POST /divide", Args{9, 0}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, 500, resp.Error.ErrorCode)
	assert.Equal(t, rpcerr.NameGeneric, resp.Error.ExceptionMessage.Name)
	assert.Empty(t, resp.Error.ExceptionMessage.Detail)
}

func TestServeCallNotFound(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(arith()))
	ctx := context.Background()

	resp := svr.ServeCall(ctx, jsonRequest(t, "name:subtract", Args{}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, 404, resp.Error.ErrorCode)
	assert.Contains(t, resp.Error.ExceptionMessage.Detail, "name:subtract")

	req := jsonRequest(t, "name:add", Args{})
	req.Service = "Geometry"
	resp = svr.ServeCall(ctx, req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.NameNotFound, resp.Error.ExceptionMessage.Name)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	d := arith()
	dup := d.WithCalls().Replace(service.MatchAny, func(ep service.Endpoint) service.Endpoint {
		return ep.(*service.Call[Args, Reply]).WithIdentity(service.Named("add"))
	})
	assert.Error(t, NewServer().Register(dup))
}

func TestRegisterReplacesDescriptor(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(arith()))
	echo := service.NewCall(service.Named("echo"),
		serializer.StrictSlot(serializer.Codecs[Args](format.DefaultRegistry())),
		serializer.StrictSlot(serializer.Codecs[Args](format.DefaultRegistry())),
		service.Sync(func(_ context.Context, _ service.Params, a Args) (Args, error) { return a, nil }))
	require.NoError(t, svr.Register(service.NewDescriptor("Arith", echo)))

	resp := svr.ServeCall(context.Background(), jsonRequest(t, "name:add", Args{A: 1, B: 2}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, 404, resp.Error.ErrorCode)

	resp = svr.ServeCall(context.Background(), jsonRequest(t, "name:echo", Args{A: 1, B: 2}))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"A":1,"B":2}`, string(resp.Body.Bytes))
}

func TestUseOrder(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(arith()))

	var mu sync.Mutex
	var trace []string
	record := func(name string) middleware.Middleware {
		return func(next middleware.HandlerFunc) middleware.HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				mu.Lock()
				trace = append(trace, name+".before")
				mu.Unlock()
				resp := next(ctx, req)
				mu.Lock()
				trace = append(trace, name+".after")
				mu.Unlock()
				return resp
			}
		}
	}
	svr.Use(record("A"))
	svr.Use(record("B"))

	resp := svr.ServeCall(context.Background(), jsonRequest(t, "name:add", Args{1, 1}))
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, trace)
}

func TestAdvertiseAndShutdown(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(WithRegistry(reg, "", 10), WithInstanceInfo(7, "v2"))
	require.NoError(t, svr.Register(arith()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(ln) }()

	ctx := context.Background()
	var instances []registry.ServiceInstance
	require.Eventually(t, func() bool {
		instances, _ = reg.Discover(ctx, "Arith")
		return len(instances) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, ln.Addr().String(), instances[0].Addr)
	assert.Equal(t, 7, instances[0].Weight)
	assert.Equal(t, "v2", instances[0].Version)
	assert.Equal(t, []string{"application/json", "application/cbor", "application/x-protobuf"}, instances[0].Protocols)
	assert.Equal(t, ln.Addr(), svr.Addr())

	require.NoError(t, svr.Shutdown(time.Second))
	select {
	case err := <-served:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("serve did not return after shutdown")
	}

	instances, err = reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestMetricsRecordFailures(t *testing.T) {
	svr := NewServer(WithMetrics())
	require.NoError(t, svr.Register(arith()))

	req := jsonRequest(t, "name:add", Args{})
	req.Body = message.StrictBody([]byte("{broken"))
	resp := svr.ServeCall(context.Background(), req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpcerr.NameDeserialization, resp.Error.ExceptionMessage.Name)

	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "lagom_call_failures_total", "lagom_calls_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}
