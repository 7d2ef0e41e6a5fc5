// Package client invokes calls on remote services.
//
// Client finds instances in a registry, picks one with a load balancer and
// round-trips the call over a multiplexed TCP transport per instance.
// Invoke layers the typed call pipeline over any transport.RoundTripper:
// a Client, a single transport.ClientTransport or transport.Loopback.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	juerrors "github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/jon-ruckwood/lagom/codec"
	"github.com/jon-ruckwood/lagom/loadbalance"
	"github.com/jon-ruckwood/lagom/message"
	"github.com/jon-ruckwood/lagom/registry"
	"github.com/jon-ruckwood/lagom/rpcerr"
	"github.com/jon-ruckwood/lagom/transport"
)

// Client round-trips calls to discovered service instances.
type Client struct {
	registry   registry.Registry
	balancer   loadbalance.Balancer
	codecType  codec.CodecType
	window     int
	maxRetries int
	baseDelay  time.Duration
	heartbeat  time.Duration
	logger     *zap.Logger

	mu         sync.Mutex
	transports map[string]*transport.ClientTransport // one multiplexed connection per instance
}

// Option configures a Client.
type Option func(*Client)

// WithRetry retries strict requests up to maxRetries times with exponential
// backoff from baseDelay when the instance cannot be reached or answers
// ServiceUnavailable. Streamed requests are never retried: their frames can
// only be sent once.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) { c.maxRetries, c.baseDelay = maxRetries, baseDelay }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithStreamWindow sets the credit granted to every response stream, the
// frames a server may send ahead of the caller.
func WithStreamWindow(n int) Option {
	return func(c *Client) { c.window = n }
}

// WithHeartbeat sets the keepalive interval of the client's connections.
func WithHeartbeat(interval time.Duration) Option {
	return func(c *Client) { c.heartbeat = interval }
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, codecType codec.CodecType, opts ...Option) *Client {
	c := &Client{
		registry:   reg,
		balancer:   bal,
		codecType:  codecType,
		window:     transport.DefaultStreamWindow,
		heartbeat:  30 * time.Second,
		logger:     zap.NewNop(),
		transports: make(map[string]*transport.ClientTransport),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RoundTrip implements transport.RoundTripper.
func (c *Client) RoundTrip(ctx context.Context, req *message.Request) (*message.Response, error) {
	retries := c.maxRetries
	if req.Body.Streamed() {
		retries = 0
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.roundTripOnce(ctx, req)
		if !c.retryable(resp, err) || attempt >= retries {
			return resp, err
		}

		delay := c.baseDelay * time.Duration(1<<attempt)
		c.logger.Info("retrying call",
			zap.String("service", req.Service),
			zap.String("call", req.Call),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(c.failureOf(resp, err)),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) roundTripOnce(ctx context.Context, req *message.Request) (*message.Response, error) {
	instances, err := c.registry.Discover(ctx, req.Service)
	if err != nil {
		return nil, err
	}
	instances = registry.Supporting(instances, acceptedContentType(req))
	instance, err := c.balancer.Pick(instances, req.Service+"/"+req.Call)
	if err != nil {
		if errors.Is(err, registry.ErrNoInstances) {
			return nil, rpcerr.Wrap(err, rpcerr.ServiceUnavailable, rpcerr.NameServiceUnavailable,
				"no instance of "+req.Service+" available")
		}
		return nil, err
	}

	t, err := c.getTransport(ctx, instance.Addr)
	if err != nil {
		return nil, err
	}
	resp, err := t.RoundTrip(ctx, req)
	if err != nil && ctx.Err() == nil {
		c.dropTransport(instance.Addr, t)
	}
	return resp, err
}

// acceptedContentType is the content type an instance must be able to answer
// in: the caller's first preference, unless that is a wildcard.
func acceptedContentType(req *message.Request) string {
	if len(req.Accept) == 0 {
		return ""
	}
	ct := req.Accept[0].ContentType
	if ct == "*/*" || ct == "" {
		return ""
	}
	return ct
}

func (c *Client) retryable(resp *message.Response, err error) bool {
	if err != nil {
		var callErr *rpcerr.Error
		if errors.As(err, &callErr) {
			return errors.Is(callErr, rpcerr.ErrServiceUnavailable)
		}
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return resp.Error != nil && resp.Error.ErrorCode == rpcerr.ServiceUnavailable.HTTP
}

func (c *Client) failureOf(resp *message.Response, err error) error {
	if err != nil {
		return err
	}
	return rpcerr.FromEnvelope(resp.Error)
}

func (c *Client) getTransport(ctx context.Context, addr string) (*transport.ClientTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[addr]; ok {
		select {
		case <-t.Done():
			delete(c.transports, addr)
		default:
			return t, nil
		}
	}

	t, err := transport.Dial(ctx, "tcp", addr, c.codecType, c.window,
		transport.WithHeartbeat(c.heartbeat), transport.WithLogger(c.logger))
	if err != nil {
		return nil, juerrors.Annotatef(err, "connect to instance %s", addr)
	}
	c.transports[addr] = t
	return t, nil
}

func (c *Client) dropTransport(addr string, t *transport.ClientTransport) {
	c.mu.Lock()
	if c.transports[addr] == t {
		delete(c.transports, addr)
	}
	c.mu.Unlock()
	t.Close()
}

// Close closes every connection of the client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, t := range c.transports {
		t.Close()
		delete(c.transports, addr)
	}
	return nil
}
