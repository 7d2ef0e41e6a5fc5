package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix roots every key written by EtcdRegistry.
const DefaultPrefix = "/lagom/"

// EtcdRegistry keeps service instances in etcd:
//
//	Key:   {prefix}{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registrations hold a TTL lease that is kept alive in the background. If
// the server dies the lease expires and its entries disappear.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger
}

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*EtcdRegistry)

// WithPrefix changes the key prefix. It should end with "/".
func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = prefix }
}

// WithLogger sets the logger for background lease events.
func WithLogger(logger *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.logger = logger }
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "connect etcd %v", endpoints)
	}
	r := &EtcdRegistry{client: c, prefix: DefaultPrefix, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + serviceName + "/"
}

// Register puts instance under a fresh lease of ttl seconds and keeps the
// lease alive until Close. The lease id stays local so one registry can be
// shared by several servers.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Annotatef(err, "grant lease for %s", serviceName)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Trace(err)
	}

	key := r.servicePrefix(serviceName) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Annotatef(err, "put %s", key)
	}

	// the keepalive outlives the registering call
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return errors.Annotatef(err, "keep lease of %s alive", key)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister removes an instance. Called during graceful shutdown before the
// listener closes.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.servicePrefix(serviceName) + addr
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Annotatef(err, "delete %s", key)
	}
	return nil
}

// Watch re-reads the instance list whenever anything under the service
// prefix changes (registration, deregistration, lease expiry).
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("rediscover after watch event failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances of a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "discover %s", serviceName)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops all lease keepalives and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
