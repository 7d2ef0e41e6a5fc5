// Package registry lets servers advertise the services they host and lets
// callers discover them.
package registry

import (
	"context"
	"errors"
	"strings"
)

// ErrNoInstances is returned when a service has no instance that can serve
// a call.
var ErrNoInstances = errors.New("registry: no instances available")

// ServiceInstance is one server hosting a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // load balancing weight
	Version string `json:"version,omitempty"`
	// Protocols are the content types the instance can answer with. Empty
	// means unknown.
	Protocols []string `json:"protocols,omitempty"`
}

// Supports reports whether the instance advertises contentType, or
// advertises nothing at all.
func (s ServiceInstance) Supports(contentType string) bool {
	if len(s.Protocols) == 0 || contentType == "" {
		return true
	}
	for _, p := range s.Protocols {
		if strings.EqualFold(p, contentType) {
			return true
		}
	}
	return false
}

// Supporting filters instances down to those that support contentType.
func Supporting(instances []ServiceInstance, contentType string) []ServiceInstance {
	out := make([]ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Supports(contentType) {
			out = append(out, inst)
		}
	}
	return out
}

type Registry interface {
	// Register advertises instance until ttl seconds pass without the
	// registration being renewed, or until Deregister.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list on every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
