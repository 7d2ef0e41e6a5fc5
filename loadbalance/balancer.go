// Package loadbalance picks the service instance that serves a call.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  stateful services needing affinity for a key
package loadbalance

import (
	"fmt"

	"github.com/jon-ruckwood/lagom/registry"
)

// Balancer selects one instance per call. Implementations must be safe for
// concurrent use.
type Balancer interface {
	// Pick selects one of instances. key identifies what is being called
	// (service and call); only key-affine strategies look at it.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name, as used in configuration.
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash", "ConsistentHash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown load balancer %q", name)
	}
}
