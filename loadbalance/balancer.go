// Package loadbalance picks which controller instance a panel talks to when
// several are registered under the same service name.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless controllers, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Sticky panels; the same panel key keeps the same controller
package loadbalance

import (
	"errors"
	"fmt"

	"homepanel/registry"
)

// ErrNoInstances is returned by Pick when the instance list is empty.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The resolver calls Pick() before each dial or RPC to select a target instance.
type Balancer interface {
	// Pick selects one instance from the available list.
	// Called on every RPC call — must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer named by a config value: "round_robin",
// "weighted_random" or "consistent_hash". key is only used by consistent_hash.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
	}
}
