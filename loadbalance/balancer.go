// Package loadbalance picks one discovered instance for a client to dial.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  instances of different capacity
//   - ConsistentHash:  a stable instance per key, for callers that want affinity
package loadbalance

import (
	"errors"

	"looprpc/registry"
)

// ErrNoInstances is returned by Pick for an empty instance list.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects an instance. Implementations are goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer registered under name, or nil.
func New(name string) Balancer {
	switch name {
	case "RoundRobin", "round_robin", "":
		return &RoundRobinBalancer{}
	case "WeightedRandom", "weighted_random":
		return &WeightedRandomBalancer{}
	case "ConsistentHash", "consistent_hash":
		return NewConsistentHashBalancer("")
	default:
		return nil
	}
}
