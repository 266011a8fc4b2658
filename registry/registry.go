// Package registry lets servers advertise their address under a service name
// and clients discover it.
package registry

import (
	"context"
	"time"
)

// ServiceInstance is one advertised endpoint of a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`   // scheme://endpoint, as accepted by transport.Dial
	Weight  int    `json:"weight"` // relative share for weighted balancing
	Version string `json:"version,omitempty"`
}

// Registry is a service directory. Implementations are goroutine-safe; their
// calls may block on the network and are made outside loop callbacks.
type Registry interface {
	// Register advertises instance under serviceName for as long as the
	// registry keeps renewing it; ttl bounds how long it outlives a crash.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl time.Duration) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
