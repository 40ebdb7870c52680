// Package registry lets panels find their home controller instead of being
// configured with fixed addresses. Controllers register themselves under a
// service name; panels discover or watch that name.
package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no instance is registered for a service.
var ErrNotFound = errors.New("registry: no instances registered")

// ServiceInstance describes one running controller endpoint.
type ServiceInstance struct {
	Addr      string `json:"addr"`       // host:port, unique per service
	RPCURL    string `json:"rpc_url"`    // e.g. http://10.0.0.5:8080/rpc
	SocketURL string `json:"socket_url"` // e.g. ws://10.0.0.5:9000/ws
	Weight    int    `json:"weight"`     // Weight for load balancing
	Version   string `json:"version"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}

func servicePrefix(serviceName string) string {
	return "/homepanel/" + serviceName + "/"
}
