package loadbalance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"homepanel/registry"
)

// Resolver turns a service name into concrete controller endpoints. It keeps
// a cached instance list current through Registry.Watch and asks the Balancer
// for one instance per lookup. RPCEndpoint and SocketEndpoint plug directly
// into client.Options.EndpointFunc and socket.Options.EndpointFunc.
type Resolver struct {
	reg      registry.Registry
	service  string
	balancer Balancer
	logger   *slog.Logger

	mu        sync.RWMutex
	instances []registry.ServiceInstance

	cancel context.CancelFunc
	done   chan struct{}
}

func NewResolver(reg registry.Registry, service string, b Balancer, logger *slog.Logger) *Resolver {
	if b == nil {
		b = &RoundRobinBalancer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{reg: reg, service: service, balancer: b, logger: logger}
}

// Start loads the current instances and follows changes until Close.
func (r *Resolver) Start(ctx context.Context) error {
	instances, err := r.reg.Discover(ctx, r.service)
	if err != nil {
		return err
	}
	r.set(instances)

	watchCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	updates := r.reg.Watch(watchCtx, r.service)

	go func() {
		defer close(r.done)
		for instances := range updates {
			r.set(instances)
			r.logger.Info("controller instances changed",
				slog.String("service", r.service),
				slog.Int("count", len(instances)))
		}
	}()
	return nil
}

// Close stops following the registry.
func (r *Resolver) Close() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

func (r *Resolver) set(instances []registry.ServiceInstance) {
	r.mu.Lock()
	r.instances = append([]registry.ServiceInstance(nil), instances...)
	r.mu.Unlock()
}

// Instances returns the cached instance list.
func (r *Resolver) Instances() []registry.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]registry.ServiceInstance(nil), r.instances...)
}

// Pick selects one instance. With nothing cached (Start not called, or every
// controller gone) it asks the registry directly.
func (r *Resolver) Pick(ctx context.Context) (*registry.ServiceInstance, error) {
	instances := r.Instances()
	if len(instances) == 0 {
		fresh, err := r.reg.Discover(ctx, r.service)
		if err != nil {
			return nil, err
		}
		if len(fresh) == 0 {
			return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, r.service)
		}
		instances = fresh
	}
	return r.balancer.Pick(instances)
}

// RPCEndpoint returns the RPC URL of the picked instance.
func (r *Resolver) RPCEndpoint(ctx context.Context) (string, error) {
	inst, err := r.Pick(ctx)
	if err != nil {
		return "", err
	}
	if inst.RPCURL != "" {
		return inst.RPCURL, nil
	}
	return "http://" + inst.Addr + "/rpc", nil
}

// SocketEndpoint returns the event socket URL of the picked instance.
func (r *Resolver) SocketEndpoint(ctx context.Context) (string, error) {
	inst, err := r.Pick(ctx)
	if err != nil {
		return "", err
	}
	if inst.SocketURL != "" {
		return inst.SocketURL, nil
	}
	return "ws://" + inst.Addr + "/ws", nil
}
