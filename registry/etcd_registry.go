package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry implements the Registry interface using etcd v3:
//
//	Key:   /homepanel/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if a controller crashes, the lease expires
// and the entry is removed, so panels never dial a ghost instance.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	logger *slog.Logger

	mu        sync.Mutex
	keepAlive map[string]context.CancelFunc // key → stops lease renewal
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *slog.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EtcdRegistry{client: c, logger: logger, keepAlive: make(map[string]context.CancelFunc)}, nil
}

// Register adds a controller instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// The lease id stays local to the call so one EtcdRegistry can register
// several instances concurrently.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("registry: encode instance: %w", err)
	}

	key := servicePrefix(serviceName) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// Renewal must outlive ctx, which only bounds the registration itself.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: keepalive: %w", err)
	}

	r.mu.Lock()
	if prev, ok := r.keepAlive[key]; ok {
		prev()
	}
	r.keepAlive[key] = cancel
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug("registry lease renewal stopped", slog.String("key", key))
	}()
	return nil
}

// Deregister removes an instance. Controllers call it during graceful
// shutdown, before closing their listeners.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := servicePrefix(serviceName) + addr

	r.mu.Lock()
	if cancel, ok := r.keepAlive[key]; ok {
		cancel()
		delete(r.keepAlive, key)
	}
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	return nil
}

// Watch monitors a service prefix in etcd and emits updated instance lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full instance list
			// (simpler than parsing individual watch events)
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("registry rediscovery failed",
					slog.String("service", serviceName),
					slog.String("error", err.Error()))
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

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", serviceName, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", slog.String("key", string(kv.Key)))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close stops all lease renewals and closes the etcd connection. Registered
// entries expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, cancel := range r.keepAlive {
		cancel()
		delete(r.keepAlive, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
