package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Registry = (*MemoryRegistry)(nil)
var _ Registry = (*EtcdRegistry)(nil)

func TestMemoryRegisterDiscoverDeregister(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()

	require.NoError(t, reg.Register(ctx, "controller", ServiceInstance{Addr: ":8002", Weight: 5}, 10))
	require.NoError(t, reg.Register(ctx, "controller", ServiceInstance{Addr: ":8001", Weight: 10}, 10))

	instances, err := reg.Discover(ctx, "controller")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, ":8001", instances[0].Addr, "sorted by address")

	require.NoError(t, reg.Deregister(ctx, "controller", ":8001"))
	instances, err = reg.Discover(ctx, "controller")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, ":8002", instances[0].Addr)

	instances, err = reg.Discover(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	updates := reg.Watch(ctx, "controller")

	require.NoError(t, reg.Register(ctx, "controller", ServiceInstance{Addr: ":1"}, 0))
	require.NoError(t, reg.Register(ctx, "controller", ServiceInstance{Addr: ":2"}, 0))

	// Only the latest list is kept for a reader that has not caught up.
	select {
	case got := <-updates:
		assert.Len(t, got, 2)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-updates
		return !ok
	}, time.Second, time.Millisecond)

	// Changes after the watcher left must not block.
	require.NoError(t, reg.Deregister(context.Background(), "controller", ":1"))
}
