package loadbalance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"homepanel/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInstances = []registry.ServiceInstance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances in order
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		assert.Equal(t, testInstances[i].Addr, inst.Addr)
	}

	// Pick again, should wrap around to first
	inst, err := b.Pick(testInstances)
	require.NoError(t, err)
	assert.Equal(t, ":8001", inst.Addr)
}

func TestEmptyInstances(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer("panel")} {
		_, err := b.Pick(nil)
		assert.ErrorIs(t, err, ErrNoInstances, b.Name())
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick([]registry.ServiceInstance{{Addr: ":1"}, {Addr: ":2"}})
	require.NoError(t, err)
	assert.Contains(t, []string{":1", ":2"}, inst.Addr)
}

func TestConsistentHashIsSticky(t *testing.T) {
	b := NewConsistentHashBalancer("panel-kitchen")

	first, err := b.Pick(testInstances)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		inst, err := b.Pick(testInstances)
		require.NoError(t, err)
		assert.Equal(t, first.Addr, inst.Addr)
	}

	// Order of the list does not matter.
	reversed := []registry.ServiceInstance{testInstances[2], testInstances[1], testInstances[0]}
	inst, err := b.Pick(reversed)
	require.NoError(t, err)
	assert.Equal(t, first.Addr, inst.Addr)
}

func TestConsistentHashSpreadsKeys(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := NewConsistentHashBalancer(fmt.Sprintf("panel-%d", i)).Pick(testInstances)
		require.NoError(t, err)
		seen[inst.Addr] = true
	}

	// With 100 different keys and 3 nodes, we should hit at least 2
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{
		"":                "RoundRobin",
		"round_robin":     "RoundRobin",
		"weighted_random": "WeightedRandom",
		"consistent_hash": "ConsistentHash",
	} {
		b, err := New(name, "panel")
		require.NoError(t, err)
		assert.Equal(t, want, b.Name())
	}

	_, err := New("fastest", "")
	assert.Error(t, err)
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(ctx, "controller", registry.ServiceInstance{
		Addr:      "10.0.0.5:8080",
		RPCURL:    "http://10.0.0.5:8080/rpc",
		SocketURL: "ws://10.0.0.5:9000",
	}, 10))

	r := NewResolver(reg, "controller", nil, nil)
	require.NoError(t, r.Start(ctx))
	defer r.Close()

	rpcURL, err := r.RPCEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8080/rpc", rpcURL)

	wsURL, err := r.SocketEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.5:9000", wsURL)

	// A second controller shows up through the watch.
	require.NoError(t, reg.Register(ctx, "controller", registry.ServiceInstance{Addr: "10.0.0.6:8080"}, 10))
	require.Eventually(t, func() bool { return len(r.Instances()) == 2 }, time.Second, time.Millisecond)

	// Every controller leaves.
	require.NoError(t, reg.Deregister(ctx, "controller", "10.0.0.5:8080"))
	require.NoError(t, reg.Deregister(ctx, "controller", "10.0.0.6:8080"))
	require.Eventually(t, func() bool { return len(r.Instances()) == 0 }, time.Second, time.Millisecond)

	_, err = r.RPCEndpoint(ctx)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestResolverDefaultURLs(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register(ctx, "controller", registry.ServiceInstance{Addr: "hub:8080"}, 10))

	// Without Start the resolver discovers on demand.
	r := NewResolver(reg, "controller", &RoundRobinBalancer{}, nil)
	defer r.Close()

	rpcURL, err := r.RPCEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://hub:8080/rpc", rpcURL)

	wsURL, err := r.SocketEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws://hub:8080/ws", wsURL)
}
