package test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"homepanel/client"
	"homepanel/loadbalance"
	"homepanel/middleware"
	"homepanel/panel"
	"homepanel/registry"
	"homepanel/rpcerr"
	"homepanel/server"
	"homepanel/socket"
)

const service = "controller"

// ---- 测试用的控制器 ----

type controller struct {
	demo   *server.Demo
	server *server.Server
	addr   string
	errCh  chan error
}

func startController(t *testing.T, reg registry.Registry) *controller {
	t.Helper()

	svr := server.NewServer(nil)
	svr.Use(middleware.Metrics())
	demo := server.NewDemo()
	if err := demo.Attach(svr); err != nil {
		t.Fatal(err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	c := &controller{demo: demo, server: svr, addr: l.Addr().String(), errCh: make(chan error, 1)}

	var r *server.Registration
	if reg != nil {
		r = &server.Registration{Registry: reg, Service: service, Instance: registry.ServiceInstance{Weight: 10}}
	}
	go func() { c.errCh <- svr.Serve(l, r) }()
	return c
}

func (c *controller) stop(t *testing.T) {
	t.Helper()
	if err := c.server.Shutdown(3 * time.Second); err != nil {
		t.Fatalf("shutdown %s: %v", c.addr, err)
	}
	if err := <-c.errCh; err != nil {
		t.Fatalf("serve %s: %v", c.addr, err)
	}
}

func newApp(t *testing.T, resolver *loadbalance.Resolver) *panel.App {
	t.Helper()
	app, err := panel.New(panel.Options{
		RPC: client.Options{EndpointFunc: resolver.RPCEndpoint, Timeout: 2 * time.Second},
		Socket: socket.Options{
			EndpointFunc: resolver.SocketEndpoint,
			Heartbeat:    -1,
			Reconnect:    socket.FixedDelay{Delay: 20 * time.Millisecond},
		},
		HealthCheck:  true,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return app
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestFullIntegration 完整端到端测试
// 链路: App → Resolver(registry) → LB → RPC Client / Event Socket → Server → Demo
func TestFullIntegration(t *testing.T) {
	ctx := context.Background()

	// 1. 启动控制器并注册到 registry
	reg := registry.NewMemoryRegistry()
	ctrl := startController(t, reg)
	defer ctrl.stop(t)
	waitFor(t, "registration", func() bool {
		list, _ := reg.Discover(ctx, service)
		return len(list) == 1
	})

	// 2. Resolver 负责服务发现
	resolver := loadbalance.NewResolver(reg, service, &loadbalance.RoundRobinBalancer{}, nil)
	if err := resolver.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer resolver.Close()

	// 3. 创建 App，订阅健康检查回复
	app := newApp(t, resolver)
	var sum atomic.Int64
	app.Subscribe("add", func(_ context.Context, payload json.RawMessage) error {
		var v int64
		if err := json.Unmarshal(payload, &v); err != nil {
			return err
		}
		sum.Store(v)
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- app.Run(runCtx) }()

	waitFor(t, "socket open", func() bool { return app.Socket() == socket.Open })
	if got := app.State().Connection(); got != socket.Open {
		t.Fatalf("state connection: expect open, got %s", got)
	}
	waitFor(t, "health check reply", func() bool { return sum.Load() == 9 })

	// 4. RPC: 读取传感器
	v, err := app.ReadSensor(ctx, 1)
	if err != nil {
		t.Fatalf("read_sensor failed: %v", err)
	}
	if v != 21.5 {
		t.Fatalf("read_sensor: expect 21.5, got %v", v)
	}
	if got, _ := app.State().Reading(1); got != 21.5 {
		t.Fatalf("state reading: expect 21.5, got %v", got)
	}

	// 5. RPC: LED 开关，失败时状态不变
	if err := app.ToggleLED(ctx, true); err != nil {
		t.Fatalf("toggle_led failed: %v", err)
	}
	ctrl.demo.FailLED("actuator offline")
	err = app.ToggleLED(ctx, false)
	var rpcErr *rpcerr.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != 1 {
		t.Fatalf("toggle_led: expect RPCError code 1, got %v", err)
	}
	if !app.State().LED() {
		t.Fatal("LED state changed after a failed toggle")
	}

	// 6. 推送: sensors 事件更新共享状态
	ctrl.demo.SetReading(2, 99)
	if _, err := ctrl.server.Broadcast(ctx, panel.EventSensors, panel.Readings{"1": 21.5, "2": 99}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pushed readings", func() bool {
		r, ok := app.State().Reading(2)
		return ok && r == 99
	})

	// 7. 关闭: Run 返回，之后的调用失败
	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := app.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = app.API().ListSensors(ctx)
	if !errors.Is(err, rpcerr.ErrClosed) {
		t.Fatalf("call after close: expect ErrClosed, got %v", err)
	}
}

// TestMultiControllerFailover 多实例 + 负载均衡 + 下线后重连
func TestMultiControllerFailover(t *testing.T) {
	ctx := context.Background()

	// 1. 启动 2 个控制器
	reg := registry.NewMemoryRegistry()
	first := startController(t, reg)
	second := startController(t, reg)
	defer second.stop(t)
	waitFor(t, "registration", func() bool {
		list, _ := reg.Discover(ctx, service)
		return len(list) == 2
	})

	resolver := loadbalance.NewResolver(reg, service, &loadbalance.RoundRobinBalancer{}, nil)
	if err := resolver.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer resolver.Close()

	app := newApp(t, resolver)
	defer app.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = app.Run(runCtx) }()
	waitFor(t, "socket open", func() bool { return app.Socket() == socket.Open })

	// 2. 发 10 个请求，验证全部正确
	for i := 1; i <= 10; i++ {
		ops, err := app.API().ListOperators(ctx)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if len(ops) != len(server.Operators) {
			t.Fatalf("request %d: expect %d operators, got %d", i, len(server.Operators), len(ops))
		}
	}

	// 3. 第一个控制器下线，resolver 只剩一个实例
	first.stop(t)
	waitFor(t, "deregistration", func() bool { return len(resolver.Instances()) == 1 })
	if got := resolver.Instances()[0].Addr; got != second.addr {
		t.Fatalf("remaining instance: expect %s, got %s", second.addr, got)
	}

	// 4. socket 重连到剩下的实例，RPC 继续可用
	waitFor(t, "socket reopen", func() bool { return app.Socket() == socket.Open })
	for i := 1; i <= 5; i++ {
		if _, err := app.API().ReadSensors(ctx); err != nil {
			t.Fatalf("request %d after failover: %v", i, err)
		}
	}
}

// TestPollerKeepsStateFresh 轮询 read_sensors，无需推送
func TestPollerKeepsStateFresh(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	ctrl := startController(t, reg)
	defer ctrl.stop(t)
	waitFor(t, "registration", func() bool {
		list, _ := reg.Discover(ctx, service)
		return len(list) == 1
	})

	resolver := loadbalance.NewResolver(reg, service, nil, nil)
	if err := resolver.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer resolver.Close()

	app := newApp(t, resolver)
	defer app.Close()

	scope := app.NewScope()
	app.PollReadings(scope)
	ctrl.demo.SetReading(1, 7)
	waitFor(t, "polled reading", func() bool {
		r, ok := app.State().Reading(1)
		return ok && r == 7
	})
	scope.Close()
}

// TestFullIntegrationWithEtcd 需要本地 etcd: HOMEPANEL_ETCD=127.0.0.1:2379
func TestFullIntegrationWithEtcd(t *testing.T) {
	endpoints := os.Getenv("HOMEPANEL_ETCD")
	if endpoints == "" {
		t.Skip("HOMEPANEL_ETCD not set")
	}
	ctx := context.Background()

	// 1. 连接 etcd
	reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), nil)
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}
	defer reg.Close()

	// 2. 启动控制器，注册到 etcd
	ctrl := startController(t, reg)
	defer ctrl.stop(t)
	waitFor(t, "registration", func() bool {
		list, _ := reg.Discover(ctx, service)
		for _, inst := range list {
			if inst.Addr == ctrl.addr {
				return true
			}
		}
		return false
	})

	// 3. 一致性哈希: 同一个 panel key 总是选同一个实例
	resolver := loadbalance.NewResolver(reg, service, loadbalance.NewConsistentHashBalancer("kitchen-panel"), nil)
	if err := resolver.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer resolver.Close()

	app := newApp(t, resolver)
	defer app.Close()

	sensors, err := app.API().ListSensors(ctx)
	if err != nil {
		t.Fatalf("list_sensor failed: %v", err)
	}
	if len(sensors) == 0 {
		t.Fatal("list_sensor: expect sensors")
	}
}
