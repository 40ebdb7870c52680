package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"homepanel/middleware"
	"homepanel/registry"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Args struct {
	A, B int
}

type Arith struct{}

func (a *Arith) Add(_ context.Context, args *Args, reply *int) error {
	*reply = args.A + args.B
	return nil
}

func (a *Arith) Divide(_ context.Context, args *Args, reply *int) error {
	if args.B == 0 {
		return Errorf(1, "divide by zero")
	}
	*reply = args.A / args.B
	return nil
}

func (a *Arith) Explode(context.Context, *Args, *int) error {
	return errors.New("boom")
}

// NotRPC has the wrong shape and must be ignored.
func (a *Arith) NotRPC(int) {}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	svr := NewServer(nil)
	require.NoError(t, svr.Register(&Arith{}))
	ts := httptest.NewServer(svr.Handler())
	t.Cleanup(ts.Close)
	return svr, ts
}

func post(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url+"/rpc", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return resp.StatusCode, out
}

func errorCode(t *testing.T, out map[string]any) int {
	t.Helper()
	e, ok := out["error"].(map[string]any)
	require.True(t, ok, "expected an error object, got %v", out)
	return int(e["code"].(float64))
}

func TestSnakeCase(t *testing.T) {
	for in, want := range map[string]string{
		"ReadSensor":   "read_sensor",
		"ToggleLED":    "toggle_led",
		"ListOperator": "list_operator",
		"Add":          "add",
		"HTTPStatus":   "http_status",
		"Sensor2Value": "sensor2_value",
	} {
		assert.Equal(t, want, SnakeCase(in), in)
	}
}

func TestNewServiceRejectsBadReceivers(t *testing.T) {
	_, err := NewService(Arith{})
	assert.Error(t, err)

	x := 1
	_, err = NewService(&x)
	assert.Error(t, err)

	type Empty struct{}
	_, err = NewService(&Empty{})
	assert.Error(t, err)
}

func TestRPCDispatch(t *testing.T) {
	_, ts := newTestServer(t)

	status, out := post(t, ts.URL, `{"jsonrpc":"2.0","method":"add","params":{"a":1,"b":2},"id":"t1"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "t1", out["id"])
	assert.Equal(t, 3.0, out["result"])
	assert.NotContains(t, out, "error")
}

func TestRPCNumericIDEchoed(t *testing.T) {
	_, ts := newTestServer(t)

	_, out := post(t, ts.URL, `{"method":"add","params":{"a":2,"b":2},"id":7}`)
	assert.Equal(t, 7.0, out["id"])
	assert.Equal(t, 4.0, out["result"])
}

func TestRPCErrors(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"method error", `{"method":"divide","params":{"a":1,"b":0},"id":"1"}`, 1},
		{"plain error", `{"method":"explode","params":{},"id":"2"}`, CodeServerError},
		{"unknown method", `{"method":"missing","params":{},"id":"3"}`, CodeMethodNotFound},
		{"bad params", `{"method":"add","params":{"a":"x"},"id":"4"}`, CodeInvalidParams},
		{"params not object", `{"method":"add","params":[1,2],"id":"5"}`, CodeInvalidParams},
		{"no method", `{"params":{},"id":"6"}`, CodeInvalidRequest},
		{"parse error", `{"method":`, CodeParseError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, out := post(t, ts.URL, tt.body)
			assert.Equal(t, tt.code, errorCode(t, out))
		})
	}

	_, out := post(t, ts.URL, `{"method":`)
	assert.Nil(t, out["id"], "parse errors carry a null id")
}

func TestRPCMiddleware(t *testing.T) {
	svr, ts := newTestServer(t)
	svr.Use(middleware.RateLimit(0.0001, 1))

	status, _ := post(t, ts.URL, `{"method":"add","params":{"a":1,"b":1},"id":"1"}`)
	assert.Equal(t, http.StatusOK, status)

	status, out := post(t, ts.URL, `{"method":"add","params":{"a":1,"b":1},"id":"2"}`)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, CodeServerError, errorCode(t, out))
}

func TestHandleFunc(t *testing.T) {
	svr, ts := newTestServer(t)
	svr.Handle("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})

	_, out := post(t, ts.URL, `{"method":"echo","params":{"x":[1,2]},"id":"e"}`)
	assert.Equal(t, map[string]any{"x": []any{1.0, 2.0}}, out["result"])
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+url[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	return string(data)
}

func TestSocketEventReply(t *testing.T) {
	svr, ts := newTestServer(t)
	svr.OnEvent("add", func(_ context.Context, payload json.RawMessage) (any, error) {
		var args Args
		if err := json.Unmarshal(payload, &args); err != nil {
			return nil, err
		}
		return args.A + args.B, nil
	})
	svr.OnEvent("quiet", func(context.Context, json.RawMessage) (any, error) { return nil, nil })

	conn := dialWS(t, ts.URL)
	ctx := context.Background()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`not json`)))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(strings.Repeat("x", 2<<20))))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"event":"quiet","payload":{}}`)))
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"event":"add","payload":{"a":5,"b":4}}`)))

	assert.JSONEq(t, `{"event":"add","result":9}`, readFrame(t, conn))
}

func TestBroadcast(t *testing.T) {
	svr, ts := newTestServer(t)

	c1 := dialWS(t, ts.URL)
	c2 := dialWS(t, ts.URL)
	require.Eventually(t, func() bool { return svr.Peers() == 2 }, 2*time.Second, 5*time.Millisecond)

	n, err := svr.Broadcast(context.Background(), "sensors", map[string]float64{"1": 21.5})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, c := range []*websocket.Conn{c1, c2} {
		assert.JSONEq(t, `{"event":"sensors","result":{"1":21.5}}`, readFrame(t, c))
	}

	_, err = svr.Broadcast(context.Background(), "", nil)
	assert.Error(t, err)

	c1.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return svr.Peers() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestServeRegistersAndShutdownDeregisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(nil)
	require.NoError(t, svr.Register(&Arith{}))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- svr.Serve(l, &Registration{Registry: reg, Service: "controller"})
	}()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		instances, _ := reg.Discover(ctx, "controller")
		return len(instances) == 1
	}, 2*time.Second, 5*time.Millisecond)

	instances, _ := reg.Discover(ctx, "controller")
	addr := l.Addr().String()
	assert.Equal(t, addr, instances[0].Addr)
	assert.Equal(t, "http://"+addr+"/rpc", instances[0].RPCURL)
	assert.Equal(t, "ws://"+addr+"/ws", instances[0].SocketURL)

	_, out := post(t, "http://"+addr, `{"method":"add","params":{"a":20,"b":22},"id":"x"}`)
	assert.Equal(t, 42.0, out["result"])

	conn := dialWS(t, "http://"+addr)
	require.Eventually(t, func() bool { return svr.Peers() == 1 }, 2*time.Second, 5*time.Millisecond)

	// The panel keeps reading so it answers the closing handshake.
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.Read(context.Background())
		readErr <- err
	}()

	require.NoError(t, svr.Shutdown(5*time.Second))
	require.NoError(t, <-done)

	instances, _ = reg.Discover(ctx, "controller")
	assert.Empty(t, instances)

	select {
	case err := <-readErr:
		assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	case <-time.After(2 * time.Second):
		t.Fatal("panel socket was not closed on shutdown")
	}
	assert.Zero(t, svr.Peers())
}
