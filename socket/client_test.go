package socket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"homepanel/rpcerr"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestClientSendBeforeConnect(t *testing.T) {
	c, err := New(Options{URL: "ws://127.0.0.1:1"})
	require.NoError(t, err)

	err = c.Send(context.Background(), "add", nil)
	assert.True(t, rpcerr.IsNotConnected(err))
	assert.Equal(t, Closed, c.State())
}

func TestClientRunAndClose(t *testing.T) {
	srv := newController(t, `{"event":"sensors","result":{"1":20}}`)
	rec := newRecorder()

	opts := rec.options()
	opts.URL = srv.URL
	c, err := New(opts)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	rec.waitFor(t, 2)
	require.Eventually(t, func() bool { return c.State() == Open }, time.Second, 5*time.Millisecond)

	ctx := testContext(t)
	require.NoError(t, c.Send(ctx, "add", map[string]int{"a": 5, "b": 4}))
	assert.JSONEq(t, `{"event":"add","payload":{"a":5,"b":4}}`, <-srv.received)

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, []string{"$open", `sensors {"1":20}`, "$close"}, rec.snapshot())
	assert.True(t, rpcerr.IsNotConnected(c.Send(ctx, "add", nil)))
}

func TestClientRunStopsOnContext(t *testing.T) {
	srv := newController(t)
	opts := newRecorder().options()
	opts.URL = srv.URL
	c, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == Open }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	srv := newController(t)
	rec := newRecorder()

	opts := rec.options()
	opts.URL = srv.URL
	opts.Reconnect = FixedDelay{Delay: 10 * time.Millisecond}
	c, err := New(opts)
	require.NoError(t, err)
	defer c.Close()

	go c.Run(context.Background())

	require.Eventually(t, func() bool { return srv.dialCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	srv.drop(websocket.StatusGoingAway)

	require.Eventually(t, func() bool { return srv.dialCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.State() == Open }, 2*time.Second, 5*time.Millisecond)

	got := rec.waitFor(t, 3)
	assert.Equal(t, []string{"$open", "$close", "$open"}, got[:3])
}

func TestClientGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var attempts atomic.Int32
	c, err := New(Options{
		Heartbeat: -1,
		EndpointFunc: func(context.Context) (string, error) {
			attempts.Add(1)
			return url, nil
		},
		Reconnect: FixedDelay{Delay: time.Millisecond, MaxAttempts: 2},
	})
	require.NoError(t, err)

	err = c.Run(testContext(t))
	require.Error(t, err)
	assert.True(t, rpcerr.IsTransport(err))
	assert.Equal(t, int32(3), attempts.Load(), "first dial plus two retries")
}

func TestClientEndpointFuncError(t *testing.T) {
	boom := errors.New("no controller registered")
	c, err := New(Options{
		EndpointFunc: func(context.Context) (string, error) { return "", boom },
	})
	require.NoError(t, err)

	err = c.Run(testContext(t))
	require.ErrorIs(t, err, boom)
	assert.True(t, rpcerr.IsTransport(err))
}
