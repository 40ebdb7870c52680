// Package panel is the application layer of the control panel: the controller's
// operation catalog, the shared observable state, and the App that wires the
// RPC client, the event socket and the broadcaster together.
//
// Views talk to the panel through three things only:
//
//	app.API()        request/response operations
//	app.Subscribe()  push events, including the synthesized "$open" and "$close"
//	app.State()      the shared state both channels keep current
//
// Resources a view acquires (subscriptions, pollers) go into a Scope that the
// view closes when it goes away.
package panel

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"homepanel/broadcast"
	"homepanel/client"
	"homepanel/message"
	"homepanel/protocol"
	"homepanel/socket"
)

// EventSensors carries the full readings map pushed by the controller.
const EventSensors = "sensors"

// HealthCheckEvent is sent on every socket open when Options.HealthCheck is set.
// The controller's answer is not consumed.
const HealthCheckEvent = "add"

type Options struct {
	RPC    client.Options
	Socket socket.Options // OnOpen, OnFrame and OnClose are chained after the App's own

	HealthCheck  bool
	PollInterval time.Duration
	Logger       *slog.Logger
}

type App struct {
	rpc    *client.Client
	api    *API
	events *broadcast.Broadcaster
	sock   *socket.Client
	state  *State
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RPC.Logger == nil {
		opts.RPC.Logger = logger
	}
	if opts.Socket.Logger == nil {
		opts.Socket.Logger = logger
	}

	rpc, err := client.New(opts.RPC)
	if err != nil {
		return nil, err
	}

	a := &App{
		rpc:    rpc,
		api:    NewAPI(rpc),
		events: broadcast.New(logger),
		state:  &State{},
		opts:   opts,
		logger: logger,
	}

	sockOpts := opts.Socket
	sockOpts.OnOpen = a.onOpen
	sockOpts.OnFrame = a.onFrame
	sockOpts.OnClose = a.onClose

	a.sock, err = socket.New(sockOpts)
	if err != nil {
		_ = rpc.Close()
		return nil, err
	}

	broadcast.SubscribeJSON(a.events, EventSensors, func(_ context.Context, r Readings) error {
		if r == nil {
			return errors.New("sensors event without readings")
		}
		a.state.SetReadings(r)
		return nil
	})
	return a, nil
}

func (a *App) API() *API { return a.api }
func (a *App) RPC() *client.Client { return a.rpc }
func (a *App) Events() *broadcast.Broadcaster { return a.events }
func (a *App) State() *State { return a.state }
func (a *App) Socket() socket.State { return a.sock.State() }
func (a *App) NewScope() *Scope { return &Scope{} }
func (a *App) Send(ctx context.Context, event string, payload any) error {
	return a.sock.Send(ctx, event, payload)
}

// Subscribe registers handler for event. Use "$open" and "$close" for
// connection lifecycle.
func (a *App) Subscribe(event string, handler broadcast.Handler) *broadcast.Subscription {
	return a.events.Subscribe(event, handler)
}

// PollReadings starts the sensor refresh loop and ties it to scope.
func (a *App) PollReadings(scope *Scope) *Poller {
	p := PollReadings(a.api, a.state, a.opts.PollInterval, a.logger)
	scope.Add(p)
	return p
}

// ToggleLED switches the LED and records the new value once the controller
// accepts it.
func (a *App) ToggleLED(ctx context.Context, on bool) error {
	if _, err := a.api.ToggleLED(ctx, on); err != nil {
		return err
	}
	a.state.SetLED(on)
	return nil
}

// ReadSensor samples one sensor and records the reading.
func (a *App) ReadSensor(ctx context.Context, id int) (float64, error) {
	v, err := a.api.ReadSensor(ctx, id)
	if err != nil {
		return 0, err
	}
	a.state.SetReading(strconv.Itoa(id), v)
	return v, nil
}

// Run keeps the event socket connected until ctx is done or Close is called.
func (a *App) Run(ctx context.Context) error {
	return a.sock.Run(ctx)
}

// Close stops the socket and rejects outstanding RPCs.
func (a *App) Close() error {
	return errors.Join(a.sock.Close(), a.rpc.Close())
}

func (a *App) onOpen(conn *socket.Conn) {
	a.state.SetConnection(socket.Open)
	a.events.Dispatch(context.Background(), message.Event{Name: protocol.LifecycleOpen})

	if a.opts.HealthCheck {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Send(ctx, HealthCheckEvent, map[string]int{"a": 5, "b": 4})
		cancel()
		if err != nil {
			a.logger.Debug("health check send failed", slog.String("error", err.Error()))
		}
	}

	if a.opts.Socket.OnOpen != nil {
		a.opts.Socket.OnOpen(conn)
	}
}

func (a *App) onFrame(ctx context.Context, ev message.Event) {
	a.events.Dispatch(ctx, ev)
	if a.opts.Socket.OnFrame != nil {
		a.opts.Socket.OnFrame(ctx, ev)
	}
}

func (a *App) onClose(conn *socket.Conn, err error) {
	a.state.SetConnection(socket.Closed)
	a.events.Dispatch(context.Background(), message.Event{Name: protocol.LifecycleClose})
	if a.opts.Socket.OnClose != nil {
		a.opts.Socket.OnClose(conn, err)
	}
}
