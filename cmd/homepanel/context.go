package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"homepanel/client"
	"homepanel/config"
	"homepanel/loadbalance"
	"homepanel/logging"
	"homepanel/middleware"
	"homepanel/panel"
	"homepanel/registry"
	"homepanel/socket"
)

type commandContext struct {
	configFlag *string
	envFlag    *string
	json       bool

	configOnce sync.Once
	config     *config.Config
	logger     *slog.Logger
	configErr  error
}

func newCommandContext(configFlag, envFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		envFlag:    envFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		if c.envFlag != nil && strings.TrimSpace(*c.envFlag) != "" {
			if err := config.LoadEnv(strings.TrimSpace(*c.envFlag)); err != nil {
				c.configErr = fmt.Errorf("load env file: %w", err)
				return
			}
		}
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		logger, err := logging.New(logging.Options{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			Output: os.Stderr,
		})
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logger
	})
	return c.config, c.configErr
}

// endpoints returns the RPC and socket endpoint functions. With discovery
// configured they follow the registry; the returned release stops it.
func (c *commandContext) endpoints(ctx context.Context) (rpcURL, socketURL func(context.Context) (string, error), release func(), err error) {
	cfg := c.config
	if len(cfg.Discovery.EtcdEndpoints) == 0 {
		rpcEndpoint, socketEndpoint := cfg.RPC.Endpoint, cfg.Socket.URL
		rpcURL = func(context.Context) (string, error) { return rpcEndpoint, nil }
		socketURL = func(context.Context) (string, error) { return socketEndpoint, nil }
		return rpcURL, socketURL, func() {}, nil
	}

	key := cfg.Discovery.Key
	if key == "" {
		key, _ = os.Hostname()
	}
	balancer, err := loadbalance.New(cfg.Discovery.Balancer, key)
	if err != nil {
		return nil, nil, nil, err
	}

	reg, err := registry.NewEtcdRegistry(cfg.Discovery.EtcdEndpoints, c.logger)
	if err != nil {
		return nil, nil, nil, err
	}
	resolver := loadbalance.NewResolver(reg, cfg.Discovery.Service, balancer, c.logger)
	if err := resolver.Start(ctx); err != nil {
		_ = reg.Close()
		return nil, nil, nil, fmt.Errorf("discover %q: %w", cfg.Discovery.Service, err)
	}
	release = func() {
		resolver.Close()
		_ = reg.Close()
	}
	return resolver.RPCEndpoint, resolver.SocketEndpoint, release, nil
}

func (c *commandContext) middlewares() []middleware.Middleware {
	cfg := c.config
	mws := []middleware.Middleware{
		middleware.Logging(c.logger),
		middleware.Metrics(),
	}
	if cfg.RPC.RateLimit.RPS > 0 {
		mws = append(mws, middleware.Throttle(cfg.RPC.RateLimit.RPS, cfg.RPC.RateLimit.Burst))
	}
	if cfg.RPC.Timeout > 0 {
		mws = append(mws, middleware.Timeout(cfg.RPC.Timeout.Std()))
	}
	return mws
}

func reconnectPolicy(cfg config.ReconnectConfig) socket.ReconnectPolicy {
	switch cfg.Policy {
	case "fixed":
		return socket.FixedDelay{Delay: cfg.Delay.Std(), MaxAttempts: cfg.MaxAttempts}
	case "exponential":
		return socket.ExponentialBackoff{Base: cfg.Delay.Std(), Max: cfg.MaxDelay.Std(), MaxAttempts: cfg.MaxAttempts}
	default:
		return socket.NoReconnect{}
	}
}

// panelApp is an App plus whatever discovery resources it depends on.
type panelApp struct {
	*panel.App
	release func()
}

func (p *panelApp) Close() error {
	err := p.App.Close()
	p.release()
	return err
}

func (c *commandContext) newApp(ctx context.Context, tune ...func(*panel.Options)) (*panelApp, error) {
	cfg := c.config
	rpcURL, socketURL, release, err := c.endpoints(ctx)
	if err != nil {
		return nil, err
	}

	opts := panel.Options{
		RPC: client.Options{
			EndpointFunc: rpcURL,
			Timeout:      cfg.RPC.Timeout.Std(),
			OmitVersion:  cfg.RPC.OmitVersion,
			Middlewares:  c.middlewares(),
			Logger:       c.logger,
		},
		Socket: socket.Options{
			EndpointFunc: socketURL,
			ReadLimit:    cfg.Socket.ReadLimit,
			Heartbeat:    cfg.Socket.Heartbeat.Std(),
			Reconnect:    reconnectPolicy(cfg.Socket.Reconnect),
			Logger:       c.logger,
		},
		HealthCheck:  cfg.Socket.HealthCheck,
		PollInterval: cfg.Poll.Interval.Std(),
		Logger:       c.logger,
	}
	for _, fn := range tune {
		fn(&opts)
	}

	app, err := panel.New(opts)
	if err != nil {
		release()
		return nil, err
	}
	return &panelApp{App: app, release: release}, nil
}

// withApp runs fn against a fresh App and closes it afterwards.
func (c *commandContext) withApp(ctx context.Context, fn func(ctx context.Context, app *panelApp) error) error {
	app, err := c.newApp(ctx)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, app), app.Close())
}
