package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"homepanel/message"
	"homepanel/panel"
	"homepanel/protocol"
	"homepanel/socket"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var poll bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected to the event socket and print every event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := &eventPrinter{w: cmd.OutOrStdout(), color: shouldColorize(cmd.OutOrStdout())}
			app, err := ctx.newApp(runCtx, func(o *panel.Options) {
				o.Socket.OnFrame = func(_ context.Context, ev message.Event) { out.frame(ev) }
			})
			if err != nil {
				return err
			}
			defer app.Close()

			scope := app.NewScope()
			defer scope.Close()

			scope.Add(app.Subscribe(protocol.LifecycleOpen, func(context.Context, json.RawMessage) error {
				out.lifecycle(socket.Open)
				return nil
			}))
			scope.Add(app.Subscribe(protocol.LifecycleClose, func(context.Context, json.RawMessage) error {
				out.lifecycle(socket.Closed)
				return nil
			}))
			if poll {
				app.PollReadings(scope)
				go out.follow(runCtx, app.State())
			}

			if addr := ctx.config.Metrics.Addr; addr != "" {
				srv := serveMetrics(addr, ctx.logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			return app.Run(runCtx)
		},
	}

	cmd.Flags().BoolVar(&poll, "poll", false, "Also refresh readings over RPC at poll.interval")
	return cmd
}

// serveMetrics exposes the Prometheus registry on addr until Shutdown.
func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics listening", slog.String("addr", addr))
	return srv
}

type eventPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

func (p *eventPrinter) frame(ev message.Event) {
	payload := string(ev.Result)
	if payload == "" {
		payload = "null"
	}
	p.line(colorize(ev.Name, text.FgCyan, p.color), payload)
}

func (p *eventPrinter) lifecycle(st socket.State) {
	color := text.FgGreen
	if st != socket.Open {
		color = text.FgRed
	}
	p.line(colorize("socket", text.FgHiBlack, p.color), colorize(st.String(), color, p.color))
}

// follow prints the readings each time the shared state changes.
func (p *eventPrinter) follow(ctx context.Context, state *panel.State) {
	var version uint64
	for {
		v, err := state.Wait(ctx, version)
		if err != nil {
			return
		}
		version = v
		data, err := json.Marshal(state.Readings())
		if err != nil {
			continue
		}
		p.line(colorize("state", text.FgYellow, p.color), string(data))
	}
}

func (p *eventPrinter) line(name, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s  %s  %s\n", time.Now().Format("15:04:05"), name, body)
}
