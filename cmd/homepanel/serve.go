package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"homepanel/middleware"
	"homepanel/registry"
	"homepanel/server"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory controller endpoint for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config
			logger := ctx.logger
			if listen == "" {
				listen = cfg.Server.Listen
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svr := server.NewServer(logger)
			svr.Use(middleware.Logging(logger))
			svr.Use(middleware.Metrics())

			demo := server.NewDemo()
			if err := demo.Attach(svr); err != nil {
				return err
			}

			var reg *server.Registration
			if len(cfg.Discovery.EtcdEndpoints) > 0 {
				etcd, err := registry.NewEtcdRegistry(cfg.Discovery.EtcdEndpoints, logger)
				if err != nil {
					return err
				}
				defer etcd.Close()
				reg = &server.Registration{
					Registry: etcd,
					Service:  cfg.Discovery.Service,
					Instance: registry.ServiceInstance{Addr: cfg.Server.Advertise, Weight: 1},
				}
			}

			if interval := cfg.Server.PublishInterval.Std(); interval > 0 {
				go demo.Publish(runCtx, svr, interval, logger)
			}

			errCh := make(chan error, 1)
			go func() { errCh <- svr.ListenAndServe(listen, reg) }()

			select {
			case err := <-errCh:
				return err
			case <-runCtx.Done():
			}

			logger.Info("shutting down", slog.Duration("timeout", shutdownTimeout))
			err := svr.Shutdown(shutdownTimeout)
			select {
			case serveErr := <-errCh:
				err = errors.Join(err, serveErr)
			case <-time.After(shutdownTimeout):
			}
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (defaults to server.listen)")
	return cmd
}

