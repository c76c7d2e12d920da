// cmd/mediaharvester/serve.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valpere/MediaHarvester/internal/server"
	"github.com/valpere/MediaHarvester/internal/service"
	"github.com/valpere/MediaHarvester/internal/utils"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		address string
		watch   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := []service.Option{service.WithVersion(version)}
			if (watch || cfg.Tasks.WatchProxyFile) && flags.configFile != "" {
				opts = append(opts, service.WithConfigWatch(flags.configFile))
			}
			svc, err := service.New(ctx, cfg, opts...)
			if err != nil {
				return err
			}
			if err := svc.Start(ctx); err != nil {
				return err
			}

			handlers := server.Handlers{
				Health: svc.Health().HealthHandler(),
				Events: svc.Hub(),
			}
			if cfg.Metrics.Enabled {
				handlers.Metrics = svc.Metrics().MetricsHandler()
			}
			srv := server.New(cfg.Server, svc, handlers)
			serveErr := srv.ListenAndServe(ctx)

			log := utils.NewComponentLogger("cli")
			log.Info("shutting down")
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := svc.Stop(stopCtx); err != nil {
				log.Warnf("service stop incomplete: %v", err)
			}
			return serveErr
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Listen address (overrides server.address)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload proxy endpoints when the config file changes")
	return cmd
}
