package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iworkr/aiva.io-sub003/internal/api"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		withWorker bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  "Serves the review, handling, queue and audit API. With --worker the dispatch worker runs in the same process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if port == 0 {
				port = a.cfg.API.Port
			}
			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return api.Start(ctx, api.StartOpts{
					Services: a.services(),
					Port:     port,
					Out:      cmd.OutOrStdout(),
					Logger:   a.log,
				})
			})
			if withWorker {
				g.Go(func() error { return a.worker.Run(ctx) })
				fmt.Fprintf(cmd.OutOrStdout(), "Worker running on %q\n", a.cfg.Worker.Schedule)
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default from config)")
	cmd.Flags().BoolVar(&withWorker, "worker", false, "also run the dispatch worker")
	return cmd
}

// cmdContext returns the command context, or Background when unset.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
