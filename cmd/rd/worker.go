package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Auto-send queue worker",
	}

	cmd.AddCommand(newWorkerRunCmd())
	cmd.AddCommand(newWorkerOnceCmd())
	return cmd
}

func newWorkerRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch due sends on the configured schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Fprintf(cmd.OutOrStdout(), "Worker running on %q, Ctrl-C to stop\n", a.cfg.Worker.Schedule)
			return a.worker.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	return cmd
}

func newWorkerOnceCmd() *cobra.Command {
	var (
		configPath string
		batch      int
	)

	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run a single dispatch cycle and print the counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.worker.RunCycle(cmdContext(cmd), batch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "due=%d sent=%d retried=%d failed=%d cancelled=%d skipped=%d reaped=%d\n",
				res.Due, res.Sent, res.Retried, res.Failed, res.Cancelled, res.Skipped, res.Reaped)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().IntVar(&batch, "batch", 0, "max items this cycle (default from config)")
	return cmd
}
