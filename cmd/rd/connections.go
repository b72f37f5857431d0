package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newConnectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Channel connection health",
	}

	cmd.AddCommand(newConnectionsListCmd())
	cmd.AddCommand(newConnectionsReconnectedCmd())
	return cmd
}

func newConnectionsListCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connections that need to be reconnected",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			conns, err := a.connections.ListNeedingReconnect(cmdContext(cmd), workspace)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, conns)
			}
			if len(conns) == 0 {
				fmt.Fprintln(out, "All connections healthy")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CONNECTION\tWORKSPACE\tPROVIDER\tFLAGGED\tERROR")
			for _, c := range conns {
				flagged := "-"
				if c.FlaggedAt != nil {
					flagged = c.FlaggedAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					c.ID, c.WorkspaceID, c.Provider, flagged, truncate(c.LastError, 60))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace (default: all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newConnectionsReconnectedCmd() *cobra.Command {
	var (
		configPath string
		actor      string
	)

	cmd := &cobra.Command{
		Use:   "reconnected <connection-id>",
		Short: "Clear the reconnect flag after credentials were restored",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.connections.Reconnected(cmdContext(cmd), args[0], actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connection %s is active\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "who restored the credentials")
	return cmd
}
