package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iworkr/aiva.io-sub003/internal/api"
	"github.com/iworkr/aiva.io-sub003/internal/audit"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}

	cmd.AddCommand(newAuditListCmd())
	cmd.AddCommand(newAuditSummaryCmd())
	return cmd
}

func newAuditListCmd() *cobra.Command {
	var (
		configPath string
		f          audit.Filter
		since      string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since != "" {
				t, err := api.ParseSince(since, 0, time.Now())
				if err != nil {
					return err
				}
				f.Since = t
			}

			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := audit.List(cmdContext(cmd), a.db, f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "No audit entries")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tMESSAGE\tACTOR\tDECISION\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					e.EventType, orDash(e.MessageID), orDash(e.Actor), orDash(e.Decision), orDash(e.Reason))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().StringVarP(&f.WorkspaceID, "workspace", "w", "", "filter by workspace")
	cmd.Flags().StringVarP(&f.MessageID, "message", "m", "", "filter by message")
	cmd.Flags().StringVarP(&f.EventType, "event", "e", "", "filter by event type")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 time or duration ago, e.g. 24h")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 100, "max entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newAuditSummaryCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		since      string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Count audit events and gate decisions over a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := api.ParseSince(since, 24*time.Hour, time.Now())
			if err != nil {
				return err
			}

			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			s, err := audit.Summarize(cmdContext(cmd), a.db, workspace, from)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, s)
			}

			scope := "all workspaces"
			if workspace != "" {
				scope = workspace
			}
			fmt.Fprintf(out, "Audit summary for %s since %s\n\n", scope, s.Since.Local().Format("2006-01-02 15:04"))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EVENT\tCOUNT")
			for _, k := range sortedKeys(s.Events) {
				fmt.Fprintf(w, "%s\t%d\n", k, s.Events[k])
			}
			if len(s.Decisions) > 0 {
				fmt.Fprintln(w, "\t")
				fmt.Fprintln(w, "DECISION\tCOUNT")
				for _, k := range sortedKeys(s.Decisions) {
					fmt.Fprintf(w, "%s\t%d\n", k, s.Decisions[k])
				}
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace (default: all)")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 time or duration ago (default 24h)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
