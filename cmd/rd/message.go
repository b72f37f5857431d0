package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iworkr/aiva.io-sub003/internal/handling"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Message gate and handling commands",
	}

	cmd.AddCommand(newMessageEvaluateCmd())
	cmd.AddCommand(newMessageHandleCmd())
	cmd.AddCommand(newMessageRestoreCmd())
	return cmd
}

func newMessageEvaluateCmd() *cobra.Command {
	var (
		configPath string
		draftID    string
	)

	cmd := &cobra.Command{
		Use:   "evaluate <message-id>",
		Short: "Run the confidence gate for a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ev, err := a.autosend.EvaluateDraft(cmdContext(cmd), args[0], draftID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s (%s)\n", ev.MessageID, ev.Decision, ev.Reason)
			if ev.Detail != "" {
				fmt.Fprintf(out, "  %s\n", ev.Detail)
			}
			if ev.ScheduledSendAt != nil {
				fmt.Fprintf(out, "  send at %s\n", ev.ScheduledSendAt.Local().Format("2006-01-02 15:04:05"))
			}
			if ev.Cancelled > 0 {
				fmt.Fprintf(out, "  cancelled %d pending sends\n", ev.Cancelled)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().StringVar(&draftID, "draft", "", "draft ID (required)")
	cmd.MarkFlagRequired("draft")
	return cmd
}

func newMessageHandleCmd() *cobra.Command {
	var (
		configPath string
		action     string
		actor      string
		archive    bool
		noArchive  bool
		label      string
	)

	cmd := &cobra.Command{
		Use:   "handle <message-id>",
		Short: "Mark a message handled and apply inbox-zero side effects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !handling.IsValidAction(action) {
				return fmt.Errorf("invalid action %q; valid actions: %v", action, handling.ValidActions)
			}
			var ov handling.Overrides
			switch {
			case archive && noArchive:
				return fmt.Errorf("--archive and --no-archive are mutually exclusive")
			case archive:
				ov.Archive = boolPtr(true)
			case noArchive:
				ov.Archive = boolPtr(false)
			}
			if label != "" {
				ov.ApplyLabel = boolPtr(true)
				ov.Label = label
			}

			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.handling.Handle(cmdContext(cmd), args[0], action, actor, ov)
			if err != nil {
				return err
			}
			printHandleResult(cmd, "Handled", res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().StringVar(&action, "action", handling.ActionManualReply, "handle action")
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "who handled the message")
	cmd.Flags().BoolVar(&archive, "archive", false, "archive in the provider regardless of policy")
	cmd.Flags().BoolVar(&noArchive, "no-archive", false, "do not archive in the provider")
	cmd.Flags().StringVar(&label, "label", "", "apply this label in the provider")
	return cmd
}

func newMessageRestoreCmd() *cobra.Command {
	var (
		configPath string
		actor      string
	)

	cmd := &cobra.Command{
		Use:   "restore <message-id>",
		Short: "Return a handled message to the inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.handling.Restore(cmdContext(cmd), args[0], actor)
			if err != nil {
				return err
			}
			printHandleResult(cmd, "Restored", res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "who restored the message")
	return cmd
}

func printHandleResult(cmd *cobra.Command, verb string, res *handling.Result) {
	out := cmd.OutOrStdout()
	if res.NoOp {
		fmt.Fprintf(out, "%s: nothing to do\n", res.MessageID)
		return
	}
	fmt.Fprintf(out, "%s %s", verb, res.MessageID)
	if res.Attempted {
		fmt.Fprintf(out, " (read=%t archived=%t labeled=%t)", res.Provider.MarkedRead, res.Provider.Archived, res.Provider.Labeled)
	}
	fmt.Fprintln(out)
	if res.ProviderErr != nil {
		fmt.Fprintf(out, "  provider: %v\n", res.ProviderErr)
	}
}

func boolPtr(b bool) *bool { return &b }
