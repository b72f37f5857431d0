package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iworkr/aiva.io-sub003/internal/review"
)

func newReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review queue commands",
	}

	cmd.AddCommand(newReviewListCmd())
	cmd.AddCommand(newReviewApproveCmd())
	cmd.AddCommand(newReviewEditCmd())
	cmd.AddCommand(newReviewRejectCmd())
	return cmd
}

func newReviewListCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		limit      int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List messages awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			items, err := a.review.List(cmdContext(cmd), workspace, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, items)
			}
			if len(items) == 0 {
				fmt.Fprintf(out, "Nothing awaiting review in %s\n", workspace)
				return nil
			}

			subjectWidth := terminalWidth(defaultWidth) - 80
			if subjectWidth < 20 {
				subjectWidth = 20
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MESSAGE\tRECEIVED\tPRIORITY\tCONF\tREASON\tSUBJECT")
			for _, it := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					it.MessageID,
					it.ReceivedAt.Local().Format("2006-01-02 15:04"),
					it.Priority,
					formatConfidence(it.ConfidenceScore),
					it.Reason,
					truncate(it.Subject, subjectWidth))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace ID (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", review.DefaultLimit, "max entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.MarkFlagRequired("workspace")
	return cmd
}

func newReviewApproveCmd() *cobra.Command {
	var (
		configPath string
		draftID    string
		reviewer   string
	)

	cmd := &cobra.Command{
		Use:   "approve <message-id>",
		Short: "Approve a draft for immediate send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			out, err := a.review.Approve(cmdContext(cmd), review.ApproveRequest{
				MessageID: args[0],
				DraftID:   draftID,
				Reviewer:  reviewer,
			})
			if err != nil {
				return err
			}
			printOutcome(cmd, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().StringVar(&draftID, "draft", "", "draft to send (default: latest)")
	cmd.Flags().StringVar(&reviewer, "reviewer", defaultActor(), "reviewer name")
	return cmd
}

func newReviewEditCmd() *cobra.Command {
	var (
		configPath string
		draftID    string
		reviewer   string
		body       string
	)

	cmd := &cobra.Command{
		Use:   "edit <message-id>",
		Short: "Replace a draft body and send it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			out, err := a.review.EditAndSend(cmdContext(cmd), review.EditRequest{
				MessageID: args[0],
				DraftID:   draftID,
				Reviewer:  reviewer,
				Body:      body,
			})
			if err != nil {
				return err
			}
			printOutcome(cmd, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().StringVar(&draftID, "draft", "", "draft to edit (default: latest)")
	cmd.Flags().StringVar(&reviewer, "reviewer", defaultActor(), "reviewer name")
	cmd.Flags().StringVar(&body, "body", "", "replacement body (required)")
	cmd.MarkFlagRequired("body")
	return cmd
}

func newReviewRejectCmd() *cobra.Command {
	var (
		configPath string
		reviewer   string
		note       string
	)

	cmd := &cobra.Command{
		Use:   "reject <message-id>",
		Short: "Dismiss a message without sending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(configPath)
			if err != nil {
				return err
			}
			defer a.close()

			out, err := a.review.Reject(cmdContext(cmd), review.RejectRequest{
				MessageID: args[0],
				Reviewer:  reviewer,
				Note:      note,
			})
			if err != nil {
				return err
			}
			printOutcome(cmd, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to rd config file")
	cmd.Flags().StringVar(&reviewer, "reviewer", defaultActor(), "reviewer name")
	cmd.Flags().StringVar(&note, "note", "", "note stored in the audit log")
	return cmd
}

func printOutcome(cmd *cobra.Command, out *review.Outcome) {
	w := cmd.OutOrStdout()
	switch out.Action {
	case review.ActionRejected:
		fmt.Fprintf(w, "Rejected %s (%d pending sends cancelled)\n", out.MessageID, out.Cancelled)
	default:
		fmt.Fprintf(w, "%s %s: draft %s queued as item %d for %s\n",
			out.Action, out.MessageID, out.DraftID, *out.QueueItemID,
			out.ScheduledSendAt.Local().Format("2006-01-02 15:04:05"))
	}
}
