package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rbansal42/mailer-sub003/internal/delivery"
	"github.com/rbansal42/mailer-sub003/internal/sequence"
	"github.com/rbansal42/mailer-sub003/internal/transport"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.store.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Process every due enrollment once and print the results",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.sequence.Tick(cmd.Context(), a.clock.Now())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "due: %d\n", report.Due)
		results := make([]string, 0, len(report.Results))
		for res := range report.Results {
			results = append(results, string(res))
		}
		sort.Strings(results)
		for _, res := range results {
			fmt.Fprintf(out, "  %-16s %d\n", res, report.Count(sequence.Result(res)))
		}
		return nil
	},
}

var circuitsCmd = &cobra.Command{
	Use:   "circuits",
	Short: "List sender accounts whose circuit is open",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		ids, err := a.ledger.ListOpenCircuits(cmd.Context())
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no open circuits")
			return nil
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var enrollData []string

var enrollCmd = &cobra.Command{
	Use:   "enroll <sequenceId> <email>",
	Short: "Enroll a recipient on a sequence",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parsePairs(enrollData)
		if err != nil {
			return err
		}
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		enr, err := a.sequence.Enroll(cmd.Context(), args[0], args[1], data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enrolled %s\n", enr.ID)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <enrollmentId>",
	Short: "Cancel an active enrollment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.sequence.Cancel(cmd.Context(), args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <enrollmentId>",
	Short: "Clear a stalled enrollment so the next tick retries it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.sequence.Resume(cmd.Context(), args[0])
	},
}

var (
	sendSubject  string
	sendHTML     string
	sendText     string
	sendCampaign string
)

var sendCmd = &cobra.Command{
	Use:   "send <email>...",
	Short: "Deliver one message to each recipient and print the outcomes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendHTML == "" && sendText == "" {
			return fmt.Errorf("one of --html or --text is required")
		}
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		msg := &transport.Message{Subject: sendSubject, HTMLBody: sendHTML, TextBody: sendText}
		var outcomes []delivery.Outcome
		if len(args) == 1 {
			outcomes = []delivery.Outcome{a.delivery.Deliver(cmd.Context(), delivery.Request{
				Recipient:  args[0],
				CampaignID: sendCampaign,
				Message:    msg,
			})}
		} else {
			outcomes = a.delivery.DeliverBatch(cmd.Context(), args, msg, sendCampaign)
		}

		failed := 0
		for i, out := range outcomes {
			line := fmt.Sprintf("%s\t%s\taccount=%s\tattempts=%d", args[i], out.Status, out.AccountID, out.Attempts)
			if out.Reason != "" {
				line += "\treason=" + out.Reason
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
			if !out.Succeeded() {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d deliveries failed", failed, len(outcomes))
		}
		return nil
	},
}

func init() {
	enrollCmd.Flags().StringArrayVar(&enrollData, "data", nil, "recipient merge field as key=value (repeatable)")

	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "message subject")
	sendCmd.Flags().StringVar(&sendHTML, "html", "", "HTML body")
	sendCmd.Flags().StringVar(&sendText, "text", "", "plain text body")
	sendCmd.Flags().StringVar(&sendCampaign, "campaign", "", "campaign id for cap accounting")
	_ = sendCmd.MarkFlagRequired("subject")
	_ = sendCmd.MarkFlagRequired("campaign")

	rootCmd.AddCommand(migrateCmd, tickCmd, circuitsCmd, enrollCmd, cancelCmd, resumeCmd, sendCmd)
}

func parsePairs(pairs []string) (map[string]string, error) {
	data := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --data %q, want key=value", p)
		}
		data[strings.TrimSpace(k)] = v
	}
	return data, nil
}
