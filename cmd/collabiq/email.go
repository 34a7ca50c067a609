package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/collabiq/collabiq/internal/pipeline"
	"github.com/collabiq/collabiq/pkg/textx"
)

func newEmailCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "email",
		Short: "Inspect and process group inbox emails",
	}

	var limit int

	fetch := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch new emails and print their metadata",
		RunE: func(cmd *cobra.Command, _ []string) error {
			msgs, err := st.app.Mail.ListNew(cmd.Context(), st.cfg.MailQuery(), limit)
			if err != nil {
				return classifyExit(err)
			}
			for _, m := range msgs {
				fmt.Printf("%s\t%s\t%s\t%s\n", m.ID, m.ReceivedAt.Format("2006-01-02 15:04"), m.Sender, m.Subject)
			}
			fmt.Printf("%d message(s)\n", len(msgs))
			return nil
		},
	}
	fetch.Flags().IntVar(&limit, "limit", 0, "max messages (default from config)")

	clean := &cobra.Command{
		Use:   "clean",
		Short: "Fetch and normalize emails, printing the cleaned bodies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			msgs, err := st.app.Mail.ListNew(cmd.Context(), st.cfg.MailQuery(), limit)
			if err != nil {
				return classifyExit(err)
			}
			n := pipeline.NewNormalizer()
			for _, m := range msgs {
				cleaned := n.Clean(m)
				fmt.Printf("== %s (empty=%t signature=%t quotes=%t disclaimer=%t)\n",
					m.ID, cleaned.IsEmpty,
					cleaned.Removed.Signature, cleaned.Removed.Quotes, cleaned.Removed.Disclaimer)
				if !cleaned.IsEmpty {
					fmt.Println(textx.Truncate(cleaned.Body, 500))
				}
			}
			return nil
		},
	}
	clean.Flags().IntVar(&limit, "limit", 0, "max messages (default from config)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List already-processed email IDs",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Printf("%d email(s) processed\n", st.app.Processed.Len())
			return nil
		},
	}

	process := &cobra.Command{
		Use:   "process",
		Short: "Run the full pipeline over the current batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			run, err := st.app.RunOnce(cmd.Context())
			if err != nil {
				return classifyExit(err)
			}
			fmt.Printf("run %s: %d received, %d processed, %d skipped, %d failed\n",
				run.RunID, run.Counters.Received, run.Counters.Processed, run.Counters.Skipped, run.Counters.Failed)
			if run.Counters.Failed > 0 {
				return validationErr(fmt.Errorf("%d email(s) failed", run.Counters.Failed))
			}
			return nil
		},
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify mail source connectivity and credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := st.app.Mail.ListNew(cmd.Context(), st.cfg.MailQuery(), 1); err != nil {
				return externalErr(fmt.Errorf("mail source verification failed: %w", err))
			}
			fmt.Println("mail source ok")
			return nil
		},
	}

	cmd.AddCommand(fetch, clean, list, process, verify)
	return cmd
}
