package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTestCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "End-to-end checks against live dependencies",
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate config, schema discovery, and mail access",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := st.cfg.Validate(); err != nil {
				return configErr(err)
			}
			schema, err := st.app.KB.DiscoverSchema(cmd.Context(), st.cfg.NotionDatabaseID, false)
			if err != nil {
				return externalErr(fmt.Errorf("schema discovery: %w", err))
			}
			fmt.Printf("schema ok: %d properties, type tags %v\n", len(schema.Fields), schema.TypeTags)
			for _, field := range []string{st.cfg.FieldEmailID, st.cfg.FieldDetails} {
				if _, ok := schema.Field(field); !ok {
					return validationErr(fmt.Errorf("required property %q missing from schema", field))
				}
			}
			if _, err := st.app.Mail.ListNew(cmd.Context(), st.cfg.MailQuery(), 1); err != nil {
				return externalErr(fmt.Errorf("mail access: %w", err))
			}
			fmt.Println("mail ok")
			return nil
		},
	}

	var limit int
	selectEmails := &cobra.Command{
		Use:   "select-emails",
		Short: "Show which emails the next run would pick up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			msgs, err := st.app.Mail.ListNew(cmd.Context(), st.cfg.MailQuery(), limit)
			if err != nil {
				return classifyExit(err)
			}
			candidates := 0
			for _, m := range msgs {
				if _, seen := st.app.Processed.Seen(m.ID); seen {
					fmt.Printf("%s\t%s\t(already processed)\n", m.ID, m.Subject)
					continue
				}
				fmt.Printf("%s\t%s\n", m.ID, m.Subject)
				candidates++
			}
			fmt.Printf("%d of %d would be processed\n", candidates, len(msgs))
			return nil
		},
	}
	selectEmails.Flags().IntVar(&limit, "limit", 0, "max messages (default from config)")

	e2e := &cobra.Command{
		Use:   "e2e",
		Short: "Run the full pipeline once (combine with --stub-llm for a dry run)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			run, err := st.app.RunOnce(cmd.Context())
			if err != nil {
				return classifyExit(err)
			}
			fmt.Printf("run %s: status=%s received=%d processed=%d skipped=%d failed=%d\n",
				run.RunID, run.Status,
				run.Counters.Received, run.Counters.Processed,
				run.Counters.Skipped, run.Counters.Failed)
			for _, e := range run.Errors {
				fmt.Printf("  %s %s: %s\n", e.EmailID, e.Stage, e.Message)
			}
			if run.Counters.Failed > 0 {
				return validationErr(fmt.Errorf("%d email(s) failed", run.Counters.Failed))
			}
			return nil
		},
	}

	cmd.AddCommand(validate, selectEmails, e2e)
	return cmd
}
