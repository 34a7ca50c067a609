package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/collabiq/collabiq/internal/domain"
)

func newErrorsCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect and replay the dead letter queue",
	}

	var severity string

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered emails",
		RunE: func(_ *cobra.Command, _ []string) error {
			entries, err := st.app.DLQ.List(domain.Severity(severity))
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%s\t%-8s %-8s retries=%d last=%s\t%s\n",
					e.EmailID, e.Stage, e.Severity, e.Error.RetryCount,
					e.LastAttemptAt.Format("2006-01-02 15:04"), e.Error.Message)
			}
			fmt.Printf("%d entr(ies)\n", len(entries))
			return nil
		},
	}
	list.Flags().StringVar(&severity, "severity", "", "filter by severity (critical|high|medium|low)")

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Replay dead-lettered emails from their failed stage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			replayed, failed, err := st.app.DLQ.Replay(cmd.Context(), domain.Severity(severity), st.app.Controller.ReplayEntry)
			if err != nil {
				return classifyExit(err)
			}
			fmt.Printf("%d replayed, %d still failing\n", replayed, failed)
			if failed > 0 {
				return validationErr(fmt.Errorf("%d entr(ies) still failing", failed))
			}
			return nil
		},
	}
	retry.Flags().StringVar(&severity, "severity", "", "replay only this severity")

	var maxAge time.Duration
	clear := &cobra.Command{
		Use:   "clear",
		Short: "Delete dead-letter entries older than --max-age",
		RunE: func(_ *cobra.Command, _ []string) error {
			removed, err := st.app.DLQ.Cleanup(maxAge)
			if err != nil {
				return err
			}
			fmt.Printf("%d entr(ies) removed\n", removed)
			return nil
		},
	}
	clear.Flags().DurationVar(&maxAge, "max-age", 0, "delete entries whose last attempt is older than this (0 clears everything)")

	cmd.AddCommand(list, retry, clear)
	return cmd
}
