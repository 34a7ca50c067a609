package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"golang.org/x/sync/errgroup"

	"github.com/collabiq/collabiq/internal/adapter/observability"
)

func newRunCmd(st *cliState) *cobra.Command {
	var (
		daemon   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one batch of emails, or loop as a daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			shutdownTracer, err := observability.SetupTracing(st.cfg)
			if err != nil {
				return externalErr(fmt.Errorf("tracing setup: %w", err))
			}
			if shutdownTracer != nil {
				defer func() { _ = shutdownTracer(ctx) }()
			}

			if !daemon {
				run, err := st.app.RunOnce(ctx)
				if err != nil {
					return classifyExit(err)
				}
				if run.Counters.Failed > 0 {
					return validationErr(fmt.Errorf("run %s completed with %d failures", run.RunID, run.Counters.Failed))
				}
				fmt.Printf("run %s: %d received, %d processed, %d skipped\n",
					run.RunID, run.Counters.Received, run.Counters.Processed, run.Counters.Skipped)
				return nil
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return st.app.ServeAdmin(gctx) })
			g.Go(func() error { return st.app.Controller.Daemon(gctx, interval) })
			if err := g.Wait(); err != nil && gctx.Err() == nil {
				return externalErr(err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "run continuously")
	cmd.Flags().DurationVar(&interval, "interval", 0, "daemon poll interval (default from config)")
	return cmd
}
