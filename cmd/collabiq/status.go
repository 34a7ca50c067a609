package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print pipeline, queue, and breaker status",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Printf("halted: %t\n", st.app.Controller.Halted())
			fmt.Printf("strategy: %s (quality routing: %t)\n",
				st.app.Orch.StrategyName(), st.app.Orch.QualityRouting())
			fmt.Printf("processed emails: %d\n", st.app.Processed.Len())

			if run := st.app.Controller.LastRun(); run != nil {
				fmt.Printf("last run: %s status=%s received=%d processed=%d skipped=%d failed=%d\n",
					run.RunID, run.Status,
					run.Counters.Received, run.Counters.Processed,
					run.Counters.Skipped, run.Counters.Failed)
			} else {
				fmt.Println("last run: none")
			}

			depth := st.app.DLQ.Depth()
			total := 0
			for _, n := range depth {
				total += n
			}
			fmt.Printf("dead letters: %d", total)
			for sev, n := range depth {
				fmt.Printf(" %s=%d", sev, n)
			}
			fmt.Println()

			for name, state := range st.app.Exec.Breakers().States() {
				fmt.Printf("breaker %s: %s\n", name, state)
			}
			return nil
		},
	}
}
