package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/collabiq/collabiq/internal/domain"
)

// sampleBody exercises the extraction path end to end without touching mail.
const sampleBody = `Kim Minsu from Acme Robotics met with Globex Ventures on 2026-03-02
to discuss a joint pilot of warehouse automation in the Busan facility.
Next step is a technical workshop in April.`

func newLLMCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llm",
		Short: "Inspect and steer the LLM provider layer",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Print per-provider health, cost, and quality",
		RunE: func(_ *cobra.Command, _ []string) error {
			health := st.app.Health.Snapshot()
			costs := st.app.Cost.Snapshot()
			quality := st.app.Quality.Snapshot()

			fmt.Printf("strategy: %s (quality routing: %t)\n\n",
				st.app.Orch.StrategyName(), st.app.Orch.QualityRouting())
			for _, name := range st.app.Orch.Providers() {
				h := health[name]
				c := costs[name]
				q := quality[name]
				fmt.Printf("%s\n", name)
				fmt.Printf("  state=%s ok=%d err=%d avg_ms=%.0f\n",
					h.State, h.SuccessCount, h.ErrorCount, h.AvgResponseMs)
				fmt.Printf("  calls=%d tokens=%d/%d cost=$%.4f\n",
					c.Calls, c.InTokens, c.OutTokens, c.CostUSD)
				fmt.Printf("  extractions=%d avg_conf=%.2f validation=%.1f%% trend=%s\n",
					q.Extractions, q.AvgConfidence, q.ValidationRate, q.Trend)
				if h.LastError != "" {
					fmt.Printf("  last_error=%s\n", h.LastError)
				}
			}
			return nil
		},
	}

	compare := &cobra.Command{
		Use:   "compare",
		Short: "Rank providers by quality and value score",
		RunE: func(_ *cobra.Command, _ []string) error {
			providers := append([]string(nil), st.app.Orch.Providers()...)
			sort.Slice(providers, func(i, j int) bool {
				return st.app.Quality.QualityScore(providers[i]) > st.app.Quality.QualityScore(providers[j])
			})
			fmt.Printf("%-12s %8s %8s %12s\n", "provider", "quality", "value", "avg_cost")
			for _, name := range providers {
				fmt.Printf("%-12s %8.3f %8.3f %12.6f\n",
					name,
					st.app.Quality.QualityScore(name),
					st.app.Quality.ValueScore(name),
					st.app.Cost.AvgCostPerCall(name))
			}
			if best := st.app.Quality.SelectByQuality(providers); best != "" {
				fmt.Printf("\nquality routing would pick: %s\n", best)
			}
			return nil
		},
	}

	setStrategy := &cobra.Command{
		Use:   "set-strategy <failover|consensus|bestmatch|allproviders>",
		Short: "Switch the routing strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := st.app.SetStrategy(args[0]); err != nil {
				return validationErr(err)
			}
			fmt.Printf("strategy set to %s\n", args[0])
			return nil
		},
	}

	setQualityRouting := &cobra.Command{
		Use:   "set-quality-routing <on|off>",
		Short: "Toggle quality-based provider ordering",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var enabled bool
			switch strings.ToLower(args[0]) {
			case "on", "true", "1":
				enabled = true
			case "off", "false", "0":
				enabled = false
			default:
				return validationErr(fmt.Errorf("want on or off, got %q", args[0]))
			}
			if err := st.app.SetQualityRouting(enabled); err != nil {
				return err
			}
			fmt.Printf("quality routing %s\n", args[0])
			return nil
		},
	}

	test := &cobra.Command{
		Use:   "test",
		Short: "Run one extraction against the configured strategy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entities, err := st.app.Orch.Extract(cmd.Context(), domain.ExtractInput{
				EmailID: "llm-test",
				Body:    sampleBody,
			})
			if err != nil {
				return classifyExit(err)
			}
			fmt.Printf("provider: %s\n", entities.Provider)
			printField := func(label string, p *string) {
				if p != nil {
					fmt.Printf("%-8s %s\n", label, *p)
				}
			}
			printField("person", entities.Person)
			printField("startup", entities.Startup)
			printField("partner", entities.Partner)
			printField("details", entities.Details)
			if entities.Date != nil {
				fmt.Printf("%-8s %s\n", "date", entities.Date.Format("2006-01-02"))
			}
			fmt.Printf("confidence: %.2f\n", entities.Confidence.Mean())
			return nil
		},
	}

	cmd.AddCommand(status, compare, setStrategy, setQualityRouting, test)
	return cmd
}
