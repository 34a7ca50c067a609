package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and verify configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(_ *cobra.Command, _ []string) error {
			c := st.cfg
			fmt.Printf("env: %s\n", c.AppEnv)
			fmt.Printf("data dir: %s\n", c.DataDir)
			fmt.Printf("group email: %s\n", c.GroupEmail)
			fmt.Printf("mail query: %s (limit %d)\n", c.MailQuery(), c.FetchLimit)
			fmt.Printf("kb database: %s (companies %s)\n", c.NotionDatabaseID, c.NotionCompaniesDBID)
			fmt.Printf("kb rate limit: %.1f req/s, schema ttl %s, data ttl %s\n",
				c.KBRateLimit, c.SchemaCacheTTL, c.DataCacheTTL)
			fmt.Printf("on duplicate: %s\n", c.OnDuplicate)
			fmt.Printf("strategy: %s (quality routing %t)\n",
				st.app.Orch.StrategyName(), st.app.Orch.QualityRouting())
			fmt.Printf("providers: %v\n", st.app.Orch.Providers())
			fmt.Printf("models: gemini=%s claude=%s openai=%s\n",
				c.GeminiModel, c.AnthropicModel, c.OpenAIModel)
			fmt.Printf("workers: %d, queue %d, stage timeout %s, daemon interval %s\n",
				c.Workers, c.QueueSize, c.StageTimeout, c.DaemonInterval)
			fmt.Printf("retry: %d attempts, backoff %s..%s\n",
				c.RetryMaxAttempts, c.RetryBaseBackoff, c.RetryMaxBackoff)
			fmt.Printf("breaker: %d failures, cooldown %s\n",
				c.BreakerFailureThreshold, c.BreakerCooldown)
			fmt.Printf("dlq: max age %s, cleanup every %s\n", c.DLQMaxAge, c.DLQCleanupInterval)
			if c.SecretServiceURL != "" {
				fmt.Printf("secret service: %s (cache ttl %s)\n", c.SecretServiceURL, c.SecretCacheTTL)
			} else {
				fmt.Printf("secret service: disabled, env file %s\n", c.SecretEnvFile)
			}
			return nil
		},
	}

	test := &cobra.Command{
		Use:   "test",
		Short: "Verify configuration and required secrets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := st.cfg.Validate(); err != nil {
				return configErr(err)
			}
			fmt.Println("config ok")
			for _, key := range []string{"GMAIL_ACCESS_TOKEN", "NOTION_API_KEY"} {
				if _, err := st.app.Secrets.Get(cmd.Context(), key); err != nil {
					fmt.Printf("secret %s: MISSING (%v)\n", key, err)
					continue
				}
				fmt.Printf("secret %s: ok\n", key)
			}
			return nil
		},
	}

	cmd.AddCommand(show, test)
	return cmd
}
