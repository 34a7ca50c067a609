package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/collabiq/collabiq/internal/domain"
)

func newNotionCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notion",
		Short: "Inspect and verify the knowledge base",
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify knowledge-base connectivity and database access",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, dbID := range []string{st.cfg.NotionDatabaseID, st.cfg.NotionCompaniesDBID} {
				if dbID == "" {
					continue
				}
				if _, err := st.app.KB.DiscoverSchema(cmd.Context(), dbID, false); err != nil {
					return externalErr(fmt.Errorf("database %s: %w", dbID, err))
				}
				fmt.Printf("database %s ok\n", dbID)
			}
			return nil
		},
	}

	var forceRefresh bool
	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the discovered schema and type tags",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := st.app.KB.DiscoverSchema(cmd.Context(), st.cfg.NotionDatabaseID, forceRefresh)
			if err != nil {
				return externalErr(err)
			}
			fmt.Printf("database %s (fetched %s)\n", s.DatabaseID, s.FetchedAt.Format(time.RFC3339))
			for _, f := range s.Fields {
				if f.RelationTarget != "" {
					fmt.Printf("  %-24s %s -> %s\n", f.Name, f.Type, f.RelationTarget)
					continue
				}
				fmt.Printf("  %-24s %s\n", f.Name, f.Type)
			}
			fmt.Printf("type tags: %v\n", s.TypeTags)
			return nil
		},
	}
	schema.Flags().BoolVar(&forceRefresh, "force-refresh", false, "bypass the schema cache")

	testWrite := &cobra.Command{
		Use:   "test-write",
		Short: "Write and validate a marker record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key := "collabiq-test-" + uuid.NewString()
			fields := map[string]string{
				st.cfg.FieldEmailID: key,
				st.cfg.FieldDetails: "connectivity test record, safe to delete",
			}
			rec, err := st.app.KB.UpsertRecord(cmd.Context(), st.cfg.NotionDatabaseID, key, fields, nil, domain.DuplicateUpdate)
			if err != nil {
				return externalErr(err)
			}
			fmt.Printf("wrote test record %s (email id %s)\n", rec.ID, key)
			return nil
		},
	}

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "List test records left by test-write",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The API offers no prefix filter on rich text, so list and match.
			rows, err := st.app.KB.ListRecords(cmd.Context(), st.cfg.NotionDatabaseID, nil, 0)
			if err != nil {
				return externalErr(err)
			}
			n := 0
			for _, r := range rows {
				id := r.Fields[st.cfg.FieldEmailID]
				if len(id) >= 13 && id[:13] == "collabiq-test" {
					fmt.Printf("test record %s (email id %s)\n", r.ID, id)
					n++
				}
			}
			fmt.Printf("%d test record(s); remove them in the knowledge base UI\n", n)
			return nil
		},
	}

	cmd.AddCommand(verify, schema, testWrite, cleanup)
	return cmd
}
