package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/collabiq/collabiq/internal/config"
	"github.com/collabiq/collabiq/internal/dlq"
	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/resilience"
)

// LinkedRecord carries one email's artifacts from linking into writing.
type LinkedRecord struct {
	EmailID        string                   `json:"email_id"`
	Entities       domain.ExtractedEntities `json:"entities"`
	StartupMatch   domain.MatchResult       `json:"startup_match"`
	PartnerMatch   domain.MatchResult       `json:"partner_match"`
	PersonMatch    domain.MatchResult       `json:"person_match"`
	Classification domain.Classification    `json:"classification"`
}

// Writer persists linked records into the knowledge base idempotently. Every
// write first consults the processed index, then upserts keyed on the
// email-ID property.
type Writer struct {
	cfg       config.Config
	kb        domain.KnowledgeBase
	processed *dlq.ProcessedIndex
	exec      *resilience.Executor
	retry     resilience.RetryConfig
}

// NewWriter returns a Writer.
func NewWriter(cfg config.Config, kb domain.KnowledgeBase, processed *dlq.ProcessedIndex, exec *resilience.Executor, retry resilience.RetryConfig) *Writer {
	return &Writer{cfg: cfg, kb: kb, processed: processed, exec: exec, retry: retry}
}

// kbDo routes one knowledge-base call through the shared executor: transient
// failures are retried and repeated ones open the notion breaker.
func (w *Writer) kbDo(ctx context.Context, op func(ctx context.Context) error) error {
	return w.exec.Do(ctx, "notion", w.retry, op)
}

// Write upserts one record. Returns the knowledge-base record and whether the
// email was skipped as already processed.
func (w *Writer) Write(ctx context.Context, runID string, rec LinkedRecord) (domain.Record, bool, error) {
	if prev, seen := w.processed.Seen(rec.EmailID); seen && w.cfg.OnDuplicate == string(domain.DuplicateSkip) {
		slog.Info("email already processed, skipping",
			slog.String("email_id", rec.EmailID),
			slog.String("record_id", prev.RecordID))
		return domain.Record{ID: prev.RecordID}, true, nil
	}

	var schema domain.Schema
	err := w.kbDo(ctx, func(ctx context.Context) error {
		var derr error
		schema, derr = w.kb.DiscoverSchema(ctx, w.cfg.NotionDatabaseID, false)
		return derr
	})
	if err != nil {
		return domain.Record{}, false, fmt.Errorf("op=pipeline.Write email=%s: %w", rec.EmailID, err)
	}

	fields, relations, err := w.buildProperties(ctx, schema, rec)
	if err != nil {
		return domain.Record{}, false, fmt.Errorf("op=pipeline.Write email=%s: %w", rec.EmailID, err)
	}

	var written domain.Record
	err = w.kbDo(ctx, func(ctx context.Context) error {
		var uerr error
		written, uerr = w.kb.UpsertRecord(ctx, w.cfg.NotionDatabaseID, rec.EmailID, fields, relations, domain.OnDuplicate(w.cfg.OnDuplicate))
		return uerr
	})
	if err != nil {
		return domain.Record{}, false, fmt.Errorf("op=pipeline.Write email=%s: %w", rec.EmailID, err)
	}
	if err := w.processed.Mark(rec.EmailID, written.ID, runID); err != nil {
		// The row exists; losing the index entry only costs one duplicate
		// lookup on the next run.
		slog.Error("processed index update failed",
			slog.String("email_id", rec.EmailID),
			slog.Any("error", err))
	}
	return written, false, nil
}

// buildProperties maps the linked record onto the discovered schema. Company
// fields become relations when the schema models them as such, auto-creating
// companies for unmatched names; otherwise the raw name is written as text.
func (w *Writer) buildProperties(ctx context.Context, schema domain.Schema, rec LinkedRecord) (map[string]string, map[string][]string, error) {
	fields := map[string]string{
		w.cfg.FieldEmailID: rec.EmailID,
	}
	relations := make(map[string][]string)

	if rec.Entities.Person != nil {
		name := *rec.Entities.Person
		if rec.PersonMatch.Decision == domain.MatchAccept {
			name = rec.PersonMatch.MatchedName
		}
		fields[w.cfg.FieldPerson] = name
	}
	if rec.Entities.Details != nil {
		fields[w.cfg.FieldDetails] = *rec.Entities.Details
	}
	if rec.Entities.Date != nil {
		fields[w.cfg.FieldDate] = rec.Entities.Date.Format("2006-01-02")
	}
	if rec.Classification.Type != "" {
		fields[w.cfg.FieldType] = rec.Classification.Type
	}

	if err := w.companyProperty(ctx, schema, w.cfg.FieldStartup, rec.Entities.Startup, rec.StartupMatch, fields, relations); err != nil {
		return nil, nil, err
	}
	if err := w.companyProperty(ctx, schema, w.cfg.FieldPartner, rec.Entities.Partner, rec.PartnerMatch, fields, relations); err != nil {
		return nil, nil, err
	}

	// Drop properties the schema does not carry instead of failing the write.
	for name := range fields {
		if _, ok := schema.Field(name); !ok {
			slog.Warn("schema missing property, dropping field",
				slog.String("property", name))
			delete(fields, name)
		}
	}
	return fields, relations, nil
}

// companyProperty fills one company-valued property. Accepted matches link
// the existing company; auto-create inserts a new company row first;
// ambiguous matches keep the raw name as text so a human resolves them.
func (w *Writer) companyProperty(ctx context.Context, schema domain.Schema, property string, name *string, match domain.MatchResult, fields map[string]string, relations map[string][]string) error {
	if name == nil || strings.TrimSpace(*name) == "" {
		return nil
	}
	f, ok := schema.Field(property)
	if !ok || f.Type != "relation" {
		fields[property] = *name
		return nil
	}

	switch match.Decision {
	case domain.MatchAccept:
		relations[property] = []string{match.MatchedID}
	case domain.MatchAutoCreate:
		companiesDB := f.RelationTarget
		if companiesDB == "" {
			companiesDB = w.cfg.NotionCompaniesDBID
		}
		var created domain.Record
		err := w.kbDo(ctx, func(ctx context.Context) error {
			var cerr error
			created, cerr = w.kb.CreateRecord(ctx, companiesDB, map[string]string{"Name": *name}, nil)
			return cerr
		})
		if err != nil {
			return fmt.Errorf("auto-create company %q: %w", *name, err)
		}
		slog.Info("auto-created company",
			slog.String("name", *name),
			slog.String("record_id", created.ID))
		relations[property] = []string{created.ID}
	case domain.MatchAmbiguous:
		slog.Warn("ambiguous company match, leaving unlinked for review",
			slog.String("query", match.Query),
			slog.String("closest", match.MatchedName),
			slog.Float64("similarity", match.Similarity))
	}
	return nil
}

// Validate re-reads the written record and round-trips every core field that
// was actually written, plus the relation links themselves.
func (w *Writer) Validate(ctx context.Context, rec LinkedRecord, written domain.Record) error {
	var rows []domain.Record
	err := w.kbDo(ctx, func(ctx context.Context) error {
		var lerr error
		rows, lerr = w.kb.ListRecords(ctx, w.cfg.NotionDatabaseID, &domain.RecordFilter{
			Property: w.cfg.FieldEmailID,
			Equals:   rec.EmailID,
		}, 1)
		return lerr
	})
	if err != nil {
		return fmt.Errorf("op=pipeline.Validate email=%s: %w", rec.EmailID, err)
	}
	if len(rows) == 0 {
		return domain.Permanent(fmt.Errorf("op=pipeline.Validate email=%s: written record not found", rec.EmailID))
	}
	got := rows[0]

	mismatch := func(property, want string) error {
		return domain.Permanent(fmt.Errorf("op=pipeline.Validate email=%s: property %q round-trip failed: want %q got %q",
			rec.EmailID, property, want, got.Fields[property]))
	}
	// Text properties the schema dropped were never written; only round-trip
	// what went out.
	expect := func(property, want string) error {
		if _, wrote := written.Fields[property]; !wrote {
			return nil
		}
		if got.Fields[property] != want {
			return mismatch(property, want)
		}
		return nil
	}

	if want, ok := wantField(rec.Entities.Person); ok {
		if rec.PersonMatch.Decision == domain.MatchAccept && rec.PersonMatch.MatchedName != "" {
			want = rec.PersonMatch.MatchedName
		}
		if err := expect(w.cfg.FieldPerson, want); err != nil {
			return err
		}
	}
	if want, ok := wantField(rec.Entities.Startup); ok {
		if err := expect(w.cfg.FieldStartup, want); err != nil {
			return err
		}
	}
	if want, ok := wantField(rec.Entities.Partner); ok {
		if err := expect(w.cfg.FieldPartner, want); err != nil {
			return err
		}
	}
	if want, ok := wantField(rec.Entities.Details); ok {
		if err := expect(w.cfg.FieldDetails, want); err != nil {
			return err
		}
	}
	if rec.Entities.Date != nil {
		want := rec.Entities.Date.Format("2006-01-02")
		if !strings.HasPrefix(got.Fields[w.cfg.FieldDate], want) {
			return mismatch(w.cfg.FieldDate, want)
		}
	}
	if got.Fields[w.cfg.FieldEmailID] != rec.EmailID {
		return mismatch(w.cfg.FieldEmailID, rec.EmailID)
	}

	// Linked company identifiers must survive the round-trip.
	for property, ids := range written.Relations {
		for _, id := range ids {
			if !slices.Contains(got.Relations[property], id) {
				return domain.Permanent(fmt.Errorf("op=pipeline.Validate email=%s: relation %q lost linked record %s",
					rec.EmailID, property, id))
			}
		}
	}
	return nil
}

func wantField(p *string) (string, bool) {
	if p == nil || strings.TrimSpace(*p) == "" {
		return "", false
	}
	return *p, true
}
