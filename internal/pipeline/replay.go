package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/collabiq/collabiq/internal/domain"
)

// ReplayEntry resumes one dead-lettered email from its failed stage. The
// payload format is stage-specific: extract failures carry the cleaned
// message, later stages carry the linked record.
func (c *Controller) ReplayEntry(ctx context.Context, entry domain.DLQEntry) error {
	runID := NewRunID(time.Now())

	switch entry.Stage {
	case domain.StageExtract:
		var cleaned domain.CleanedMessage
		if err := json.Unmarshal(entry.Payload, &cleaned); err != nil {
			return domain.Permanent(fmt.Errorf("op=pipeline.ReplayEntry: decode payload: %w", err))
		}
		return c.replayFromExtract(ctx, runID, entry.EmailID, cleaned)
	case domain.StageClassify:
		rec, err := decodeLinked(entry)
		if err != nil {
			return err
		}
		return c.replayFromClassify(ctx, runID, rec)
	case domain.StageWrite, domain.StageValidate:
		rec, err := decodeLinked(entry)
		if err != nil {
			return err
		}
		return c.replayWrite(ctx, runID, rec)
	default:
		return domain.Permanent(fmt.Errorf("op=pipeline.ReplayEntry: stage %q is not replayable", entry.Stage))
	}
}

func decodeLinked(entry domain.DLQEntry) (LinkedRecord, error) {
	var rec LinkedRecord
	if err := json.Unmarshal(entry.Payload, &rec); err != nil {
		return LinkedRecord{}, domain.Permanent(fmt.Errorf("op=pipeline.ReplayEntry: decode payload: %w", err))
	}
	if rec.EmailID == "" {
		rec.EmailID = entry.EmailID
	}
	return rec, nil
}

func (c *Controller) replayFromExtract(ctx context.Context, runID, emailID string, cleaned domain.CleanedMessage) error {
	entities, err := c.orch.Extract(ctx, domain.ExtractInput{
		EmailID: emailID,
		Body:    cleaned.Body,
	})
	if err != nil {
		return err
	}
	c.snapshotExtraction(runID, entities)

	lctx, err := c.loadLinkContext(ctx)
	if err != nil {
		return err
	}
	rec := LinkedRecord{EmailID: emailID, Entities: entities}
	if entities.Startup != nil {
		rec.StartupMatch = c.linker.MatchCompany(*entities.Startup, lctx.companies)
	}
	if entities.Partner != nil {
		rec.PartnerMatch = c.linker.MatchCompany(*entities.Partner, lctx.companies)
	}
	if entities.Person != nil {
		rec.PersonMatch = c.linker.MatchPerson(*entities.Person, lctx.users)
	}
	return c.classifyAndWrite(ctx, runID, rec, lctx)
}

func (c *Controller) replayFromClassify(ctx context.Context, runID string, rec LinkedRecord) error {
	lctx, err := c.loadLinkContext(ctx)
	if err != nil {
		return err
	}
	return c.classifyAndWrite(ctx, runID, rec, lctx)
}

func (c *Controller) classifyAndWrite(ctx context.Context, runID string, rec LinkedRecord, lctx *linkContext) error {
	hint := "neither"
	if m := bestAccepted(rec.StartupMatch, rec.PartnerMatch); m != nil {
		hint = hintFor(*m, lctx.companies)
	}
	body := ""
	if rec.Entities.Details != nil {
		body = *rec.Entities.Details
	}
	classification, _, err := c.classifier.Classify(ctx, domain.ClassifyInput{
		EmailID:  rec.EmailID,
		Body:     body,
		Entities: rec.Entities,
	}, hint, lctx.typeTags)
	if err != nil {
		return err
	}
	rec.Classification = classification
	return c.replayWrite(ctx, runID, rec)
}

func (c *Controller) replayWrite(ctx context.Context, runID string, rec LinkedRecord) error {
	written, skipped, err := c.writer.Write(ctx, runID, rec)
	if err != nil {
		return err
	}
	if skipped {
		return nil
	}
	return c.writer.Validate(ctx, rec, written)
}
