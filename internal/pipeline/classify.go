package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/llm"
	"github.com/collabiq/collabiq/pkg/textx"
)

// Summary length bounds in words.
const (
	summaryMinWords = 50
	summaryMaxWords = 150
)

// Classifier assigns the type tag deterministically from company flags and
// delegates intensity plus summary to one orchestrator call.
type Classifier struct {
	orch *llm.Orchestrator
}

// NewClassifier returns a Classifier backed by orch.
func NewClassifier(orch *llm.Orchestrator) *Classifier {
	return &Classifier{orch: orch}
}

// Classify produces the full classification for one extracted record.
// typeTags is the runtime-discovered tag set; hint comes from the matched
// company's affiliate/portfolio flags.
func (c *Classifier) Classify(ctx context.Context, in domain.ClassifyInput, hint string, typeTags []string) (domain.Classification, domain.Usage, error) {
	out := domain.Classification{}

	tag, ok := resolveTypeTag(hint, typeTags)
	if !ok {
		slog.Warn("no discovered tag matches classification hint",
			slog.String("email_id", in.EmailID),
			slog.String("hint", hint),
			slog.Any("tags", typeTags))
	}
	out.Type = tag
	if ok {
		out.TypeConfidence = 1.0
	}

	res, err := c.orch.Classify(ctx, in)
	if err != nil {
		return domain.Classification{}, domain.Usage{}, fmt.Errorf("op=pipeline.Classify email=%s: %w", in.EmailID, err)
	}
	out.Intensity = res.Intensity
	out.IntensityConfidence = res.IntensityConfidence
	out.Summary = res.Summary
	out.SummaryWordCount = textx.WordCount(res.Summary)
	if out.SummaryWordCount < summaryMinWords || out.SummaryWordCount > summaryMaxWords {
		slog.Warn("summary length outside bounds",
			slog.String("email_id", in.EmailID),
			slog.Int("words", out.SummaryWordCount))
	}
	out.KeyEntitiesPreserved = entityPreservation(in.Entities, res.Summary)
	return out, res.Usage, nil
}

// resolveTypeTag maps an affiliate/portfolio hint onto the discovered tag
// set. Matching is case-insensitive on tag substrings so renamed tags such as
// "Portfolio Company" still resolve. Tags are never invented: a miss returns
// false and the record carries no type.
func resolveTypeTag(hint string, tags []string) (string, bool) {
	var wants []string
	switch hint {
	case "both":
		// A dedicated combined tag wins; otherwise prefer affiliate.
		wants = []string{"both", "affiliate & portfolio", "affiliate", "portfolio"}
	case "affiliate":
		wants = []string{"affiliate"}
	case "portfolio":
		wants = []string{"portfolio"}
	default:
		wants = []string{"neither", "none", "other", "external"}
	}
	for _, want := range wants {
		for _, tag := range tags {
			if strings.Contains(strings.ToLower(tag), want) {
				return tag, true
			}
		}
	}
	return "", false
}

// entityPreservation checks which of the five core fields survive verbatim in
// the summary. Date matches on the calendar date in ISO form.
func entityPreservation(e domain.ExtractedEntities, summary string) [domain.CoreFieldCount]bool {
	var out [domain.CoreFieldCount]bool
	lower := strings.ToLower(summary)
	contains := func(p *string) bool {
		return p != nil && *p != "" && strings.Contains(lower, strings.ToLower(*p))
	}
	out[0] = contains(e.Person)
	out[1] = contains(e.Startup)
	out[2] = contains(e.Partner)
	out[3] = contains(e.Details)
	if e.Date != nil {
		out[4] = strings.Contains(summary, e.Date.Format("2006-01-02"))
	}
	return out
}
