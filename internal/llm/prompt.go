// Package llm contains the multi-provider orchestrator, its routing
// strategies, and the shared prompt/response contract that provider adapters
// build on.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/collabiq/collabiq/internal/domain"
)

var validate = validator.New()

// ExtractionSystemPrompt instructs the model to emit the structured
// collaboration record. Adapters may append vendor-specific framing but the
// field contract is shared.
const ExtractionSystemPrompt = `You extract structured collaboration records from business emails.
Return ONLY a JSON object with exactly these keys:
  "person": the main external contact person's name, or null
  "startup": the startup company discussed, or null
  "partner": the partner or affiliate company discussed, or null
  "details": a one-to-three sentence description of the collaboration, or null
  "date": the collaboration date as YYYY-MM-DD, or null
  "confidence": {"person", "startup", "partner", "details", "date"} each a number in [0,1]
Korean names and text must be preserved verbatim. Do not invent values: use null
with low confidence when the email does not state a field. No prose, no markdown.`

// ClassificationSystemPrompt instructs the model to grade intensity and
// summarize. The type tag is decided deterministically outside the model.
const ClassificationSystemPrompt = `You classify business collaboration records.
Return ONLY a JSON object with exactly these keys:
  "intensity": one of "understand", "cooperate", "invest", "acquire"
  "intensity_confidence": a number in [0,1]
  "summary": a summary of the collaboration in 50 to 150 words, preserving
  the names of the people and companies involved
No prose outside the JSON object.`

// ExtractionUserPrompt renders the user turn for an extraction call.
func ExtractionUserPrompt(in domain.ExtractInput) string {
	var b strings.Builder
	if in.Context != "" {
		b.WriteString("Context:\n")
		b.WriteString(in.Context)
		b.WriteString("\n\n")
	}
	b.WriteString("Email body:\n")
	b.WriteString(in.Body)
	return b.String()
}

// ClassificationUserPrompt renders the user turn for a classification call.
func ClassificationUserPrompt(in domain.ClassifyInput) string {
	var b strings.Builder
	b.WriteString("Extracted record:\n")
	enc, _ := json.Marshal(in.Entities)
	b.Write(enc)
	b.WriteString("\n\nEmail body:\n")
	b.WriteString(in.Body)
	return b.String()
}

// extractionPayload mirrors the JSON contract the prompts demand.
type extractionPayload struct {
	Person     *string `json:"person"`
	Startup    *string `json:"startup"`
	Partner    *string `json:"partner"`
	Details    *string `json:"details"`
	Date       *string `json:"date"`
	Confidence struct {
		Person  float64 `json:"person" validate:"gte=0,lte=1"`
		Startup float64 `json:"startup" validate:"gte=0,lte=1"`
		Partner float64 `json:"partner" validate:"gte=0,lte=1"`
		Details float64 `json:"details" validate:"gte=0,lte=1"`
		Date    float64 `json:"date" validate:"gte=0,lte=1"`
	} `json:"confidence"`
}

// ParseExtraction decodes a provider's structured output into
// ExtractedEntities. Any decode or validation failure is Permanent for the
// attempt: retrying the same malformed completion is pointless.
func ParseExtraction(provider, emailID, raw string) (domain.ExtractedEntities, error) {
	var p extractionPayload
	if err := json.Unmarshal([]byte(StripCodeFence(raw)), &p); err != nil {
		return domain.ExtractedEntities{}, domain.Permanent(fmt.Errorf("op=llm.ParseExtraction provider=%s: %w", provider, err))
	}
	if err := validate.Struct(&p); err != nil {
		return domain.ExtractedEntities{}, domain.Permanent(fmt.Errorf("op=llm.ParseExtraction provider=%s confidence bounds: %w", provider, err))
	}
	e := domain.ExtractedEntities{
		Person:      emptyToNil(p.Person),
		Startup:     emptyToNil(p.Startup),
		Partner:     emptyToNil(p.Partner),
		Details:     emptyToNil(p.Details),
		Provider:    provider,
		EmailID:     emailID,
		ExtractedAt: time.Now().UTC(),
	}
	e.Confidence = domain.FieldConfidence{
		Person:  p.Confidence.Person,
		Startup: p.Confidence.Startup,
		Partner: p.Confidence.Partner,
		Details: p.Confidence.Details,
		Date:    p.Confidence.Date,
	}
	if p.Date != nil && strings.TrimSpace(*p.Date) != "" {
		d, err := time.Parse("2006-01-02", strings.TrimSpace(*p.Date))
		if err != nil {
			return domain.ExtractedEntities{}, domain.Permanent(fmt.Errorf("op=llm.ParseExtraction provider=%s date %q: %w", provider, *p.Date, err))
		}
		e.Date = &d
	}
	return e, nil
}

type classifyPayload struct {
	Intensity           string  `json:"intensity"`
	IntensityConfidence float64 `json:"intensity_confidence" validate:"gte=0,lte=1"`
	Summary             string  `json:"summary"`
}

// ParseClassification decodes a provider's classification output.
func ParseClassification(provider, raw string) (domain.ClassifyResult, error) {
	var p classifyPayload
	if err := json.Unmarshal([]byte(StripCodeFence(raw)), &p); err != nil {
		return domain.ClassifyResult{}, domain.Permanent(fmt.Errorf("op=llm.ParseClassification provider=%s: %w", provider, err))
	}
	if err := validate.Struct(&p); err != nil {
		return domain.ClassifyResult{}, domain.Permanent(fmt.Errorf("op=llm.ParseClassification provider=%s bounds: %w", provider, err))
	}
	intensity := domain.Intensity(strings.ToLower(strings.TrimSpace(p.Intensity)))
	if !domain.ValidIntensity(intensity) {
		return domain.ClassifyResult{}, domain.Permanent(fmt.Errorf("op=llm.ParseClassification provider=%s intensity %q", provider, p.Intensity))
	}
	return domain.ClassifyResult{
		Intensity:           intensity,
		IntensityConfidence: p.IntensityConfidence,
		Summary:             strings.TrimSpace(p.Summary),
	}, nil
}

// StripCodeFence removes a surrounding markdown code fence from a model
// completion. Models wrap JSON in fences despite instructions often enough
// that every adapter routes output through here.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// ValidateEntities applies the record-level validation recorded in quality
// metrics: bounded confidences (guaranteed by parsing) plus at least one
// extracted field.
func ValidateEntities(e domain.ExtractedEntities) (bool, []string) {
	var reasons []string
	if e.FieldsExtracted() == 0 {
		reasons = append(reasons, "no fields extracted")
	}
	for name, c := range map[string]float64{
		"person":  e.Confidence.Person,
		"startup": e.Confidence.Startup,
		"partner": e.Confidence.Partner,
		"details": e.Confidence.Details,
		"date":    e.Confidence.Date,
	} {
		if c < 0 || c > 1 {
			reasons = append(reasons, fmt.Sprintf("confidence %s out of bounds", name))
		}
	}
	return len(reasons) == 0, reasons
}

func emptyToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
