// Package domain defines the core entities, ports, and error taxonomy for
// the CollabIQ ingestion pipeline.
package domain

import (
	"strings"
	"time"
)

// RawMessage is an email as fetched from the mail source. ID is the opaque
// upstream message identifier; it is unique, stable, and used as the
// idempotency key for knowledge-base writes.
type RawMessage struct {
	ID          string       `json:"id"`
	Sender      string       `json:"sender"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	ReceivedAt  time.Time    `json:"received_at"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is metadata only; bodies are never downloaded.
type Attachment struct {
	Filename string `json:"filename"`
	MIME     string `json:"mime"`
	Size     int64  `json:"size"`
}

// RemovedParts records which sections the normalizer stripped from a body.
type RemovedParts struct {
	Signature  bool `json:"signature"`
	Quotes     bool `json:"quotes"`
	Disclaimer bool `json:"disclaimer"`
}

// CleanedMessage is the normalized form of a RawMessage. IsEmpty short-circuits
// all downstream work for the email.
type CleanedMessage struct {
	RawID   string       `json:"raw_id"`
	Body    string       `json:"body"`
	Removed RemovedParts `json:"removed"`
	IsEmpty bool         `json:"is_empty"`
}

// CoreFieldCount is the number of core extraction fields (person, startup,
// partner, details, date).
const CoreFieldCount = 5

// FieldConfidence holds per-field confidences, each in [0,1].
type FieldConfidence struct {
	Person  float64 `json:"person"`
	Startup float64 `json:"startup"`
	Partner float64 `json:"partner"`
	Details float64 `json:"details"`
	Date    float64 `json:"date"`
}

// Mean returns the overall confidence: the mean of the five per-field values.
func (f FieldConfidence) Mean() float64 {
	return (f.Person + f.Startup + f.Partner + f.Details + f.Date) / CoreFieldCount
}

// ExtractedEntities is the structured collaboration record produced by an LLM
// provider. All string fields are optional; a nil pointer means the provider
// found nothing. Date, when present, is a valid calendar date.
type ExtractedEntities struct {
	Person      *string         `json:"person"`
	Startup     *string         `json:"startup"`
	Partner     *string         `json:"partner"`
	Details     *string         `json:"details"`
	Date        *time.Time      `json:"date"`
	Confidence  FieldConfidence `json:"confidence"`
	Provider    string          `json:"provider"`
	EmailID     string          `json:"email_id"`
	ExtractedAt time.Time       `json:"extracted_at"`
}

// FieldsExtracted counts the non-nil core fields.
func (e ExtractedEntities) FieldsExtracted() int {
	n := 0
	for _, p := range []*string{e.Person, e.Startup, e.Partner, e.Details} {
		if p != nil && strings.TrimSpace(*p) != "" {
			n++
		}
	}
	if e.Date != nil {
		n++
	}
	return n
}

// Completeness returns the percentage of core fields extracted, in [0,100].
func (e ExtractedEntities) Completeness() float64 {
	return float64(e.FieldsExtracted()) / CoreFieldCount * 100
}

// Usage holds token counts reported (or estimated) for one provider call.
type Usage struct {
	InTokens  int `json:"in_tokens"`
	OutTokens int `json:"out_tokens"`
}

// ExtractResult pairs the extracted entities with their token usage.
type ExtractResult struct {
	Entities ExtractedEntities `json:"entities"`
	Usage    Usage             `json:"usage"`
}

// ExtractInput is the normalized content handed to a provider adapter.
type ExtractInput struct {
	EmailID string
	Body    string
	Context string
}

// Intensity enumerates collaboration intensity levels.
type Intensity string

// Intensity levels, ordered from lightest to heaviest engagement.
const (
	IntensityUnderstand Intensity = "understand"
	IntensityCooperate  Intensity = "cooperate"
	IntensityInvest     Intensity = "invest"
	IntensityAcquire    Intensity = "acquire"
)

// ValidIntensity reports whether s is a known intensity level.
func ValidIntensity(s Intensity) bool {
	switch s {
	case IntensityUnderstand, IntensityCooperate, IntensityInvest, IntensityAcquire:
		return true
	}
	return false
}

// Classification is the classified view of an extraction. Type is one of the
// type tags discovered from the knowledge-base schema at runtime; it is never
// hard-coded.
type Classification struct {
	Type                 string               `json:"type"`
	TypeConfidence       float64              `json:"type_confidence"`
	Intensity            Intensity            `json:"intensity"`
	IntensityConfidence  float64              `json:"intensity_confidence"`
	Summary              string               `json:"summary"`
	SummaryWordCount     int                  `json:"summary_word_count"`
	KeyEntitiesPreserved [CoreFieldCount]bool `json:"key_entities_preserved"`
}

// ClassifyInput carries the inputs for the single classification LLM call.
type ClassifyInput struct {
	EmailID  string
	Body     string
	Entities ExtractedEntities
}

// ClassifyResult is the structured output of the classification LLM call.
type ClassifyResult struct {
	Intensity           Intensity `json:"intensity"`
	IntensityConfidence float64   `json:"intensity_confidence"`
	Summary             string    `json:"summary"`
	Usage               Usage     `json:"-"`
}

// CompanyRecord is a company row in the knowledge base.
type CompanyRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	IsAffiliate bool   `json:"is_affiliate"`
	IsPortfolio bool   `json:"is_portfolio"`
	Source      string `json:"source"`
}

// ClassificationHint derives the type hint from the affiliate/portfolio flags.
func (c CompanyRecord) ClassificationHint() string {
	switch {
	case c.IsAffiliate && c.IsPortfolio:
		return "both"
	case c.IsAffiliate:
		return "affiliate"
	case c.IsPortfolio:
		return "portfolio"
	default:
		return "neither"
	}
}

// WorkspaceUser is a member of the knowledge-base workspace, used for person
// resolution.
type WorkspaceUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MatchDecision enumerates fuzzy-link outcomes.
type MatchDecision string

// Match decisions. Ambiguous matches are flagged for manual review instead of
// auto-creating a duplicate company.
const (
	MatchAccept     MatchDecision = "match"
	MatchAmbiguous  MatchDecision = "ambiguous"
	MatchAutoCreate MatchDecision = "auto_create"
	MatchNone       MatchDecision = "none"
)

// MatchResult is the outcome of resolving an extracted string against the
// knowledge base.
type MatchResult struct {
	Query       string        `json:"query"`
	MatchedID   string        `json:"matched_id,omitempty"`
	MatchedName string        `json:"matched_name,omitempty"`
	Similarity  float64       `json:"similarity"`
	Decision    MatchDecision `json:"decision"`
}

// Stage enumerates pipeline stages per email.
type Stage string

// Pipeline stages in processing order.
const (
	StageFetch     Stage = "fetch"
	StageNormalize Stage = "normalize"
	StageExtract   Stage = "extract"
	StageLink      Stage = "link"
	StageClassify  Stage = "classify"
	StageWrite     Stage = "write"
	StageValidate  Stage = "validate"
)

// EmailState is the terminal state of one email within a run.
type EmailState string

// Terminal email states.
const (
	StateValidated EmailState = "validated"
	StateFailed    EmailState = "failed"
	StateSkipped   EmailState = "skipped"
	StateCancelled EmailState = "cancelled"
)

// ErrorRecord is a user-visible failure attached to a run.
type ErrorRecord struct {
	EmailID  string   `json:"email_id"`
	Stage    Stage    `json:"stage"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Hint     string   `json:"hint,omitempty"`
}

// RunCounters aggregates per-run outcomes.
type RunCounters struct {
	Received  int `json:"received"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// RunRecord captures one pipeline run. RunID is an ISO-ordered timestamp so
// that lexicographic order equals chronological order.
type RunRecord struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Status    string        `json:"status"`
	Counters  RunCounters   `json:"counters"`
	Errors    []ErrorRecord `json:"errors"`
}

// DLQError describes the failure that routed a payload to the DLQ.
type DLQError struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status,omitempty"`
	RetryCount int    `json:"retry_count"`
}

// DLQEntry is a persisted failed payload, uniquely keyed by (email_id, stage).
// Later failures for the same key overwrite the entry.
type DLQEntry struct {
	DLQID         string    `json:"dlq_id"`
	EmailID       string    `json:"email_id"`
	Stage         Stage     `json:"stage"`
	Severity      Severity  `json:"severity"`
	Payload       []byte    `json:"payload"`
	Error         DLQError  `json:"error"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}
