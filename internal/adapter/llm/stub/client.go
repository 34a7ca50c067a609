// Package stub provides a fast, deterministic provider adapter for local
// runs and tests.
package stub

import (
	"context"
	"time"

	"github.com/collabiq/collabiq/internal/domain"
)

// Client is a deterministic in-process provider. Err, when set, is returned
// from every call, which lets tests drive failover and breaker behavior.
type Client struct {
	ProviderName string
	Confidence   float64
	Latency      time.Duration
	Err          error
}

// New returns a stub provider that extracts fixed entities at the given
// confidence.
func New(name string, confidence float64) *Client {
	return &Client{ProviderName: name, Confidence: confidence}
}

// Name returns the configured provider name.
func (c *Client) Name() string { return c.ProviderName }

// Extract returns canned entities derived from the input.
func (c *Client) Extract(ctx context.Context, in domain.ExtractInput) (domain.ExtractResult, error) {
	if err := c.wait(ctx); err != nil {
		return domain.ExtractResult{}, err
	}
	if c.Err != nil {
		return domain.ExtractResult{}, c.Err
	}
	person := "Kim Minsu"
	startup := "Acme Robotics"
	partner := "Globex Ventures"
	details := "Discussed a pilot integration of the robotics platform."
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	e := domain.ExtractedEntities{
		Person:      &person,
		Startup:     &startup,
		Partner:     &partner,
		Details:     &details,
		Date:        &date,
		Provider:    c.ProviderName,
		EmailID:     in.EmailID,
		ExtractedAt: time.Now().UTC(),
		Confidence: domain.FieldConfidence{
			Person:  c.Confidence,
			Startup: c.Confidence,
			Partner: c.Confidence,
			Details: c.Confidence,
			Date:    c.Confidence,
		},
	}
	return domain.ExtractResult{
		Entities: e,
		Usage:    domain.Usage{InTokens: 250, OutTokens: 90},
	}, nil
}

// Classify returns a canned classification.
func (c *Client) Classify(ctx context.Context, in domain.ClassifyInput) (domain.ClassifyResult, error) {
	if err := c.wait(ctx); err != nil {
		return domain.ClassifyResult{}, err
	}
	if c.Err != nil {
		return domain.ClassifyResult{}, c.Err
	}
	return domain.ClassifyResult{
		Intensity:           domain.IntensityCooperate,
		IntensityConfidence: c.Confidence,
		Summary: "The startup and the partner agreed to begin a pilot collaboration " +
			"covering platform integration, with named contacts on both sides and " +
			"a follow-up scheduled to review the results of the initial phase.",
		Usage: domain.Usage{InTokens: 300, OutTokens: 70},
	}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(c.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
