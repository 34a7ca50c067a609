package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/collabiq/collabiq/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorClass
	}{
		{"transient", domain.Transient(errors.New("x")), domain.ClassTransient},
		{"permanent", domain.Permanent(errors.New("x")), domain.ClassPermanent},
		{"critical", domain.Critical(errors.New("x")), domain.ClassCritical},
		{"wrapped", fmt.Errorf("op=test: %w", domain.Permanent(errors.New("x"))), domain.ClassPermanent},
		{"unclassified defaults to transient", errors.New("x"), domain.ClassTransient},
		{"nil defaults to transient", nil, domain.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.Classify(tt.err))
		})
	}
}

func TestClassified_CarriesTransportHints(t *testing.T) {
	err := fmt.Errorf("op=vendor: %w", &domain.Classified{
		Class:      domain.ClassTransient,
		HTTPStatus: 429,
		RetryAfter: 7 * time.Second,
		Err:        errors.New("rate limited"),
	})

	hint, ok := domain.RetryAfterHint(err)
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, hint)
	assert.Equal(t, 429, domain.HTTPStatusOf(err))

	_, ok = domain.RetryAfterHint(errors.New("plain"))
	assert.False(t, ok)
	assert.Zero(t, domain.HTTPStatusOf(errors.New("plain")))
}

func TestClassified_UnwrapsSentinels(t *testing.T) {
	err := domain.Permanent(fmt.Errorf("lookup: %w", domain.ErrNotFound))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSeverityFor(t *testing.T) {
	assert.Equal(t, domain.SeverityCritical, domain.SeverityFor(domain.ClassCritical))
	assert.Equal(t, domain.SeverityMedium, domain.SeverityFor(domain.ClassPermanent))
	assert.Equal(t, domain.SeverityMedium, domain.SeverityFor(domain.ClassTransient))
}

func TestFieldConfidenceMean(t *testing.T) {
	c := domain.FieldConfidence{Person: 1, Startup: 0.5, Partner: 0, Details: 1, Date: 0.5}
	assert.InDelta(t, 0.6, c.Mean(), 1e-9)
}

func TestExtractedEntities_Completeness(t *testing.T) {
	s := func(v string) *string { return &v }
	d := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	e := domain.ExtractedEntities{Person: s("Kim Minsu"), Details: s("pilot"), Date: &d}
	assert.Equal(t, 3, e.FieldsExtracted())
	assert.InDelta(t, 60.0, e.Completeness(), 1e-9)

	empty := domain.ExtractedEntities{Person: s("  ")}
	assert.Equal(t, 0, empty.FieldsExtracted())
}
