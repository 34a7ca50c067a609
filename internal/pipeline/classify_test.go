package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/collabiq/collabiq/internal/domain"
)

func TestResolveTypeTag(t *testing.T) {
	discovered := []string{"Affiliate", "Portfolio Company", "External"}

	tests := []struct {
		name string
		hint string
		tags []string
		want string
		ok   bool
	}{
		{"affiliate", "affiliate", discovered, "Affiliate", true},
		{"portfolio maps to renamed tag", "portfolio", discovered, "Portfolio Company", true},
		{"both prefers affiliate without combined tag", "both", discovered, "Affiliate", true},
		{"both prefers dedicated tag", "both", []string{"Affiliate", "Portfolio", "Affiliate & Portfolio"}, "Affiliate & Portfolio", true},
		{"neither maps to external", "neither", discovered, "External", true},
		{"no tag invented on miss", "portfolio", []string{"Alpha", "Beta"}, "", false},
		{"empty tag set", "affiliate", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := resolveTypeTag(tt.hint, tt.tags)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestEntityPreservation(t *testing.T) {
	person := "Kim Minsu"
	startup := "Acme Robotics"
	partner := "Globex"
	details := "pilot integration"
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	e := domain.ExtractedEntities{
		Person: &person, Startup: &startup, Partner: &partner, Details: &details, Date: &date,
	}

	summary := "kim minsu of ACME ROBOTICS met Globex on 2026-03-02 to start the pilot integration."
	got := entityPreservation(e, summary)
	assert.Equal(t, [domain.CoreFieldCount]bool{true, true, true, true, true}, got)

	got = entityPreservation(e, "An unrelated summary mentioning nobody.")
	assert.Equal(t, [domain.CoreFieldCount]bool{false, false, false, false, false}, got)

	// Missing fields never count as preserved.
	got = entityPreservation(domain.ExtractedEntities{}, summary)
	assert.Equal(t, [domain.CoreFieldCount]bool{false, false, false, false, false}, got)
}
