package tokencount

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeModelName(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o-mini", "gpt-4"},
		{"GPT-4", "gpt-4"},
		{"gpt-3.5-turbo-0125", "gpt-3.5-turbo"},
		{"gemini-2.0-flash", "gpt-4"},
		{"claude-3-5-haiku-latest", "gpt-4"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeModelName(tt.model), tt.model)
	}
}
