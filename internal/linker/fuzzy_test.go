package linker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/linker"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"case folding", "Acme Robotics", "acme robotics"},
		{"trailing suffix", "Acme Robotics Inc.", "acme robotics"},
		{"stacked suffixes", "Acme Co., Ltd.", "acme"},
		{"punctuation to space", "Acme-Robotics/Korea", "acme robotics korea"},
		{"korean trailing suffix", "한화 주식회사", "한화"},
		{"korean leading suffix", "주식회사 한화", "한화"},
		{"korean paren suffix", "(주)한화", "한화"},
		{"suffix-only name survives", "Inc", "inc"},
		{"whitespace collapse", "  Acme   Robotics  ", "acme robotics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, linker.Normalize(tt.in))
		})
	}
}

func TestSimilarity_IdenticalAndDisjoint(t *testing.T) {
	assert.InDelta(t, 1.0, linker.Similarity("acme robotics", "acme robotics"), 1e-9)
	assert.Less(t, linker.Similarity("acme robotics", "zebra capital"), linker.AmbiguousThreshold)
}

func companies(names ...string) []domain.CompanyRecord {
	out := make([]domain.CompanyRecord, len(names))
	for i, n := range names {
		out[i] = domain.CompanyRecord{ID: "c" + string(rune('1'+i)), Name: n}
	}
	return out
}

func TestMatchCompany_AcceptOnExactNormalizedMatch(t *testing.T) {
	l := linker.New()
	res := l.MatchCompany("Acme Robotics Inc.", companies("Acme Robotics", "Zebra Capital"))
	assert.Equal(t, domain.MatchAccept, res.Decision)
	assert.Equal(t, "Acme Robotics", res.MatchedName)
	assert.Equal(t, "c1", res.MatchedID)
	assert.InDelta(t, 1.0, res.Similarity, 1e-9)
}

func TestMatchCompany_KoreanSuffixVariants(t *testing.T) {
	l := linker.New()
	res := l.MatchCompany("(주)한화", companies("한화 주식회사"))
	assert.Equal(t, domain.MatchAccept, res.Decision)
}

func TestMatchCompany_AmbiguousBand(t *testing.T) {
	l := linker.New()
	// Similar but not close enough to accept.
	res := l.MatchCompany("Dixon", companies("Dicksonx"))
	require.Equal(t, domain.MatchAmbiguous, res.Decision, "similarity %f", res.Similarity)
	assert.NotEmpty(t, res.MatchedID, "ambiguous keeps the closest candidate for review")
}

func TestMatchCompany_AutoCreateWhenNothingClose(t *testing.T) {
	l := linker.New()
	res := l.MatchCompany("Quantic Agritech", companies("Zebra Capital", "Moonbeam Retail"))
	assert.Equal(t, domain.MatchAutoCreate, res.Decision)
	assert.Empty(t, res.MatchedID)
}

func TestMatchCompany_NoCandidates(t *testing.T) {
	l := linker.New()
	res := l.MatchCompany("Acme", nil)
	assert.Equal(t, domain.MatchAutoCreate, res.Decision)
}

func TestMatchCompany_EmptyQuery(t *testing.T) {
	l := linker.New()
	res := l.MatchCompany("  ", companies("Acme"))
	assert.Equal(t, domain.MatchNone, res.Decision)
}

func TestMatchCompany_TieBreaksPreferExactNormalized(t *testing.T) {
	l := linker.New()
	// Both candidates normalize to "acme robotics"; either is an exact
	// normalized match, so the lexicographically smaller raw name wins.
	res := l.MatchCompany("Acme Robotics", companies("Acme Robotics Ltd", "Acme Robotics Inc"))
	assert.Equal(t, domain.MatchAccept, res.Decision)
	assert.Equal(t, "Acme Robotics Inc", res.MatchedName)
}

func TestMatchPerson(t *testing.T) {
	l := linker.New()
	users := []domain.WorkspaceUser{
		{ID: "u1", Name: "Kim Minsu"},
		{ID: "u2", Name: "Lee Jiwon"},
	}

	res := l.MatchPerson("kim minsu", users)
	assert.Equal(t, domain.MatchAccept, res.Decision)
	assert.Equal(t, "u1", res.MatchedID)

	res = l.MatchPerson("Park Chulsoo", users)
	assert.Equal(t, domain.MatchNone, res.Decision)
	assert.Empty(t, res.MatchedID)

	res = l.MatchPerson("", users)
	assert.Equal(t, domain.MatchNone, res.Decision)
}

func TestRankCandidates_OrderedBySimilarity(t *testing.T) {
	l := linker.New()
	ranked := l.RankCandidates("Acme Robotics", companies("Zebra Capital", "Acme Robotics", "Acme Labs"))
	require.Len(t, ranked, 3)
	assert.Equal(t, "Acme Robotics", ranked[0].MatchedName)
	assert.GreaterOrEqual(t, ranked[0].Similarity, ranked[1].Similarity)
	assert.GreaterOrEqual(t, ranked[1].Similarity, ranked[2].Similarity)
}
