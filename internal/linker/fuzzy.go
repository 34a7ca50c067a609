// Package linker resolves extracted company and person names against the
// knowledge base using normalized Jaro-Winkler similarity.
package linker

import (
	"sort"
	"strings"
	"unicode"

	"github.com/xrash/smetrics"

	"github.com/collabiq/collabiq/internal/adapter/observability"
	"github.com/collabiq/collabiq/internal/domain"
)

// Similarity thresholds. At or above accept the match is taken; between
// ambiguous and accept the record is flagged for manual review; below
// ambiguous a new company is auto-created.
const (
	AcceptThreshold    = 0.85
	AmbiguousThreshold = 0.70
	PersonThreshold    = 0.70
)

// Jaro-Winkler parameters, the library defaults.
const (
	jwBoostThreshold = 0.7
	jwPrefixSize     = 4
)

// legalSuffixes are stripped from normalized company names. Korean corporate
// suffixes are matched on the normalized (lowercased, punctuation-free) form.
var legalSuffixes = []string{
	"incorporated", "corporation", "company", "limited",
	"inc", "corp", "co", "ltd", "llc", "plc", "gmbh",
	"주식회사", "유한회사", "주",
}

// Normalize canonicalizes a company name for comparison: case-fold, strip
// punctuation, collapse whitespace, drop trailing legal suffixes. Korean and
// other non-Latin text passes through intact.
func Normalize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			// Punctuation becomes a space so "(주)한화" splits cleanly.
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	for len(fields) > 1 {
		last := fields[len(fields)-1]
		if !isLegalSuffix(last) {
			break
		}
		fields = fields[:len(fields)-1]
	}
	// A leading suffix token also occurs in Korean names, as in "주식회사 한화".
	for len(fields) > 1 && isLegalSuffix(fields[0]) {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

func isLegalSuffix(tok string) bool {
	for _, s := range legalSuffixes {
		if tok == s {
			return true
		}
	}
	return false
}

// Similarity returns the Jaro-Winkler similarity of two normalized names.
func Similarity(a, b string) float64 {
	return smetrics.JaroWinkler(a, b, jwBoostThreshold, jwPrefixSize)
}

// Linker matches extracted names against knowledge-base companies and
// workspace users.
type Linker struct{}

// New returns a Linker.
func New() *Linker { return &Linker{} }

// MatchCompany resolves query against candidates. Ties at equal similarity
// break deterministically: exact normalized equality first, then longer
// common prefix with the query, then lexicographically smaller name.
func (l *Linker) MatchCompany(query string, candidates []domain.CompanyRecord) domain.MatchResult {
	res := domain.MatchResult{Query: query, Decision: domain.MatchNone}
	nq := Normalize(query)
	if nq == "" {
		observability.MatchDecisionsTotal.WithLabelValues(string(res.Decision)).Inc()
		return res
	}

	type scored struct {
		rec  domain.CompanyRecord
		norm string
		sim  float64
	}
	best := scored{sim: -1}
	for _, c := range candidates {
		nc := Normalize(c.Name)
		if nc == "" {
			continue
		}
		sim := Similarity(nq, nc)
		if sim > best.sim {
			best = scored{rec: c, norm: nc, sim: sim}
			continue
		}
		if sim == best.sim && betterTie(nq, nc, c.Name, best.norm, best.rec.Name) {
			best = scored{rec: c, norm: nc, sim: sim}
		}
	}
	if best.sim < 0 {
		res.Decision = domain.MatchAutoCreate
		observability.MatchDecisionsTotal.WithLabelValues(string(res.Decision)).Inc()
		return res
	}

	res.Similarity = best.sim
	switch {
	case best.sim >= AcceptThreshold:
		res.Decision = domain.MatchAccept
		res.MatchedID = best.rec.ID
		res.MatchedName = best.rec.Name
	case best.sim >= AmbiguousThreshold:
		res.Decision = domain.MatchAmbiguous
		res.MatchedID = best.rec.ID
		res.MatchedName = best.rec.Name
	default:
		res.Decision = domain.MatchAutoCreate
	}
	observability.MatchDecisionsTotal.WithLabelValues(string(res.Decision)).Inc()
	return res
}

// betterTie reports whether challenger (normalized nc, raw rawC) beats the
// incumbent (normalized nb, raw rawB) at equal similarity to nq.
func betterTie(nq, nc, rawC, nb, rawB string) bool {
	exactC, exactB := nc == nq, nb == nq
	if exactC != exactB {
		return exactC
	}
	pc, pb := commonPrefixLen(nq, nc), commonPrefixLen(nq, nb)
	if pc != pb {
		return pc > pb
	}
	return rawC < rawB
}

func commonPrefixLen(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	n := 0
	for n < len(ra) && n < len(rb) && ra[n] == rb[n] {
		n++
	}
	return n
}

// MatchPerson resolves an extracted person name against workspace users,
// accepting the best candidate at or above PersonThreshold.
func (l *Linker) MatchPerson(query string, users []domain.WorkspaceUser) domain.MatchResult {
	res := domain.MatchResult{Query: query, Decision: domain.MatchNone}
	nq := Normalize(query)
	if nq == "" {
		return res
	}
	for _, u := range users {
		nu := Normalize(u.Name)
		if nu == "" {
			continue
		}
		sim := Similarity(nq, nu)
		if sim > res.Similarity ||
			(sim == res.Similarity && res.MatchedName != "" && u.Name < res.MatchedName) {
			res.Similarity = sim
			res.MatchedID = u.ID
			res.MatchedName = u.Name
		}
	}
	if res.Similarity >= PersonThreshold && res.MatchedID != "" {
		res.Decision = domain.MatchAccept
	} else {
		res.MatchedID = ""
		res.MatchedName = ""
	}
	return res
}

// RankCandidates returns candidates ordered by similarity to query,
// strongest first, for diagnostic output.
func (l *Linker) RankCandidates(query string, candidates []domain.CompanyRecord) []domain.MatchResult {
	nq := Normalize(query)
	out := make([]domain.MatchResult, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, domain.MatchResult{
			Query:       query,
			MatchedID:   c.ID,
			MatchedName: c.Name,
			Similarity:  Similarity(nq, Normalize(c.Name)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].MatchedName < out[j].MatchedName
	})
	return out
}
