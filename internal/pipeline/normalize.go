package pipeline

import (
	"strings"

	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/pkg/textx"
)

// disclaimerMarkers open a trailing legal-boilerplate block. Matching is
// case-insensitive on the start of a line.
var disclaimerMarkers = []string{
	"this email and any attachments",
	"this message contains confidential",
	"confidentiality notice",
	"legal disclaimer",
	"본 메일은",
	"이 메일은 발신전용",
}

// Normalizer reduces a raw email body to the content worth extracting from:
// no signature, no quoted history, no legal boilerplate, no control noise.
type Normalizer struct{}

// NewNormalizer returns a Normalizer.
func NewNormalizer() *Normalizer { return &Normalizer{} }

// Clean normalizes one message. A body reduced to nothing sets IsEmpty, which
// short-circuits all downstream stages for the email.
func (n *Normalizer) Clean(msg domain.RawMessage) domain.CleanedMessage {
	out := domain.CleanedMessage{RawID: msg.ID}

	body := textx.SanitizeText(msg.Body)
	body = strings.ReplaceAll(body, "\r\n", "\n")

	lines := strings.Split(body, "\n")
	kept := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		// "-- " on its own line starts a signature; everything after goes.
		if trimmed == "--" || trimmed == "-- " {
			out.Removed.Signature = true
			break
		}
		// A quote header introduces the quoted thread below it.
		if isQuoteHeader(trimmed) {
			out.Removed.Quotes = true
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			out.Removed.Quotes = true
			continue
		}
		if isDisclaimerStart(trimmed) {
			out.Removed.Disclaimer = true
			break
		}
		kept = append(kept, line)
	}

	cleaned := textx.CollapseWhitespace(strings.Join(kept, "\n"))
	cleaned = collapseBlankLines(cleaned)
	out.Body = strings.TrimSpace(cleaned)
	out.IsEmpty = out.Body == ""
	return out
}

// isQuoteHeader matches reply headers like "On Mon, Mar 2 ... wrote:" and
// forwarding markers.
func isQuoteHeader(line string) bool {
	lower := strings.ToLower(line)
	if strings.HasPrefix(lower, "on ") && strings.HasSuffix(lower, "wrote:") {
		return true
	}
	if strings.HasPrefix(lower, "-----original message-----") {
		return true
	}
	if strings.HasPrefix(lower, "---------- forwarded message") {
		return true
	}
	// Korean reply headers end with the equivalent of "wrote:".
	if strings.HasSuffix(line, "작성:") || strings.HasSuffix(line, "님이 작성:") {
		return true
	}
	return false
}

func isDisclaimerStart(line string) bool {
	lower := strings.ToLower(line)
	for _, m := range disclaimerMarkers {
		if strings.HasPrefix(lower, m) || strings.HasPrefix(line, m) {
			return true
		}
	}
	return false
}

// collapseBlankLines squeezes runs of blank lines down to one.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
