// Package preprocess normalizes raw message and attachment content into
// plain text bounded to a token budget, keeping financially salient
// substrings when something has to be cut. Everything here is pure and
// deterministic.
package preprocess

import (
	"html"
	"regexp"
	"sort"
	"strings"
)

const (
	// Rough token estimate heuristic: 4 characters per token.
	charsPerToken = 4

	// Window kept around each salient match when targeted extraction runs.
	matchWindow = 100

	truncationMarker = "\n\n[... content truncated ...]\n\n"
)

var (
	scriptRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	blockRe  = regexp.MustCompile(`(?i)</?(p|div|br|tr|li|h[1-6]|table|ul|ol)[^>]*>`)
	tagRe    = regexp.MustCompile(`<[^>]*>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	linesRe  = regexp.MustCompile(`\n{3,}`)

	// Patterns whose surroundings must survive truncation.
	salientPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[$€£]\s?\d[\d,]*(?:\.\d{1,2})?`),
		regexp.MustCompile(`\b(?:USD|EUR|GBP|AUD|CAD|NZD|JPY)\s?\d[\d,]*(?:\.\d{1,2})?`),
		regexp.MustCompile(`(?i)\b(?:total|amount\s+due|balance\s+due|subtotal)\b[^\n]{0,40}`),
		regexp.MustCompile(`(?i)\b(?:invoice|receipt|order|reference)\s*(?:number|no\.?|#)?\s*[:#]?\s*[A-Za-z0-9-]{3,}`),
		regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
		regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`),
	}
)

// EstimateTokens returns the fixed length/4 token estimate used across the
// pipeline for budgeting.
func EstimateTokens(s string) int {
	return len(s) / charsPerToken
}

// Normalize strips markup from raw content and bounds it to maxTokens.
// Over-budget content is reduced by targeted extraction around salient
// matches first, then by head+tail truncation with an explicit marker.
func Normalize(raw string, maxTokens int) string {
	text := StripHTML(raw)

	if maxTokens <= 0 || EstimateTokens(text) <= maxTokens {
		return text
	}

	if excerpt := salientExcerpt(text); excerpt != "" && EstimateTokens(excerpt) <= maxTokens {
		return excerpt
	}

	return headTail(text, maxTokens)
}

// StripHTML converts HTML to plain text: script/style blocks go first,
// block elements become newlines, remaining tags are dropped and entities
// decoded. Plain-text input passes through with whitespace collapsed.
func StripHTML(raw string) string {
	text := scriptRe.ReplaceAllString(raw, " ")
	text = styleRe.ReplaceAllString(text, " ")
	text = blockRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)

	text = spaceRe.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = linesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

type span struct {
	start, end int
}

// salientExcerpt keeps a window around every amount/invoice-number/date
// match, merging overlaps. Returns "" when nothing salient was found.
func salientExcerpt(text string) string {
	var spans []span
	for _, re := range salientPatterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			start := loc[0] - matchWindow
			if start < 0 {
				start = 0
			}
			end := loc[1] + matchWindow
			if end > len(text) {
				end = len(text)
			}
			spans = append(spans, span{start, end})
		}
	}
	if len(spans) == 0 {
		return ""
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	merged := []span{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	parts := make([]string, 0, len(merged))
	for _, s := range merged {
		parts = append(parts, strings.TrimSpace(text[s.start:s.end]))
	}
	return strings.Join(parts, "\n...\n")
}

// headTail keeps the opening and closing of the text with a marker between
// them, sized to fit the budget.
func headTail(text string, maxTokens int) string {
	budget := maxTokens*charsPerToken - len(truncationMarker)
	if budget <= 0 {
		limit := maxTokens * charsPerToken
		if limit > len(text) {
			limit = len(text)
		}
		return text[:limit]
	}

	headLen := budget * 2 / 3
	tailLen := budget - headLen
	if headLen+tailLen >= len(text) {
		return text
	}
	return text[:headLen] + truncationMarker + text[len(text)-tailLen:]
}
