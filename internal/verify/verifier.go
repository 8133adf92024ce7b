// Package verify scans generated narratives for authoritative claims that
// lack citations. It is rule based and advisory: the narrative is never
// modified, the same input always yields the same report, and malformed
// citation-like text conservatively counts as no citation.
package verify

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Marker keywords that obligate a citation. Phrases are matched before
// single words so "should not" does not reduce to a bare "should".
var (
	markerPhrases = []string{"should not", "we do"}
	markerWords   = []string{
		"must", "shall", "required", "violates", "policy",
		"standard", "breaks", "always", "never",
	}
)

var (
	markerPattern = buildMarkerPattern()

	// repoCitationPattern matches "path:start-end @ sha". The path must
	// contain at least one letter so bare numbers never pass as paths;
	// line numbers and the sha length are validated separately.
	repoCitationPattern = regexp.MustCompile("(?:^|[\\s(`])([\\w./\\-]*[A-Za-z][\\w./\\-]*):(\\d+)-(\\d+) @ ([0-9a-fA-F]+)\\b")

	// externalCitationPattern matches "url (edited: timestamp)". The
	// timestamp is validated as RFC 3339 separately.
	externalCitationPattern = regexp.MustCompile(`https?://\S+ \(edited: ([^)]+)\)`)
)

func buildMarkerPattern() *regexp.Regexp {
	alternatives := make([]string, 0, len(markerPhrases)+len(markerWords))
	for _, p := range markerPhrases {
		alternatives = append(alternatives, regexp.QuoteMeta(p))
	}
	for _, w := range markerWords {
		alternatives = append(alternatives, regexp.QuoteMeta(w))
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(alternatives, "|") + `)\b`)
}

// HardClaim is a narrative span containing an authoritative marker keyword.
type HardClaim struct {
	// Text is the enclosing sentence.
	Text string `json:"text"`

	// Sentence is the 0-based sentence index in the narrative.
	Sentence int `json:"sentence"`

	// Markers are the keywords that triggered detection.
	Markers []string `json:"markers"`
}

// Report lists hard claims lacking a matching citation. It annotates; it
// never removes or edits claims.
type Report struct {
	Uncited     []HardClaim `json:"uncited"`
	TotalClaims int         `json:"total_claims"`
	CitedClaims int         `json:"cited_claims"`
}

// Clean reports whether every hard claim carried a citation.
func (r Report) Clean() bool { return len(r.Uncited) == 0 }

// Verifier detects uncited hard claims. The zero value is usable.
type Verifier struct{}

// NewVerifier creates a Verifier.
func NewVerifier() *Verifier { return &Verifier{} }

// Verify scans a narrative and reports hard claims without citations.
// It is pure and idempotent, and never fails on malformed input.
func (v *Verifier) Verify(narrative string) Report {
	var report Report

	for i, sentence := range SplitSentences(narrative) {
		markers := findMarkers(sentence)
		if len(markers) == 0 {
			continue
		}
		report.TotalClaims++
		if hasCitation(sentence) {
			report.CitedClaims++
			continue
		}
		report.Uncited = append(report.Uncited, HardClaim{
			Text:     strings.TrimSpace(sentence),
			Sentence: i,
			Markers:  markers,
		})
	}

	return report
}

func findMarkers(sentence string) []string {
	matches := markerPattern.FindAllString(strings.ToLower(sentence), -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// hasCitation reports whether the span contains a well-formed citation in
// either grammar. Citation-like text failing validation does not count.
func hasCitation(span string) bool {
	for _, m := range repoCitationPattern.FindAllStringSubmatch(span, -1) {
		if validRepoCitation(m[2], m[3], m[4]) {
			return true
		}
	}
	for _, m := range externalCitationPattern.FindAllStringSubmatch(span, -1) {
		if validTimestamp(m[1]) {
			return true
		}
	}
	return false
}

func validRepoCitation(startStr, endStr, sha string) bool {
	start, err := strconv.Atoi(startStr)
	if err != nil || start < 1 {
		return false
	}
	end, err := strconv.Atoi(endStr)
	if err != nil || end < start {
		return false
	}
	return len(sha) >= 7 && len(sha) <= 40
}

func validTimestamp(ts string) bool {
	_, err := time.Parse(time.RFC3339, ts)
	return err == nil
}

// SplitSentences segments text into sentences on terminator punctuation
// followed by whitespace or end of input. Newless trailing text counts as a
// final sentence. The split is heuristic but deterministic.
func SplitSentences(text string) []string {
	text = strings.ReplaceAll(text, "\n", " ")

	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			atEnd := i+1 >= len(runes)
			if atEnd || runes[i+1] == ' ' || runes[i+1] == '\t' {
				if s := strings.TrimSpace(current.String()); s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}

	return sentences
}
