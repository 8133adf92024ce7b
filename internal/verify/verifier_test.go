package verify

import (
	"reflect"
	"strings"
	"testing"
)

func TestVerifyCitedRepoClaim(t *testing.T) {
	v := NewVerifier()

	report := v.Verify("All new endpoints must use the policy in auth.py:10-20 @ abc1234")

	if report.TotalClaims != 1 {
		t.Fatalf("TotalClaims = %d, want 1", report.TotalClaims)
	}
	if report.CitedClaims != 1 {
		t.Errorf("CitedClaims = %d, want 1", report.CitedClaims)
	}
	if !report.Clean() {
		t.Errorf("claim with valid repo citation flagged uncited: %+v", report.Uncited)
	}
}

func TestVerifyUncitedClaim(t *testing.T) {
	v := NewVerifier()

	report := v.Verify("This violates our standards")

	if report.TotalClaims != 1 {
		t.Fatalf("TotalClaims = %d, want 1", report.TotalClaims)
	}
	if len(report.Uncited) != 1 {
		t.Fatalf("Uncited = %d, want 1", len(report.Uncited))
	}
	claim := report.Uncited[0]
	if claim.Text != "This violates our standards" {
		t.Errorf("claim text = %q", claim.Text)
	}
	found := false
	for _, m := range claim.Markers {
		if m == "violates" {
			found = true
		}
	}
	if !found {
		t.Errorf("markers = %v, want to include %q", claim.Markers, "violates")
	}
}

func TestVerifyExternalCitation(t *testing.T) {
	v := NewVerifier()

	report := v.Verify("We always use feature flags, see https://notion.so/page-id (edited: 2024-01-15T10:30:00.000Z).")

	if report.TotalClaims != 1 {
		t.Fatalf("TotalClaims = %d, want 1", report.TotalClaims)
	}
	if !report.Clean() {
		t.Errorf("claim with valid external citation flagged uncited: %+v", report.Uncited)
	}
}

func TestVerifyMalformedCitationsCountAsUncited(t *testing.T) {
	v := NewVerifier()

	tests := []struct {
		name      string
		narrative string
	}{
		{"missing sha", "This must follow auth.py:10-20 @"},
		{"sha too short", "This must follow auth.py:10-20 @ abc12"},
		{"sha not hex", "This must follow auth.py:10-20 @ zzzzzzz"},
		{"start exceeds end", "This must follow auth.py:20-10 @ abc1234"},
		{"zero start line", "This must follow auth.py:0-10 @ abc1234"},
		{"bad timestamp", "We never do this, see https://notion.so/p (edited: yesterday)"},
		{"missing edited marker", "We never do this, see https://notion.so/p (2024-01-15T10:30:00Z)"},
		{"numeric path", "This must follow 10:15-20 @ abc1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := v.Verify(tt.narrative)
			if report.TotalClaims != 1 {
				t.Fatalf("TotalClaims = %d, want 1", report.TotalClaims)
			}
			if report.Clean() {
				t.Errorf("malformed citation accepted: %q", tt.narrative)
			}
		})
	}
}

func TestVerifyMixedNarrative(t *testing.T) {
	v := NewVerifier()

	narrative := strings.Join([]string{
		"This change refactors the session handlers.",
		"All handlers must validate tokens, per auth/session.go:42-60 @ deadbeefcafe.",
		"This violates our error handling standard.",
		"The deployment process looks fine.",
		"We never log credentials, see https://notion.so/security (edited: 2024-03-01T09:00:00Z).",
	}, " ")

	report := v.Verify(narrative)

	if report.TotalClaims != 3 {
		t.Errorf("TotalClaims = %d, want 3", report.TotalClaims)
	}
	if report.CitedClaims != 2 {
		t.Errorf("CitedClaims = %d, want 2", report.CitedClaims)
	}
	if len(report.Uncited) != 1 {
		t.Fatalf("Uncited = %d, want 1", len(report.Uncited))
	}
	if !strings.Contains(report.Uncited[0].Text, "violates") {
		t.Errorf("wrong claim flagged: %q", report.Uncited[0].Text)
	}
}

func TestVerifyNoMarkersYieldsEmptyReport(t *testing.T) {
	v := NewVerifier()

	report := v.Verify("This change looks reasonable. The tests cover the new paths.")

	if report.TotalClaims != 0 || len(report.Uncited) != 0 {
		t.Errorf("narrative without markers produced claims: %+v", report)
	}
}

func TestVerifyIdempotent(t *testing.T) {
	v := NewVerifier()
	narrative := "This must change. This breaks the API. See main.go:1-2 @ abc1234."

	first := v.Verify(narrative)
	second := v.Verify(narrative)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("verify not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestVerifyMalformedInputNeverPanics(t *testing.T) {
	v := NewVerifier()

	inputs := []string{
		"",
		"....",
		strings.Repeat("a", 10000),
		"must",
		"must\x00with control bytes",
		"unterminated (edited: ",
	}

	for _, in := range inputs {
		report := v.Verify(in)
		if report.TotalClaims < 0 {
			t.Errorf("impossible report for %q", in)
		}
	}
}

func TestVerifyShouldNotPhrase(t *testing.T) {
	v := NewVerifier()

	report := v.Verify("New handlers should not bypass the middleware")
	if report.TotalClaims != 1 {
		t.Fatalf("TotalClaims = %d, want 1", report.TotalClaims)
	}
	if report.Clean() {
		t.Error("uncited 'should not' claim should be flagged")
	}
	// Plain "should" alone is not a marker.
	report = v.Verify("You should try the new linter")
	if report.TotalClaims != 0 {
		t.Errorf("bare 'should' detected as claim: %+v", report)
	}
}

func TestVerifyCitationScopedToSentence(t *testing.T) {
	v := NewVerifier()

	// The citation lives in the first sentence; the second claim is bare.
	report := v.Verify("This must match auth.py:1-5 @ abc1234. This also violates the policy.")

	if report.TotalClaims != 2 {
		t.Fatalf("TotalClaims = %d, want 2", report.TotalClaims)
	}
	if report.CitedClaims != 1 {
		t.Errorf("CitedClaims = %d, want 1", report.CitedClaims)
	}
	if len(report.Uncited) != 1 {
		t.Errorf("a citation in one sentence must not cover another: %+v", report)
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"single", "Hello world.", []string{"Hello world."}},
		{"multiple", "One. Two! Three?", []string{"One.", "Two!", "Three?"}},
		{"trailing fragment", "One. and then", []string{"One.", "and then"}},
		{"newlines", "One.\nTwo.", []string{"One.", "Two."}},
		{"decimal not split", "Version 1.5 is required here", []string{"Version 1.5 is required here"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitSentences(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d sentences %v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("sentence %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
