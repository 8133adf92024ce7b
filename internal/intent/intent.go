// Package intent routes queries to retrieval scope weightings. Classification
// is rule based: static keyword tables compiled into word-boundary patterns
// at package init, no I/O, no runtime mutation of the tables.
package intent

import (
	"regexp"
	"sort"
	"strings"

	"github.com/clearcite/clearcite/internal/evidence"
)

// Intent is a query category used for retrieval routing.
type Intent string

const (
	StandardsPolicy     Intent = "standards_policy"
	ImplementationDebug Intent = "implementation_debug"
	Process             Intent = "process"
	General             Intent = "general"
)

// ScopeWeights maps each source scope to a positive score multiplier.
type ScopeWeights map[evidence.SourceType]float64

// Result of classifying a query.
type Result struct {
	Intent          Intent
	Confidence      float64
	MatchedKeywords []string
	ScopeWeights    ScopeWeights
}

// priorityOrder breaks ties between categories with equal match counts.
var priorityOrder = []Intent{StandardsPolicy, ImplementationDebug, Process}

var intentKeywords = map[Intent][]string{
	StandardsPolicy: {
		"standard", "standards", "policy", "policies", "guideline", "guidelines",
		"convention", "conventions", "how do we", "how we", "best practice",
		"best practices", "naming", "lint", "linting", "style", "style guide",
		"code style", "formatting", "rule", "rules", "should we", "must we",
		"requirement", "requirements", "compliance", "compliant",
	},
	ImplementationDebug: {
		"error", "errors", "bug", "bugs", "failing", "fail", "failed",
		"stack trace", "stacktrace", "traceback", "exception", "fix",
		"fixing", "why", "implement", "implementing", "implementation",
		"function", "class", "method", "how does", "how do i", "how to",
		"what does", "where is", "debug", "debugging", "issue", "problem",
		"broken", "crash", "crashing", "undefined", "null", "none",
	},
	Process: {
		"deploy", "deployment", "deploying", "incident", "incidents",
		"runbook", "runbooks", "pr process", "pull request process",
		"approval", "approvals", "approve", "merge", "merging",
		"release", "releasing", "rollback", "rollout", "pipeline",
		"ci", "cd", "ci/cd", "workflow", "workflows", "review process",
		"code review", "on-call", "oncall", "pager", "alert", "alerts",
	},
}

var intentScopeWeights = map[Intent]ScopeWeights{
	StandardsPolicy: {
		evidence.SourceExternalDoc: 1.5,
		evidence.SourceRepoDoc:     1.3,
		evidence.SourceCode:        0.7,
		evidence.SourceDiff:        0.5,
	},
	ImplementationDebug: {
		evidence.SourceCode:        1.5,
		evidence.SourceDiff:        1.4,
		evidence.SourceRepoDoc:     1.0,
		evidence.SourceExternalDoc: 0.6,
	},
	Process: {
		evidence.SourceExternalDoc: 1.5,
		evidence.SourceRepoDoc:     1.4,
		evidence.SourceCode:        0.5,
		evidence.SourceDiff:        0.4,
	},
	General: {
		evidence.SourceCode:        1.0,
		evidence.SourceDiff:        1.0,
		evidence.SourceRepoDoc:     1.0,
		evidence.SourceExternalDoc: 1.0,
	},
}

// UniformWeights returns the weight table used when intent routing is
// disabled: 1.0 for every scope.
func UniformWeights() ScopeWeights {
	return WeightsFor(General)
}

// WeightsFor returns a copy of the static weight table for an intent.
// Unknown intents fall back to the general table.
func WeightsFor(i Intent) ScopeWeights {
	table, ok := intentScopeWeights[i]
	if !ok {
		table = intentScopeWeights[General]
	}
	out := make(ScopeWeights, len(table))
	for scope, w := range table {
		out[scope] = w
	}
	return out
}

// Classifier is a rules-based intent classifier. The zero value is not
// usable; construct with NewClassifier.
type Classifier struct {
	patterns map[Intent]*regexp.Regexp
}

// NewClassifier compiles the keyword tables into matchers.
func NewClassifier() *Classifier {
	patterns := make(map[Intent]*regexp.Regexp, len(intentKeywords))
	for in, keywords := range intentKeywords {
		escaped := make([]string, len(keywords))
		for i, kw := range keywords {
			escaped[i] = regexp.QuoteMeta(kw)
		}
		// Longer alternatives first so phrases win over their prefixes.
		sort.Slice(escaped, func(a, b int) bool { return len(escaped[a]) > len(escaped[b]) })
		patterns[in] = regexp.MustCompile(`(?i)\b(` + strings.Join(escaped, "|") + `)\b`)
	}
	return &Classifier{patterns: patterns}
}

// Classify maps a query to an intent and its scope-weight table. It is total:
// a query matching no category keywords classifies as General with uniform
// weights. Among categories, the highest distinct keyword-match count wins;
// equal counts resolve by fixed priority order.
func (c *Classifier) Classify(query string) Result {
	best := General
	bestCount := 0
	var bestMatches []string

	for _, in := range priorityOrder {
		matches := c.patterns[in].FindAllString(strings.ToLower(query), -1)
		distinct := dedupe(matches)
		if len(distinct) > bestCount {
			best = in
			bestCount = len(distinct)
			bestMatches = distinct
		}
	}

	confidence := 0.0
	if bestCount > 0 {
		words := float64(len(strings.Fields(query)))
		if words < 3 {
			words = 3
		}
		confidence = float64(bestCount) / (words / 3)
		if confidence > 1.0 {
			confidence = 1.0
		}
	}

	sort.Strings(bestMatches)

	return Result{
		Intent:          best,
		Confidence:      confidence,
		MatchedKeywords: bestMatches,
		ScopeWeights:    WeightsFor(best),
	}
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, s := range items {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
