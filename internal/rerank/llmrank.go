package rerank

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clearcite/clearcite/internal/evidence"
	"github.com/clearcite/clearcite/internal/llm"
)

const (
	// maxLLMCandidates bounds the prompt to the context window.
	maxLLMCandidates = 20

	// maxLLMContentChars bounds per-candidate content in the prompt.
	maxLLMContentChars = 400
)

// LLMRanker is the fallback tier: it asks a chat model to select the most
// relevant candidates and parses the JSON selection it returns.
type LLMRanker struct {
	llm  llm.LLM
	topN int
}

// NewLLMRanker creates the LLM selection tier.
func NewLLMRanker(model llm.LLM, topN int) (*LLMRanker, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: missing LLM", ErrRankUnavailable)
	}
	if topN <= 0 {
		topN = 10
	}
	return &LLMRanker{llm: model, topN: topN}, nil
}

// Name identifies the tier.
func (l *LLMRanker) Name() string { return MethodLLM }

type llmSelection struct {
	Selected []struct {
		Index  int    `json:"index"`
		Reason string `json:"reason"`
	} `json:"selected"`
}

// Rank prompts the model with the candidate list and reorders candidates by
// the returned selection. A malformed response is a tier failure.
func (l *LLMRanker) Rank(ctx context.Context, query string, candidates []evidence.ScoredChunk) ([]Ranked, error) {
	if len(candidates) == 0 {
		return nil, ErrEmptyRanking
	}

	limit := len(candidates)
	if limit > maxLLMCandidates {
		limit = maxLLMCandidates
	}

	var b strings.Builder
	for i := 0; i < limit; i++ {
		sc := candidates[i]
		fmt.Fprintf(&b, "[%d] (%s) %s\n%s\n\n",
			i, sc.Scope, sc.Chunk.DocKey(), truncate(sc.Chunk.Content(), maxLLMContentChars))
	}

	topN := l.topN
	if topN > limit {
		topN = limit
	}

	prompt := fmt.Sprintf(`You are a code review assistant. Given a query and candidate evidence snippets, select the most relevant ones.

Query: %s

Candidates:
%s
Instructions:
1. Select the top %d most relevant candidates for answering the query
2. Prefer candidates that directly address the query topic
3. Include a mix of code/diff and documentation when relevant
4. Output ONLY valid JSON in this exact format:

{"selected": [{"index": 0, "reason": "brief reason"}, ...]}

Output:`, query, b.String(), topN)

	response, err := l.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRankUnavailable, err)
	}

	selection, err := parseSelection(response)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRankUnavailable, err)
	}

	ranked := make([]Ranked, 0, len(selection.Selected))
	for _, item := range selection.Selected {
		if item.Index < 0 || item.Index >= limit {
			continue
		}
		reason := item.Reason
		if reason == "" {
			reason = "selected"
		}
		// Decreasing score preserves the model's stated order.
		ranked = append(ranked, Ranked{
			Candidate: candidates[item.Index],
			Score:     1.0 - float64(len(ranked))*0.05,
			Reason:    reason,
		})
	}
	if len(ranked) == 0 {
		return nil, ErrEmptyRanking
	}
	return ranked, nil
}

// parseSelection tolerates a markdown code fence around the JSON payload.
func parseSelection(response string) (llmSelection, error) {
	text := strings.TrimSpace(response)
	if strings.HasPrefix(text, "```") {
		parts := strings.SplitN(text, "```", 3)
		if len(parts) >= 2 {
			text = parts[1]
		}
		text = strings.TrimPrefix(text, "json")
		text = strings.TrimSpace(text)
	}

	var selection llmSelection
	if err := json.Unmarshal([]byte(text), &selection); err != nil {
		return llmSelection{}, fmt.Errorf("parsing selection JSON: %w", err)
	}
	return selection, nil
}
