package rerank

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/clearcite/clearcite/internal/evidence"
)

// mockRanker implements Ranker with an injectable rank function
type mockRanker struct {
	name     string
	rankFunc func(ctx context.Context, query string, candidates []evidence.ScoredChunk) ([]Ranked, error)
	calls    int
}

func (m *mockRanker) Name() string { return m.name }

func (m *mockRanker) Rank(ctx context.Context, query string, candidates []evidence.ScoredChunk) ([]Ranked, error) {
	m.calls++
	return m.rankFunc(ctx, query, candidates)
}

func failingRanker(name string) *mockRanker {
	return &mockRanker{
		name: name,
		rankFunc: func(ctx context.Context, query string, candidates []evidence.ScoredChunk) ([]Ranked, error) {
			return nil, errors.New("timeout")
		},
	}
}

func reversingRanker(name string) *mockRanker {
	return &mockRanker{
		name: name,
		rankFunc: func(ctx context.Context, query string, candidates []evidence.ScoredChunk) ([]Ranked, error) {
			ranked := make([]Ranked, 0, len(candidates))
			for i := len(candidates) - 1; i >= 0; i-- {
				ranked = append(ranked, Ranked{
					Candidate: candidates[i],
					Score:     1.0 - float64(len(ranked))*0.1,
					Reason:    "reversed",
				})
			}
			return ranked, nil
		},
	}
}

func codeCandidate(path string, start int, weighted float64) evidence.ScoredChunk {
	return evidence.ScoredChunk{
		Chunk:    evidence.CodeChunk{Path: path, StartLine: start, EndLine: start + 4, Text: "content of " + path},
		Scope:    evidence.SourceCode,
		Raw:      weighted,
		Weighted: weighted,
	}
}

func docCandidate(path string, start int, weighted float64) evidence.ScoredChunk {
	return evidence.ScoredChunk{
		Chunk:    evidence.RepoDocChunk{Path: path, StartLine: start, EndLine: start + 4, Text: "doc " + path},
		Scope:    evidence.SourceRepoDoc,
		Raw:      weighted,
		Weighted: weighted,
	}
}

func keys(set RerankedSet) []string {
	out := make([]string, len(set.Chunks))
	for i, sc := range set.Chunks {
		out[i] = sc.Chunk.Key()
	}
	return out
}

func TestRerankFirstTierWins(t *testing.T) {
	tier1 := reversingRanker("tier1")
	tier2 := failingRanker("tier2")
	r := NewReranker(Options{}, tier1, tier2)

	candidates := []evidence.ScoredChunk{
		codeCandidate("a.go", 1, 0.9),
		codeCandidate("b.go", 1, 0.8),
		docCandidate("c.md", 1, 0.7),
	}

	set := r.Rerank(context.Background(), "q", candidates, 3)

	if set.Stats.Method != "tier1" {
		t.Errorf("method = %s, want tier1", set.Stats.Method)
	}
	if tier2.calls != 0 {
		t.Error("second tier should not run when the first succeeds")
	}
	if set.Chunks[0].Chunk.DocKey() != "c.md" {
		t.Errorf("expected reversed order, got %v", keys(set))
	}
}

func TestRerankFallsBackOnTierError(t *testing.T) {
	tier1 := failingRanker("cohere")
	tier2 := reversingRanker("llm")
	r := NewReranker(Options{}, tier1, tier2)

	candidates := []evidence.ScoredChunk{
		codeCandidate("a.go", 1, 0.9),
		docCandidate("b.md", 1, 0.8),
	}

	set := r.Rerank(context.Background(), "q", candidates, 2)

	if set.Stats.Method != "llm" {
		t.Errorf("method = %s, want llm", set.Stats.Method)
	}
	if len(set.Stats.TierErrors) != 1 {
		t.Errorf("tier errors = %v, want one entry", set.Stats.TierErrors)
	}
	if tier1.calls != 1 || tier2.calls != 1 {
		t.Errorf("tier calls = %d/%d, want 1/1", tier1.calls, tier2.calls)
	}
}

func TestRerankAllTiersFailKeepsOriginalOrder(t *testing.T) {
	r := NewReranker(Options{}, failingRanker("cohere"), failingRanker("llm"))

	candidates := []evidence.ScoredChunk{
		codeCandidate("a.go", 1, 0.9),
		codeCandidate("b.go", 1, 0.8),
		docCandidate("c.md", 1, 0.7),
	}

	set := r.Rerank(context.Background(), "q", candidates, 3)

	if set.Stats.Method != MethodPassthrough {
		t.Errorf("method = %s, want %s", set.Stats.Method, MethodPassthrough)
	}
	for i, sc := range set.Chunks {
		if sc.Chunk.Key() != candidates[i].Chunk.Key() {
			t.Errorf("order changed at %d: %v", i, keys(set))
			break
		}
	}
	if len(set.Stats.TierErrors) != 2 {
		t.Errorf("expected both tier errors recorded, got %v", set.Stats.TierErrors)
	}
}

func TestRerankNoTiersIsPassthrough(t *testing.T) {
	r := NewReranker(Options{})

	candidates := []evidence.ScoredChunk{
		codeCandidate("a.go", 1, 0.9),
		docCandidate("b.md", 1, 0.8),
	}

	set := r.Rerank(context.Background(), "q", candidates, 2)
	if set.Stats.Method != MethodPassthrough {
		t.Errorf("method = %s, want %s", set.Stats.Method, MethodPassthrough)
	}
}

func TestDiversityMaxPerDoc(t *testing.T) {
	r := NewReranker(Options{MaxPerDoc: 2, MinDistinctSources: 1})

	// Four chunks from one document, two from another.
	candidates := []evidence.ScoredChunk{
		codeCandidate("hot.go", 1, 0.9),
		codeCandidate("hot.go", 10, 0.8),
		codeCandidate("hot.go", 20, 0.7),
		codeCandidate("hot.go", 30, 0.6),
		codeCandidate("cold.go", 1, 0.5),
		codeCandidate("cold.go", 10, 0.4),
	}

	set := r.Rerank(context.Background(), "q", candidates, 4)

	counts := map[string]int{}
	for _, sc := range set.Chunks {
		counts[sc.Chunk.DocKey()]++
	}
	if counts["hot.go"] > 2 {
		t.Errorf("hot.go contributed %d chunks, max is 2", counts["hot.go"])
	}
	if len(set.Chunks) != 4 {
		t.Errorf("selection size = %d, want 4", len(set.Chunks))
	}
}

func TestDiversityForcedPromotion(t *testing.T) {
	r := NewReranker(Options{MaxPerDoc: 2, MinDistinctSources: 2})

	// Top k would be all code; a repo doc lingers below the cut.
	candidates := []evidence.ScoredChunk{
		codeCandidate("a.go", 1, 0.9),
		codeCandidate("b.go", 1, 0.8),
		codeCandidate("c.go", 1, 0.7),
		docCandidate("docs/policy.md", 1, 0.3),
	}

	set := r.Rerank(context.Background(), "q", candidates, 3)

	if len(set.Chunks) != 3 {
		t.Fatalf("selection size = %d, want 3", len(set.Chunks))
	}
	if set.Stats.DistinctSources < 2 {
		t.Errorf("distinct sources = %d, want >= 2", set.Stats.DistinctSources)
	}
	if set.Stats.Promoted != 1 {
		t.Errorf("promoted = %d, want 1", set.Stats.Promoted)
	}

	// The lowest-ranked code chunk is evicted; the doc chunk joins.
	ks := keys(set)
	sawDoc := false
	for _, k := range ks {
		if k == (evidence.RepoDocChunk{Path: "docs/policy.md", StartLine: 1, EndLine: 5}).Key() {
			sawDoc = true
		}
		if k == (evidence.CodeChunk{Path: "c.go", StartLine: 1, EndLine: 5}).Key() {
			t.Errorf("lowest-ranked selected candidate should have been evicted: %v", ks)
		}
	}
	if !sawDoc {
		t.Errorf("promoted doc chunk missing from selection: %v", ks)
	}
}

func TestDiversityNoPromotionWhenImpossible(t *testing.T) {
	r := NewReranker(Options{MaxPerDoc: 2, MinDistinctSources: 2})

	// Only one source type exists anywhere: the floor is unmet but no
	// promotion can fix it.
	candidates := []evidence.ScoredChunk{
		codeCandidate("a.go", 1, 0.9),
		codeCandidate("b.go", 1, 0.8),
	}

	set := r.Rerank(context.Background(), "q", candidates, 2)

	if len(set.Chunks) != 2 {
		t.Errorf("selection size = %d, want 2", len(set.Chunks))
	}
	if set.Stats.Promoted != 0 {
		t.Errorf("promoted = %d, want 0", set.Stats.Promoted)
	}
	if set.Stats.DistinctSources != 1 {
		t.Errorf("distinct sources = %d, want 1", set.Stats.DistinctSources)
	}
}

func TestDiversityDisabled(t *testing.T) {
	r := NewReranker(Options{DisableDiversity: true})

	candidates := []evidence.ScoredChunk{
		codeCandidate("hot.go", 1, 0.9),
		codeCandidate("hot.go", 10, 0.8),
		codeCandidate("hot.go", 20, 0.7),
	}

	set := r.Rerank(context.Background(), "q", candidates, 3)
	if len(set.Chunks) != 3 {
		t.Errorf("disabled diversity should plain-truncate: got %d chunks", len(set.Chunks))
	}
}

func TestRerankSizeNeverExceedsK(t *testing.T) {
	r := NewReranker(Options{})

	var candidates []evidence.ScoredChunk
	for i := 0; i < 30; i++ {
		candidates = append(candidates, codeCandidate(fmt.Sprintf("f%02d.go", i), 1, 1.0-float64(i)*0.01))
	}

	for _, k := range []int{1, 5, 10, 50} {
		set := r.Rerank(context.Background(), "q", candidates, k)
		if len(set.Chunks) > k {
			t.Errorf("k=%d produced %d chunks", k, len(set.Chunks))
		}
	}
}

func TestRerankDeterministic(t *testing.T) {
	r := NewReranker(Options{}, reversingRanker("tier"))

	candidates := []evidence.ScoredChunk{
		codeCandidate("a.go", 1, 0.5),
		codeCandidate("b.go", 1, 0.5), // equal weighted score: key breaks the tie
		docCandidate("c.md", 1, 0.5),
	}

	first := r.Rerank(context.Background(), "q", candidates, 3)
	second := r.Rerank(context.Background(), "q", candidates, 3)

	ka, kb := keys(first), keys(second)
	for i := range ka {
		if ka[i] != kb[i] {
			t.Fatalf("nondeterministic order: %v vs %v", ka, kb)
		}
	}
}

func TestRerankEmptyInput(t *testing.T) {
	r := NewReranker(Options{}, failingRanker("cohere"))

	set := r.Rerank(context.Background(), "q", nil, 5)
	if len(set.Chunks) != 0 {
		t.Errorf("empty input should produce empty set, got %d", len(set.Chunks))
	}
	if set.Stats.Method != MethodPassthrough {
		t.Errorf("method = %s, want %s", set.Stats.Method, MethodPassthrough)
	}
}
