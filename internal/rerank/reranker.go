// Package rerank reorders retrieval candidates through a fallback chain of
// ranking tiers and applies per-document and per-source diversity constraints
// to the final selection.
package rerank

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/clearcite/clearcite/internal/evidence"
)

// Common errors for rerank tiers
var (
	ErrRankUnavailable = errors.New("ranking tier unavailable")
	ErrEmptyRanking    = errors.New("ranking tier returned no results")
)

// Tier method names reported on a RerankedSet.
const (
	MethodCohere      = "cohere"
	MethodLLM         = "llm"
	MethodPassthrough = "passthrough"
)

// Ranked is one candidate with the score and reason a tier assigned it.
type Ranked struct {
	Candidate evidence.ScoredChunk
	Score     float64
	Reason    string
}

// Ranker is one tier of the rerank chain. A tier that cannot produce an
// ordering returns an error; it must never panic or hang past its deadline.
type Ranker interface {
	// Name identifies the tier in stats and logs.
	Name() string

	// Rank reorders candidates by relevance to the query, best first.
	Rank(ctx context.Context, query string, candidates []evidence.ScoredChunk) ([]Ranked, error)
}

// Stats describes how a reranked set was produced.
type Stats struct {
	Method          string         `json:"method"`
	TierErrors      []string       `json:"tier_errors,omitempty"`
	DistinctSources int            `json:"distinct_sources"`
	DocsRepresented int            `json:"docs_represented"`
	Promoted        int            `json:"promoted"`
	SourceCounts    map[string]int `json:"source_counts,omitempty"`
}

// RerankedSet is the ordered final selection, length at most the requested k.
type RerankedSet struct {
	Chunks  []evidence.ScoredChunk
	Scores  []float64
	Reasons []string
	Stats   Stats
}

// Options configures a Reranker. Zero values fall back to the defaults of
// 2 chunks per document and 2 distinct sources.
type Options struct {
	MaxPerDoc          int
	MinDistinctSources int
	DisableDiversity   bool
}

// Reranker runs candidates through ranking tiers in order, falling back on
// any tier error, and applies the diversity pass to whichever order survives.
// Exhausting every tier is not an error: the retriever's weighted-score order
// passes through unchanged.
type Reranker struct {
	tiers []Ranker
	opts  Options
}

// NewReranker creates a Reranker over the given tiers, tried in order. An
// empty tier list means pure passthrough.
func NewReranker(opts Options, tiers ...Ranker) *Reranker {
	if opts.MaxPerDoc <= 0 {
		opts.MaxPerDoc = 2
	}
	if opts.MinDistinctSources <= 0 {
		opts.MinDistinctSources = 2
	}
	return &Reranker{tiers: tiers, opts: opts}
}

// Rerank orders candidates and selects at most k under the diversity
// constraints. It never fails: tier errors cascade to the next tier and the
// final fallback keeps the incoming order.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []evidence.ScoredChunk, k int) RerankedSet {
	if k <= 0 || len(candidates) == 0 {
		return RerankedSet{Stats: Stats{Method: MethodPassthrough}}
	}

	ranked, method, tierErrs := r.rank(ctx, query, candidates)

	set := r.applyDiversity(ranked, k)
	set.Stats.Method = method
	set.Stats.TierErrors = tierErrs
	return set
}

// rank walks the tier chain and returns the first ordering produced, with
// passthrough as the terminal tier.
func (r *Reranker) rank(ctx context.Context, query string, candidates []evidence.ScoredChunk) ([]Ranked, string, []string) {
	var tierErrs []string

	for _, tier := range r.tiers {
		ranked, err := tier.Rank(ctx, query, candidates)
		if err == nil && len(ranked) > 0 {
			sortRanked(ranked)
			return ranked, tier.Name(), tierErrs
		}
		if err == nil {
			err = ErrEmptyRanking
		}
		tierErrs = append(tierErrs, tier.Name()+": "+err.Error())
		log.Warn().
			Str("tier", tier.Name()).
			Err(err).
			Msg("rerank tier failed, falling back")
	}

	return passthrough(candidates), MethodPassthrough, tierErrs
}

// passthrough keeps the retriever's weighted-score order.
func passthrough(candidates []evidence.ScoredChunk) []Ranked {
	ranked := make([]Ranked, len(candidates))
	for i, sc := range candidates {
		ranked[i] = Ranked{Candidate: sc, Score: sc.Weighted, Reason: "retrieval_order"}
	}
	return ranked
}

// sortRanked makes a tier's ordering fully deterministic: tier score first,
// then retriever weighted score, then identity key.
func sortRanked(ranked []Ranked) {
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Candidate.Weighted != ranked[j].Candidate.Weighted {
			return ranked[i].Candidate.Weighted > ranked[j].Candidate.Weighted
		}
		return ranked[i].Candidate.Chunk.Key() < ranked[j].Candidate.Chunk.Key()
	})
}

// applyDiversity walks the ranked order deferring candidates whose document
// is already at MaxPerDoc, then force-promotes an unrepresented source type
// when the selection falls below MinDistinctSources. Promotion evicts the
// lowest-ranked selected candidate to keep the size at most k.
func (r *Reranker) applyDiversity(ranked []Ranked, k int) RerankedSet {
	if r.opts.DisableDiversity {
		if len(ranked) > k {
			ranked = ranked[:k]
		}
		return assemble(ranked, Stats{})
	}

	docCounts := make(map[string]int)
	var selected, deferred []Ranked

	for _, cand := range ranked {
		if len(selected) >= k {
			deferred = append(deferred, cand)
			continue
		}
		docKey := cand.Candidate.Chunk.DocKey()
		if docCounts[docKey] >= r.opts.MaxPerDoc {
			deferred = append(deferred, cand)
			continue
		}
		docCounts[docKey]++
		selected = append(selected, cand)
	}

	stats := Stats{}

	// Force-promote unrepresented source types while the floor is unmet.
	for distinctSources(selected) < r.opts.MinDistinctSources {
		idx := firstUnrepresented(selected, deferred)
		if idx < 0 {
			break
		}
		promoted := deferred[idx]
		deferred = append(deferred[:idx], deferred[idx+1:]...)

		if len(selected) >= k {
			// Evict the lowest-ranked selected candidate.
			selected = selected[:len(selected)-1]
		}
		selected = append(selected, promoted)
		stats.Promoted++
	}

	sourceCounts := make(map[string]int)
	docs := make(map[string]struct{})
	for _, cand := range selected {
		sourceCounts[string(cand.Candidate.Scope)]++
		docs[cand.Candidate.Chunk.DocKey()] = struct{}{}
	}
	stats.DistinctSources = len(sourceCounts)
	stats.DocsRepresented = len(docs)
	stats.SourceCounts = sourceCounts

	if stats.DistinctSources < r.opts.MinDistinctSources {
		log.Debug().
			Int("distinct_sources", stats.DistinctSources).
			Int("min", r.opts.MinDistinctSources).
			Msg("source diversity floor unmet by available candidates")
	}

	return assemble(selected, stats)
}

func assemble(ranked []Ranked, stats Stats) RerankedSet {
	set := RerankedSet{
		Chunks:  make([]evidence.ScoredChunk, len(ranked)),
		Scores:  make([]float64, len(ranked)),
		Reasons: make([]string, len(ranked)),
		Stats:   stats,
	}
	for i, cand := range ranked {
		set.Chunks[i] = cand.Candidate
		set.Scores[i] = cand.Score
		set.Reasons[i] = cand.Reason
	}
	return set
}

func distinctSources(selected []Ranked) int {
	types := make(map[evidence.SourceType]struct{})
	for _, cand := range selected {
		types[cand.Candidate.Scope] = struct{}{}
	}
	return len(types)
}

// firstUnrepresented returns the index of the highest-ranked deferred
// candidate whose source type is absent from the selection, or -1.
func firstUnrepresented(selected, deferred []Ranked) int {
	present := make(map[evidence.SourceType]struct{})
	for _, cand := range selected {
		present[cand.Candidate.Scope] = struct{}{}
	}
	for i, cand := range deferred {
		if _, ok := present[cand.Candidate.Scope]; !ok {
			return i
		}
	}
	return -1
}
