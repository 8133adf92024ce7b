// Package retrieve implements scoped similarity retrieval: one search per
// evidence scope, score normalization, intent weighting, and cross-scope
// merge with deduplication.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/clearcite/clearcite/internal/embed"
	"github.com/clearcite/clearcite/internal/evidence"
	"github.com/clearcite/clearcite/internal/intent"
)

// Common errors for retrieval operations
var (
	ErrEmbeddingFailed = errors.New("query embedding failed")
	ErrInvalidTopK     = errors.New("topK must be positive")
)

// perScopeFactor oversizes each scope search relative to the final budget so
// dedupe and reranking have enough material.
const perScopeFactor = 4

// Hit is one result from the similarity-search boundary: a chunk plus its
// raw similarity score as reported by the store.
type Hit struct {
	Chunk evidence.Chunk
	Score float64
}

// Filters narrows a similarity search to one tenant's corpus and optionally
// to a repository, pull request, head SHA, or subset of source types.
type Filters struct {
	Tenant      string
	Repo        string
	PRNumber    int
	HeadSHA     string
	SourceTypes []evidence.SourceType
}

// Scopes returns the source types the filters imply, in fixed order. An
// empty filter means every scope.
func (f Filters) Scopes() []evidence.SourceType {
	if len(f.SourceTypes) == 0 {
		return evidence.AllSourceTypes()
	}
	return f.SourceTypes
}

// Searcher is the external vector-store boundary. One call searches one
// scope; the store owns filtering and the minimum-score cut.
type Searcher interface {
	Search(ctx context.Context, queryVector []float32, scope evidence.SourceType, filters Filters, k int, minScore float64) ([]Hit, error)
}

// ScopeStats describes one scope's contribution to a retrieval call.
type ScopeStats struct {
	Count    int           `json:"count"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// Stats reports what a retrieval call actually searched.
type Stats struct {
	Scopes          map[evidence.SourceType]ScopeStats `json:"scopes"`
	TotalCandidates int                                `json:"total_candidates"`
	DedupeDropped   int                                `json:"dedupe_dropped"`
	Merged          int                                `json:"merged"`
}

// Retriever issues per-scope similarity searches and merges them into a
// single ranked candidate set. Each call is request scoped; the retriever
// itself holds no mutable state.
type Retriever struct {
	embedder embed.Embedder
	searcher Searcher
	minScore float64
}

// NewRetriever creates a Retriever over the given boundaries.
func NewRetriever(embedder embed.Embedder, searcher Searcher, minScore float64) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if searcher == nil {
		return nil, fmt.Errorf("searcher cannot be nil")
	}
	return &Retriever{
		embedder: embedder,
		searcher: searcher,
		minScore: minScore,
	}, nil
}

// Retrieve embeds the query once, searches every implied scope concurrently,
// normalizes and weights each scope's scores, then merges, dedupes and
// truncates to topK.
//
// A failing scope contributes nothing and is recorded in the stats; only an
// embedding failure aborts the call.
func (r *Retriever) Retrieve(
	ctx context.Context,
	query string,
	filters Filters,
	weights intent.ScopeWeights,
	topK int,
) ([]evidence.ScoredChunk, Stats, error) {
	stats := Stats{Scopes: make(map[evidence.SourceType]ScopeStats)}

	if topK <= 0 {
		return nil, stats, fmt.Errorf("%w: got %d", ErrInvalidTopK, topK)
	}

	records, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, stats, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(records) == 0 {
		return nil, stats, fmt.Errorf("%w: provider returned no vector", ErrEmbeddingFailed)
	}
	queryVector := records[0].Embedding

	scopes := filters.Scopes()
	perScopeK := perScopeFactor * topK

	type scopeResult struct {
		scope evidence.SourceType
		hits  []Hit
		took  time.Duration
		err   error
	}

	results := make([]scopeResult, len(scopes))
	var wg sync.WaitGroup

	for i, scope := range scopes {
		wg.Add(1)
		go func(i int, scope evidence.SourceType) {
			defer wg.Done()
			start := time.Now()
			hits, err := r.searcher.Search(ctx, queryVector, scope, filters, perScopeK, r.minScore)
			results[i] = scopeResult{scope: scope, hits: hits, took: time.Since(start), err: err}
		}(i, scope)
	}
	wg.Wait()

	var all []evidence.ScoredChunk
	for _, res := range results {
		ss := ScopeStats{Count: len(res.hits), Duration: res.took}
		if res.err != nil {
			ss.Err = res.err.Error()
			ss.Count = 0
			log.Warn().
				Str("scope", string(res.scope)).
				Err(res.err).
				Msg("scope search failed, contributing no candidates")
			stats.Scopes[res.scope] = ss
			continue
		}
		stats.Scopes[res.scope] = ss

		normalized := normalizeScores(res.hits)
		weight := weights[res.scope]
		if weight == 0 {
			weight = 1.0
		}
		for j, hit := range res.hits {
			all = append(all, evidence.ScoredChunk{
				Chunk:      hit.Chunk,
				Scope:      res.scope,
				Raw:        hit.Score,
				Normalized: normalized[j],
				Weighted:   normalized[j] * weight,
			})
		}
	}

	stats.TotalCandidates = len(all)

	merged, dropped := Merge(all)
	stats.DedupeDropped = dropped

	if len(merged) > topK {
		merged = merged[:topK]
	}
	stats.Merged = len(merged)

	log.Debug().
		Int("candidates", stats.TotalCandidates).
		Int("dedupe_dropped", stats.DedupeDropped).
		Int("merged", stats.Merged).
		Msg("retrieval complete")

	return merged, stats, nil
}

// normalizeScores maps a scope batch's raw scores into [0,1]. A batch that is
// already bounded (cosine similarity) passes through unchanged; otherwise the
// batch is min-max scaled, with a degenerate batch collapsing to 1.0.
func normalizeScores(hits []Hit) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}

	bounded := true
	minScore, maxScore := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < 0 || h.Score > 1 {
			bounded = false
		}
		if h.Score < minScore {
			minScore = h.Score
		}
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}

	if bounded {
		for i, h := range hits {
			out[i] = h.Score
		}
		return out
	}

	span := maxScore - minScore
	for i, h := range hits {
		if span > 0 {
			out[i] = (h.Score - minScore) / span
		} else {
			out[i] = 1.0
		}
	}
	return out
}

// Merge deduplicates candidates by identity key, keeping the highest weighted
// score on collision, and sorts descending by weighted score with a
// lexicographic identity-key tie-break. It returns the merged set and the
// number of candidates dropped by dedupe. Merge is idempotent.
func Merge(candidates []evidence.ScoredChunk) ([]evidence.ScoredChunk, int) {
	byKey := make(map[string]evidence.ScoredChunk, len(candidates))
	dropped := 0
	for _, sc := range candidates {
		key := sc.Chunk.Key()
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = sc
			continue
		}
		dropped++
		if sc.Weighted > existing.Weighted {
			byKey[key] = sc
		}
	}

	merged := make([]evidence.ScoredChunk, 0, len(byKey))
	for _, sc := range byKey {
		merged = append(merged, sc)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Weighted != merged[j].Weighted {
			return merged[i].Weighted > merged[j].Weighted
		}
		return merged[i].Chunk.Key() < merged[j].Chunk.Key()
	})

	return merged, dropped
}
