// Package pipeline wires classification, retrieval, reranking and
// verification into the end-to-end query engine.
package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/clearcite/clearcite/internal/embed"
	"github.com/clearcite/clearcite/internal/evidence"
	"github.com/clearcite/clearcite/internal/intent"
	"github.com/clearcite/clearcite/internal/llm"
	"github.com/clearcite/clearcite/internal/rerank"
	"github.com/clearcite/clearcite/internal/retrieve"
	"github.com/clearcite/clearcite/internal/store"
	"github.com/clearcite/clearcite/internal/verify"
)

// Config holds configuration for the query pipeline.
type Config struct {
	// TopK is the number of chunks returned to the caller
	TopK int

	// PreRerankTopK is the candidate pool size handed to the reranker
	PreRerankTopK int

	// MinScore is the similarity cut applied inside each scope search
	MinScore float64

	// MaxChunksPerDoc caps chunks selected from one document during
	// the diversity pass
	MaxChunksPerDoc int

	// MinDistinctSources is the source-type coverage target for the
	// diversity pass
	MinDistinctSources int

	// DisableRerank skips the relevance tiers; candidates keep their
	// retrieval order
	DisableRerank bool

	// DisableDiversity skips the per-document cap and coverage pass
	DisableDiversity bool

	// DisableIntentRouting classifies everything as general with
	// uniform scope weights
	DisableIntentRouting bool

	// EmbedderModel is the model to use for query embeddings
	EmbedderModel string

	// EmbedderDimension is the vector dimension for embeddings
	EmbedderDimension int

	// CohereAPIKey enables the first rerank tier when set
	CohereAPIKey string

	// LLMConfig holds the LLM configuration for the fallback rerank tier
	LLMConfig llm.Config

	// MilvusConfig holds the Milvus vector store configuration
	MilvusConfig store.Config
}

// DefaultConfig returns sensible defaults for the query pipeline.
func DefaultConfig() Config {
	return Config{
		TopK:               10,
		PreRerankTopK:      40,
		MinScore:           0.7,
		MaxChunksPerDoc:    2,
		MinDistinctSources: 2,
		EmbedderModel:      embed.DefaultModel,
		EmbedderDimension:  embed.DefaultDimension,
		CohereAPIKey:       os.Getenv("COHERE_API_KEY"),
		LLMConfig:          llm.DefaultConfig(),
		MilvusConfig:       store.DefaultConfig(),
	}
}

// Result is the answer to one query: the selected evidence plus the
// decisions that produced it.
type Result struct {
	Intent   intent.Result
	Chunks   []evidence.ScoredChunk
	Reasons  []string
	Retrieve retrieve.Stats
	Rerank   rerank.Stats
}

// Engine orchestrates the query path end to end.
type Engine struct {
	config     Config
	classifier *intent.Classifier
	retriever  *retrieve.Retriever
	reranker   *rerank.Reranker
	verifier   *verify.Verifier
	store      *store.MilvusStore
}

// NewEngine creates an engine with the given configuration, connecting
// the embedding provider and the vector store.
func NewEngine(ctx context.Context, config Config) (*Engine, error) {
	embedder, err := embed.NewOpenAIEmbedder(config.EmbedderModel, config.EmbedderDimension)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	vectorStore, err := store.NewMilvusStore(ctx, config.MilvusConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector store: %w", err)
	}

	retriever, err := retrieve.NewRetriever(embedder, vectorStore, config.MinScore)
	if err != nil {
		vectorStore.Close()
		return nil, fmt.Errorf("failed to create retriever: %w", err)
	}

	reranker, err := buildReranker(config)
	if err != nil {
		vectorStore.Close()
		return nil, err
	}

	return &Engine{
		config:     config,
		classifier: intent.NewClassifier(),
		retriever:  retriever,
		reranker:   reranker,
		verifier:   verify.NewVerifier(),
		store:      vectorStore,
	}, nil
}

// buildReranker assembles the tier chain from configuration. With
// reranking disabled the chain is empty and candidates pass through
// in retrieval order.
func buildReranker(config Config) (*rerank.Reranker, error) {
	opts := rerank.Options{
		MaxPerDoc:          config.MaxChunksPerDoc,
		MinDistinctSources: config.MinDistinctSources,
		DisableDiversity:   config.DisableDiversity,
	}

	if config.DisableRerank {
		return rerank.NewReranker(opts), nil
	}

	var tiers []rerank.Ranker

	if config.CohereAPIKey != "" {
		cohere, err := rerank.NewCohereRanker(config.CohereAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create cohere ranker: %w", err)
		}
		tiers = append(tiers, cohere)
	} else {
		log.Debug().Msg("no cohere api key, skipping cross-encoder tier")
	}

	model, err := llm.NewOpenAILLM(config.LLMConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm: %w", err)
	}
	llmRanker, err := rerank.NewLLMRanker(model, config.TopK)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm ranker: %w", err)
	}
	tiers = append(tiers, llmRanker)

	return rerank.NewReranker(opts, tiers...), nil
}

// Close releases resources held by the engine.
func (e *Engine) Close() error {
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// Query runs the full pipeline: classify the question, retrieve scoped
// candidates, rerank and select. The verification stage is separate;
// see Verify.
func (e *Engine) Query(ctx context.Context, query string, filters retrieve.Filters) (*Result, error) {
	var intentResult intent.Result
	if e.config.DisableIntentRouting {
		intentResult = intent.Result{
			Intent:       intent.General,
			ScopeWeights: intent.UniformWeights(),
		}
	} else {
		intentResult = e.classifier.Classify(query)
	}

	log.Debug().
		Str("intent", string(intentResult.Intent)).
		Float64("confidence", intentResult.Confidence).
		Msg("classified query")

	// The diversity pass needs surplus candidates to fill deferred slots
	// from, so the full pre-rerank pool is retrieved even when the rank
	// tiers are disabled.
	poolK := e.config.PreRerankTopK
	if poolK < e.config.TopK {
		poolK = e.config.TopK
	}

	candidates, retrieveStats, err := e.retriever.Retrieve(ctx, query, filters, intentResult.ScopeWeights, poolK)
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}

	set := e.reranker.Rerank(ctx, query, candidates, e.config.TopK)

	log.Debug().
		Str("method", set.Stats.Method).
		Int("candidates", len(candidates)).
		Int("selected", len(set.Chunks)).
		Msg("reranked candidates")

	return &Result{
		Intent:   intentResult,
		Chunks:   set.Chunks,
		Reasons:  set.Reasons,
		Retrieve: retrieveStats,
		Rerank:   set.Stats,
	}, nil
}

// Verify checks a narrative for hard claims missing a valid citation.
// It never blocks; callers decide what to do with the report.
func (e *Engine) Verify(narrative string) verify.Report {
	return e.verifier.Verify(narrative)
}
