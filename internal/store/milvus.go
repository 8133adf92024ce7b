// Package store provides the Milvus-backed vector store boundary. The write
// path belongs to the external indexing collaborator; the engine only reads
// through Search.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/clearcite/clearcite/internal/evidence"
	"github.com/clearcite/clearcite/internal/retrieve"
)

// Common errors for Milvus operations
var (
	ErrInvalidDimension = errors.New("invalid vector dimension")
	ErrEmptyRecords     = errors.New("no records provided for insertion")
	ErrConnectionFailed = errors.New("failed to connect to Milvus")
	ErrInsertFailed     = errors.New("failed to insert records")
	ErrSearchFailed     = errors.New("failed to search vectors")
)

// Config holds configuration for the Milvus connection and collection.
type Config struct {
	Address        string // Milvus server address (e.g., "localhost:19530")
	CollectionName string // Name of the collection
	Dimension      int    // Vector dimension (e.g., 1536 for text-embedding-3-small)
	IndexType      string // Index type (default: "HNSW")
	MetricType     string // Similarity metric (default: "COSINE")

	// HNSW index parameters
	M              int // HNSW M parameter (default: 16)
	EfConstruction int // HNSW efConstruction (default: 256)
}

// DefaultConfig returns default configuration from environment variables.
func DefaultConfig() Config {
	address := os.Getenv("MILVUS_ADDRESS")
	if address == "" {
		address = "localhost:19530"
	}

	collection := os.Getenv("MILVUS_COLLECTION")
	if collection == "" {
		collection = "clearcite_chunks"
	}

	return Config{
		Address:        address,
		CollectionName: collection,
		Dimension:      1536,
		IndexType:      "HNSW",
		MetricType:     "COSINE",
		M:              16,
		EfConstruction: 256,
	}
}

// Record is one chunk prepared for insertion by the indexing collaborator.
type Record struct {
	Chunk     evidence.Chunk
	Embedding []float32
	Tenant    string
	Repo      string
	PRNumber  int
	HeadSHA   string
}

// MilvusStore implements the similarity-search boundary over Milvus.
type MilvusStore struct {
	client client.Client
	config Config
}

// NewMilvusStore connects to Milvus and ensures the collection exists.
func NewMilvusStore(ctx context.Context, config Config) (*MilvusStore, error) {
	if config.Dimension <= 0 {
		return nil, ErrInvalidDimension
	}

	c, err := client.NewGrpcClient(ctx, config.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &MilvusStore{
		client: c,
		config: config,
	}

	if err := store.ensureCollection(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return store, nil
}

// ensureCollection creates the collection with schema if it doesn't exist.
func (m *MilvusStore) ensureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.config.CollectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if has {
		return nil
	}

	varchar := func(name string, maxLen int) *entity.Field {
		return &entity.Field{
			Name:     name,
			DataType: entity.FieldTypeVarChar,
			TypeParams: map[string]string{
				"max_length": fmt.Sprintf("%d", maxLen),
			},
		}
	}

	schema := &entity.Schema{
		CollectionName: m.config.CollectionName,
		AutoID:         true,
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeInt64,
				PrimaryKey: true,
				AutoID:     true,
			},
			varchar("chunk_id", 64),
			varchar("source_type", 16),
			varchar("path", 1024),
			varchar("source_id", 128),
			varchar("url", 2048),
			varchar("language", 32),
			varchar("symbol", 256),
			varchar("content", 65535),
			varchar("content_hash", 64),
			varchar("tenant", 64),
			varchar("repo", 256),
			varchar("head_sha", 40),
			{Name: "start_line", DataType: entity.FieldTypeInt64},
			{Name: "end_line", DataType: entity.FieldTypeInt64},
			{Name: "last_edited", DataType: entity.FieldTypeInt64}, // Unix timestamp
			{Name: "pr_number", DataType: entity.FieldTypeInt64},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.config.Dimension),
				},
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexHNSW(entity.COSINE, m.config.M, m.config.EfConstruction)
	if err != nil {
		return fmt.Errorf("failed to create index config: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.config.CollectionName, "embedding", idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := m.client.LoadCollection(ctx, m.config.CollectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	return nil
}

// buildFilterExpr builds the boolean filter expression for one scope search.
func buildFilterExpr(scope evidence.SourceType, f retrieve.Filters) string {
	terms := []string{fmt.Sprintf(`source_type == "%s"`, scope)}
	if f.Tenant != "" {
		terms = append(terms, fmt.Sprintf(`tenant == "%s"`, escapeExpr(f.Tenant)))
	}
	if f.Repo != "" {
		terms = append(terms, fmt.Sprintf(`repo == "%s"`, escapeExpr(f.Repo)))
	}
	if f.PRNumber > 0 {
		terms = append(terms, fmt.Sprintf(`pr_number == %d`, f.PRNumber))
	}
	if f.HeadSHA != "" {
		terms = append(terms, fmt.Sprintf(`head_sha == "%s"`, escapeExpr(f.HeadSHA)))
	}
	return strings.Join(terms, " and ")
}

func escapeExpr(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// Search performs a top-k similarity search for one scope, applying the
// minimum-score cut. Scores are cosine similarity in [0,1].
func (m *MilvusStore) Search(
	ctx context.Context,
	queryVector []float32,
	scope evidence.SourceType,
	filters retrieve.Filters,
	k int,
	minScore float64,
) ([]retrieve.Hit, error) {
	if len(queryVector) != m.config.Dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidDimension, m.config.Dimension, len(queryVector))
	}

	sp, err := entity.NewIndexHNSWSearchParam(64) // ef parameter for search
	if err != nil {
		return nil, fmt.Errorf("failed to create search params: %w", err)
	}

	expr := buildFilterExpr(scope, filters)
	vectors := []entity.Vector{entity.FloatVector(queryVector)}
	outputFields := []string{
		"chunk_id", "source_type", "path", "source_id", "url",
		"language", "symbol", "content", "start_line", "end_line", "last_edited",
	}

	results, err := m.client.Search(
		ctx,
		m.config.CollectionName,
		nil, // partition names
		expr,
		outputFields,
		vectors,
		"embedding",
		entity.COSINE,
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	if len(results) == 0 {
		return []retrieve.Hit{}, nil
	}

	res := results[0]
	hits := make([]retrieve.Hit, 0, res.ResultCount)

	for i := 0; i < res.ResultCount; i++ {
		score := float64(res.Scores[i])
		if score < minScore {
			continue
		}

		row := rowFields{}
		for _, field := range res.Fields {
			switch field.Name() {
			case "chunk_id":
				row.chunkID = varcharAt(field, i)
			case "source_type":
				row.sourceType = varcharAt(field, i)
			case "path":
				row.path = varcharAt(field, i)
			case "source_id":
				row.sourceID = varcharAt(field, i)
			case "url":
				row.url = varcharAt(field, i)
			case "language":
				row.language = varcharAt(field, i)
			case "symbol":
				row.symbol = varcharAt(field, i)
			case "content":
				row.content = varcharAt(field, i)
			case "start_line":
				row.startLine = int64At(field, i)
			case "end_line":
				row.endLine = int64At(field, i)
			case "last_edited":
				row.lastEdited = int64At(field, i)
			}
		}

		chunk, err := row.toChunk()
		if err != nil {
			// Rows with an unknown discriminator are skipped, not fatal.
			continue
		}
		hits = append(hits, retrieve.Hit{Chunk: chunk, Score: score})
	}

	return hits, nil
}

type rowFields struct {
	chunkID    string
	sourceType string
	path       string
	sourceID   string
	url        string
	language   string
	symbol     string
	content    string
	startLine  int64
	endLine    int64
	lastEdited int64
}

// toChunk materializes the stored row as its source-type variant.
func (r rowFields) toChunk() (evidence.Chunk, error) {
	switch evidence.SourceType(r.sourceType) {
	case evidence.SourceCode:
		return evidence.CodeChunk{
			ID:        r.chunkID,
			Path:      r.path,
			StartLine: int(r.startLine),
			EndLine:   int(r.endLine),
			Language:  r.language,
			Symbol:    r.symbol,
			Text:      r.content,
		}, nil
	case evidence.SourceDiff:
		return evidence.DiffChunk{
			ID:        r.chunkID,
			Path:      r.path,
			StartLine: int(r.startLine),
			EndLine:   int(r.endLine),
			Text:      r.content,
		}, nil
	case evidence.SourceRepoDoc:
		return evidence.RepoDocChunk{
			ID:        r.chunkID,
			Path:      r.path,
			StartLine: int(r.startLine),
			EndLine:   int(r.endLine),
			Text:      r.content,
		}, nil
	case evidence.SourceExternalDoc:
		return evidence.ExternalDocChunk{
			ID:         r.chunkID,
			SourceID:   r.sourceID,
			URL:        r.url,
			LastEdited: time.Unix(r.lastEdited, 0).UTC(),
			Text:       r.content,
		}, nil
	default:
		return nil, fmt.Errorf("unknown source type %q", r.sourceType)
	}
}

func varcharAt(col entity.Column, i int) string {
	if c, ok := col.(*entity.ColumnVarChar); ok && i < len(c.Data()) {
		return c.Data()[i]
	}
	return ""
}

func int64At(col entity.Column, i int) int64 {
	if c, ok := col.(*entity.ColumnInt64); ok && i < len(c.Data()) {
		return c.Data()[i]
	}
	return 0
}

// Insert adds chunk records. This is the indexing collaborator's write path;
// the retrieval engine never calls it.
func (m *MilvusStore) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return ErrEmptyRecords
	}

	n := len(records)
	chunkIDs := make([]string, n)
	sourceTypes := make([]string, n)
	paths := make([]string, n)
	sourceIDs := make([]string, n)
	urls := make([]string, n)
	languages := make([]string, n)
	symbols := make([]string, n)
	contents := make([]string, n)
	hashes := make([]string, n)
	tenants := make([]string, n)
	repos := make([]string, n)
	headSHAs := make([]string, n)
	startLines := make([]int64, n)
	endLines := make([]int64, n)
	lastEdits := make([]int64, n)
	prNumbers := make([]int64, n)
	embeddings := make([][]float32, n)

	for i, rec := range records {
		if len(rec.Embedding) != m.config.Dimension {
			return fmt.Errorf("%w: record %d has dimension %d, expected %d",
				ErrInvalidDimension, i, len(rec.Embedding), m.config.Dimension)
		}

		sourceTypes[i] = string(rec.Chunk.SourceType())
		contents[i] = rec.Chunk.Content()
		hashes[i] = evidence.ContentHash(rec.Chunk)
		tenants[i] = rec.Tenant
		repos[i] = rec.Repo
		headSHAs[i] = rec.HeadSHA
		prNumbers[i] = int64(rec.PRNumber)
		embeddings[i] = rec.Embedding

		switch c := rec.Chunk.(type) {
		case evidence.CodeChunk:
			chunkIDs[i] = c.ID
			paths[i] = c.Path
			startLines[i] = int64(c.StartLine)
			endLines[i] = int64(c.EndLine)
			languages[i] = c.Language
			symbols[i] = c.Symbol
		case evidence.DiffChunk:
			chunkIDs[i] = c.ID
			paths[i] = c.Path
			startLines[i] = int64(c.StartLine)
			endLines[i] = int64(c.EndLine)
		case evidence.RepoDocChunk:
			chunkIDs[i] = c.ID
			paths[i] = c.Path
			startLines[i] = int64(c.StartLine)
			endLines[i] = int64(c.EndLine)
		case evidence.ExternalDocChunk:
			chunkIDs[i] = c.ID
			sourceIDs[i] = c.SourceID
			urls[i] = c.URL
			lastEdits[i] = c.LastEdited.Unix()
		default:
			return fmt.Errorf("record %d: unknown chunk type %T", i, rec.Chunk)
		}
	}

	columns := []entity.Column{
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnVarChar("source_type", sourceTypes),
		entity.NewColumnVarChar("path", paths),
		entity.NewColumnVarChar("source_id", sourceIDs),
		entity.NewColumnVarChar("url", urls),
		entity.NewColumnVarChar("language", languages),
		entity.NewColumnVarChar("symbol", symbols),
		entity.NewColumnVarChar("content", contents),
		entity.NewColumnVarChar("content_hash", hashes),
		entity.NewColumnVarChar("tenant", tenants),
		entity.NewColumnVarChar("repo", repos),
		entity.NewColumnVarChar("head_sha", headSHAs),
		entity.NewColumnInt64("start_line", startLines),
		entity.NewColumnInt64("end_line", endLines),
		entity.NewColumnInt64("last_edited", lastEdits),
		entity.NewColumnInt64("pr_number", prNumbers),
		entity.NewColumnFloatVector("embedding", m.config.Dimension, embeddings),
	}

	if _, err := m.client.Insert(ctx, m.config.CollectionName, "", columns...); err != nil {
		return fmt.Errorf("%w: %v", ErrInsertFailed, err)
	}

	if err := m.client.Flush(ctx, m.config.CollectionName, false); err != nil {
		return fmt.Errorf("failed to flush data: %w", err)
	}

	return nil
}

// Delete removes records by chunk IDs.
func (m *MilvusStore) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	terms := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		terms[i] = fmt.Sprintf(`chunk_id == "%s"`, escapeExpr(id))
	}

	if err := m.client.Delete(ctx, m.config.CollectionName, "", strings.Join(terms, " or ")); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}

	return nil
}

// GetStats returns collection statistics.
func (m *MilvusStore) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats, err := m.client.GetCollectionStatistics(ctx, m.config.CollectionName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	return map[string]interface{}{
		"row_count": stats["row_count"],
	}, nil
}

// Close releases resources and closes the Milvus connection.
func (m *MilvusStore) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
