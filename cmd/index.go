package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/clearcite/clearcite/internal/embed"
	"github.com/clearcite/clearcite/internal/evidence"
	"github.com/clearcite/clearcite/internal/store"
)

var (
	indexTenant  string
	indexRepo    string
	indexPR      int
	indexHeadSHA string
	indexBatch   int
	indexReplace bool
)

var indexCmd = &cobra.Command{
	Use:   "index [file]",
	Short: "Index evidence chunks into the vector store",
	Long: `Index evidence chunks from a JSONL file into the vector store.

Each line is one chunk:
  {"id": "c1", "source_type": "code", "path": "auth.py", "start_line": 10,
   "end_line": 20, "language": "python", "symbol": "validate", "text": "..."}
  {"id": "e1", "source_type": "external_doc", "source_id": "notion-123",
   "url": "https://notion.so/page", "last_edited": "2024-03-01T09:00:00Z",
   "text": "..."}

Chunks are embedded in batches and written with the tenant, repo and
commit metadata given by the flags.

Required environment variables:
  OPENAI_API_KEY     - OpenAI API key for embeddings
  MILVUS_ADDRESS     - Milvus server address (default: localhost:19530)

Examples:
  clearcite index chunks.jsonl --tenant acme --repo acme/api --sha deadbeefcafe
  clearcite index diff_chunks.jsonl --repo acme/api --pr 42 --sha deadbeefcafe`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().StringVar(&indexTenant, "tenant", "", "Tenant identifier")
	indexCmd.Flags().StringVar(&indexRepo, "repo", "", "Repository in owner/name form")
	indexCmd.Flags().IntVar(&indexPR, "pr", 0, "Pull request number for diff chunks")
	indexCmd.Flags().StringVar(&indexHeadSHA, "sha", "", "Head commit SHA the chunks were taken from")
	indexCmd.Flags().IntVar(&indexBatch, "batch", 32, "Embedding batch size")
	indexCmd.Flags().BoolVar(&indexReplace, "replace", false, "Delete existing records for these chunk IDs before inserting")
}

// chunkLine is the JSONL representation of one evidence chunk.
type chunkLine struct {
	ID         string `json:"id"`
	SourceType string `json:"source_type"`
	Path       string `json:"path,omitempty"`
	SourceID   string `json:"source_id,omitempty"`
	URL        string `json:"url,omitempty"`
	LastEdited string `json:"last_edited,omitempty"`
	StartLine  int    `json:"start_line,omitempty"`
	EndLine    int    `json:"end_line,omitempty"`
	Language   string `json:"language,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
	Text       string `json:"text"`
}

func (l chunkLine) toChunk() (evidence.Chunk, error) {
	switch evidence.SourceType(l.SourceType) {
	case evidence.SourceCode:
		return evidence.CodeChunk{
			ID: l.ID, Path: l.Path, StartLine: l.StartLine, EndLine: l.EndLine,
			Language: l.Language, Symbol: l.Symbol, Text: l.Text,
		}, nil
	case evidence.SourceDiff:
		return evidence.DiffChunk{
			ID: l.ID, Path: l.Path, StartLine: l.StartLine, EndLine: l.EndLine, Text: l.Text,
		}, nil
	case evidence.SourceRepoDoc:
		return evidence.RepoDocChunk{
			ID: l.ID, Path: l.Path, StartLine: l.StartLine, EndLine: l.EndLine, Text: l.Text,
		}, nil
	case evidence.SourceExternalDoc:
		edited, err := time.Parse(time.RFC3339, l.LastEdited)
		if err != nil {
			return nil, fmt.Errorf("invalid last_edited %q: %w", l.LastEdited, err)
		}
		return evidence.ExternalDocChunk{
			ID: l.ID, SourceID: l.SourceID, URL: l.URL, LastEdited: edited, Text: l.Text,
		}, nil
	default:
		return nil, fmt.Errorf("unknown source_type %q", l.SourceType)
	}
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if os.Getenv("OPENAI_API_KEY") == "" {
		return fmt.Errorf("OPENAI_API_KEY environment variable is required")
	}

	chunks, ids, err := readChunkFile(args[0])
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return fmt.Errorf("no chunks found in %s", args[0])
	}

	embedder, err := embed.NewOpenAIEmbedder(embed.DefaultModel, embed.DefaultDimension)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	vectorStore, err := store.NewMilvusStore(ctx, store.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}
	defer vectorStore.Close()

	if indexReplace {
		if err := vectorStore.Delete(ctx, ids); err != nil {
			return fmt.Errorf("failed to delete existing records: %w", err)
		}
		log.Debug().Int("ids", len(ids)).Msg("deleted existing records")
	}

	inserted := 0
	for start := 0; start < len(chunks); start += indexBatch {
		end := start + indexBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content()
		}

		records, err := embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding batch at %d failed: %w", start, err)
		}
		if len(records) != len(batch) {
			return fmt.Errorf("embedding batch at %d returned %d vectors for %d chunks",
				start, len(records), len(batch))
		}

		rows := make([]store.Record, len(batch))
		for i, c := range batch {
			rows[i] = store.Record{
				Chunk:     c,
				Embedding: records[i].Embedding,
				Tenant:    indexTenant,
				Repo:      indexRepo,
				PRNumber:  indexPR,
				HeadSHA:   indexHeadSHA,
			}
		}

		if err := vectorStore.Insert(ctx, rows); err != nil {
			return fmt.Errorf("insert batch at %d failed: %w", start, err)
		}
		inserted += len(batch)
		log.Debug().Int("inserted", inserted).Int("total", len(chunks)).Msg("indexed batch")
	}

	okStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	fmt.Println(okStyle.Render(fmt.Sprintf("Indexed %d chunks.", inserted)))

	if stats, err := vectorStore.GetStats(ctx); err == nil {
		fmt.Printf("Collection rows: %v\n", stats["row_count"])
	} else {
		log.Warn().Err(err).Msg("could not read collection stats")
	}

	return nil
}

// readChunkFile parses a JSONL chunk file into chunks and their IDs,
// rejecting the whole file on the first malformed line so partial indexes
// don't go unnoticed.
func readChunkFile(path string) ([]evidence.Chunk, []string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	var (
		chunks []evidence.Chunk
		ids    []string
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var parsed chunkLine
		if err := json.Unmarshal(line, &parsed); err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		chunk, err := parsed.toChunk()
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		chunks = append(chunks, chunk)
		ids = append(ids, parsed.ID)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return chunks, ids, nil
}
