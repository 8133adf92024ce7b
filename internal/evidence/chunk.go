// Package evidence defines the retrievable units the engine operates on.
// Chunks are produced by an external indexing collaborator and treated as
// immutable inputs; this package only models them and derives their keys
// and citations.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SourceType discriminates the corpus a chunk was drawn from.
type SourceType string

const (
	SourceCode        SourceType = "code"
	SourceDiff        SourceType = "diff"
	SourceRepoDoc     SourceType = "repo_doc"
	SourceExternalDoc SourceType = "external_doc"
)

// AllSourceTypes lists every scope in a fixed order.
func AllSourceTypes() []SourceType {
	return []SourceType{SourceCode, SourceDiff, SourceRepoDoc, SourceExternalDoc}
}

// Valid reports whether t is one of the known source types.
func (t SourceType) Valid() bool {
	switch t {
	case SourceCode, SourceDiff, SourceRepoDoc, SourceExternalDoc:
		return true
	}
	return false
}

// Chunk is one retrievable unit of evidence. Concrete types carry only the
// metadata relevant to their source.
type Chunk interface {
	// SourceType returns the corpus discriminator.
	SourceType() SourceType

	// Key returns the identity key used for cross-scope deduplication:
	// (source_type, path-or-source-id, start_line, end_line).
	Key() string

	// DocKey returns the owning-document key used by diversity constraints.
	DocKey() string

	// Content returns the raw chunk text.
	Content() string
}

// CodeChunk is a span of source code.
type CodeChunk struct {
	ID        string
	Path      string
	StartLine int
	EndLine   int
	Language  string
	Symbol    string
	Text      string
}

func (c CodeChunk) SourceType() SourceType { return SourceCode }
func (c CodeChunk) Key() string            { return spanKey(SourceCode, c.Path, c.StartLine, c.EndLine) }
func (c CodeChunk) DocKey() string         { return c.Path }
func (c CodeChunk) Content() string        { return c.Text }

// DiffChunk is a span of a pull-request diff.
type DiffChunk struct {
	ID        string
	Path      string
	StartLine int
	EndLine   int
	Text      string
}

func (c DiffChunk) SourceType() SourceType { return SourceDiff }
func (c DiffChunk) Key() string            { return spanKey(SourceDiff, c.Path, c.StartLine, c.EndLine) }
func (c DiffChunk) DocKey() string         { return c.Path }
func (c DiffChunk) Content() string        { return c.Text }

// RepoDocChunk is a span of in-repository documentation.
type RepoDocChunk struct {
	ID        string
	Path      string
	StartLine int
	EndLine   int
	Text      string
}

func (c RepoDocChunk) SourceType() SourceType { return SourceRepoDoc }
func (c RepoDocChunk) Key() string {
	return spanKey(SourceRepoDoc, c.Path, c.StartLine, c.EndLine)
}
func (c RepoDocChunk) DocKey() string  { return c.Path }
func (c RepoDocChunk) Content() string { return c.Text }

// ExternalDocChunk is a span of an external knowledge-base page.
type ExternalDocChunk struct {
	ID         string
	SourceID   string
	URL        string
	LastEdited time.Time
	Text       string
}

func (c ExternalDocChunk) SourceType() SourceType { return SourceExternalDoc }

func (c ExternalDocChunk) Key() string {
	return spanKey(SourceExternalDoc, c.SourceID, 0, 0)
}

// DocKey prefers the page URL, falling back to the source ID when the page
// has none.
func (c ExternalDocChunk) DocKey() string {
	if c.URL != "" {
		return c.URL
	}
	return c.SourceID
}

func (c ExternalDocChunk) Content() string { return c.Text }

func spanKey(t SourceType, pathOrID string, start, end int) string {
	return fmt.Sprintf("%s:%s:%d-%d", t, pathOrID, start, end)
}

// ContentHash returns the hex sha256 of the chunk content.
func ContentHash(c Chunk) string {
	sum := sha256.Sum256([]byte(c.Content()))
	return hex.EncodeToString(sum[:])
}

// Citation formats the citation for a chunk in its wire format. Repo-backed
// chunks cite as "path:start-end @ sha" using the head SHA of the change
// under review; external documents cite as "url (edited: timestamp)".
func Citation(c Chunk, headSHA string) string {
	switch ch := c.(type) {
	case CodeChunk:
		return repoCitation(ch.Path, ch.StartLine, ch.EndLine, headSHA)
	case DiffChunk:
		return repoCitation(ch.Path, ch.StartLine, ch.EndLine, headSHA)
	case RepoDocChunk:
		return repoCitation(ch.Path, ch.StartLine, ch.EndLine, headSHA)
	case ExternalDocChunk:
		return fmt.Sprintf("%s (edited: %s)", ch.DocKey(), ch.LastEdited.UTC().Format(time.RFC3339))
	default:
		return c.Key()
	}
}

func repoCitation(path string, start, end int, sha string) string {
	if sha == "" {
		sha = "unknown"
	}
	return fmt.Sprintf("%s:%d-%d @ %s", path, start, end, sha)
}

// ScoredChunk pairs a chunk with its raw similarity score, its
// scope-normalized score and its intent-weighted score. Created fresh per
// query and never persisted.
type ScoredChunk struct {
	Chunk      Chunk
	Scope      SourceType
	Raw        float64
	Normalized float64
	Weighted   float64
}
