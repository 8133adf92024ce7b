package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/clearcite/clearcite/internal/evidence"
)

const (
	defaultCohereEndpoint = "https://api.cohere.ai/v1/rerank"
	defaultCohereModel    = "rerank-english-v3.0"
	defaultCohereTimeout  = 30 * time.Second

	// maxDocumentChars bounds the content sent per candidate.
	maxDocumentChars = 1000
)

// CohereRanker is the cross-encoder tier, calling the Cohere rerank REST API.
type CohereRanker struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// CohereOption configures a CohereRanker.
type CohereOption func(*CohereRanker)

// WithCohereModel overrides the rerank model.
func WithCohereModel(model string) CohereOption {
	return func(c *CohereRanker) { c.model = model }
}

// WithCohereEndpoint overrides the API endpoint, mainly for tests.
func WithCohereEndpoint(endpoint string) CohereOption {
	return func(c *CohereRanker) { c.endpoint = endpoint }
}

// WithCohereTimeout overrides the request timeout.
func WithCohereTimeout(d time.Duration) CohereOption {
	return func(c *CohereRanker) { c.httpClient.Timeout = d }
}

// NewCohereRanker creates the cross-encoder tier. The API key is required.
func NewCohereRanker(apiKey string, opts ...CohereOption) (*CohereRanker, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: missing Cohere API key", ErrRankUnavailable)
	}
	c := &CohereRanker{
		apiKey:     apiKey,
		model:      defaultCohereModel,
		endpoint:   defaultCohereEndpoint,
		httpClient: &http.Client{Timeout: defaultCohereTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name identifies the tier.
func (c *CohereRanker) Name() string { return MethodCohere }

type cohereRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n"`
	ReturnDocuments bool     `json:"return_documents"`
}

type cohereResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rank sends query and candidate contents to the rerank API and maps the
// returned indices back onto the candidates.
func (c *CohereRanker) Rank(ctx context.Context, query string, candidates []evidence.ScoredChunk) ([]Ranked, error) {
	if len(candidates) == 0 {
		return nil, ErrEmptyRanking
	}

	documents := make([]string, len(candidates))
	for i, sc := range candidates {
		documents[i] = truncate(sc.Chunk.Content(), maxDocumentChars)
	}

	body, err := json.Marshal(cohereRequest{
		Model:           c.model,
		Query:           query,
		Documents:       documents,
		TopN:            len(documents),
		ReturnDocuments: false,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRankUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRankUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRankUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRankUnavailable, resp.StatusCode, payload)
	}

	var parsed cohereResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrRankUnavailable, err)
	}
	if len(parsed.Results) == 0 {
		return nil, ErrEmptyRanking
	}

	ranked := make([]Ranked, 0, len(parsed.Results))
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			continue
		}
		ranked = append(ranked, Ranked{
			Candidate: candidates[res.Index],
			Score:     res.RelevanceScore,
			Reason:    fmt.Sprintf("cohere_score=%.3f", res.RelevanceScore),
		})
	}
	if len(ranked) == 0 {
		return nil, ErrEmptyRanking
	}
	return ranked, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
