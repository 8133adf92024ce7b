package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/go-github/v77/github"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clearcite/clearcite/internal/evidence"
	"github.com/clearcite/clearcite/internal/pipeline"
	"github.com/clearcite/clearcite/internal/retrieve"
)

var (
	queryRepo    string
	queryTenant  string
	queryPR      int
	queryHeadSHA string
	queryScopes  []string
	queryTopK    int
	noRerank     bool
	noDiversity  bool
	noIntent     bool
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Retrieve scoped evidence for a question",
	Long: `Retrieve the most relevant evidence chunks for a natural language question.

The question is classified by intent, searched across all scopes with
intent-specific weighting, reranked and returned with stable citations.

Required environment variables:
  OPENAI_API_KEY     - OpenAI API key for embeddings and the rerank fallback
  MILVUS_ADDRESS     - Milvus server address (default: localhost:19530)

Optional:
  COHERE_API_KEY     - enables the cross-encoder rerank tier
  GITHUB_TOKEN       - used to resolve --pr to a head commit SHA

Examples:
  clearcite query "What is our error handling policy?"
  clearcite query "Why does the session handler retry?" --repo acme/api --pr 42
  clearcite query "How do we deploy?" --scopes repo_doc,external_doc --top-k 5`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVar(&queryRepo, "repo", "", "Repository in owner/name form")
	queryCmd.Flags().StringVar(&queryTenant, "tenant", "", "Tenant identifier")
	queryCmd.Flags().IntVar(&queryPR, "pr", 0, "Pull request number to scope diff evidence to")
	queryCmd.Flags().StringVar(&queryHeadSHA, "sha", "", "Head commit SHA for citations (resolved from --pr when omitted)")
	queryCmd.Flags().StringSliceVar(&queryScopes, "scopes", nil, "Restrict search to these source types (code, diff, repo_doc, external_doc)")
	queryCmd.Flags().IntVar(&queryTopK, "top-k", 0, "Number of chunks to return (default from config)")
	queryCmd.Flags().BoolVar(&noRerank, "no-rerank", false, "Skip the rerank tiers, keep retrieval order")
	queryCmd.Flags().BoolVar(&noDiversity, "no-diversity", false, "Skip the per-document cap and coverage pass")
	queryCmd.Flags().BoolVar(&noIntent, "no-intent", false, "Skip intent routing, weight all scopes equally")
}

func runQuery(cmd *cobra.Command, args []string) error {
	question := args[0]
	ctx := context.Background()

	if os.Getenv("OPENAI_API_KEY") == "" {
		return fmt.Errorf("OPENAI_API_KEY environment variable is required")
	}

	config := configFromViper()
	config.DisableRerank = config.DisableRerank || noRerank
	config.DisableDiversity = config.DisableDiversity || noDiversity
	config.DisableIntentRouting = config.DisableIntentRouting || noIntent
	if queryTopK > 0 {
		config.TopK = queryTopK
	}

	filters, err := buildFilters(ctx)
	if err != nil {
		return err
	}

	engine, err := pipeline.NewEngine(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer engine.Close()

	result, err := engine.Query(ctx, question, filters)
	if err != nil {
		return err
	}

	printResult(question, filters.HeadSHA, result)
	return nil
}

// configFromViper maps the loaded configuration onto pipeline defaults.
func configFromViper() pipeline.Config {
	config := pipeline.DefaultConfig()
	config.TopK = viper.GetInt("top_k")
	config.PreRerankTopK = viper.GetInt("pre_rerank_top_k")
	config.MinScore = viper.GetFloat64("min_score")
	config.MaxChunksPerDoc = viper.GetInt("max_chunks_per_doc")
	config.MinDistinctSources = viper.GetInt("min_distinct_sources")
	return config
}

// buildFilters assembles search filters from flags and config, resolving
// the head SHA from GitHub when a PR number is given without one.
func buildFilters(ctx context.Context) (retrieve.Filters, error) {
	filters := retrieve.Filters{
		Tenant:   queryTenant,
		Repo:     queryRepo,
		PRNumber: queryPR,
		HeadSHA:  queryHeadSHA,
	}
	if filters.Tenant == "" {
		filters.Tenant = viper.GetString("tenant")
	}
	if filters.Repo == "" {
		filters.Repo = viper.GetString("repo")
	}

	for _, s := range queryScopes {
		st := evidence.SourceType(strings.TrimSpace(s))
		if !st.Valid() {
			return filters, fmt.Errorf("unknown scope %q", s)
		}
		filters.SourceTypes = append(filters.SourceTypes, st)
	}

	if filters.PRNumber > 0 && filters.HeadSHA == "" && filters.Repo != "" {
		sha, err := resolveHeadSHA(ctx, filters.Repo, filters.PRNumber)
		if err != nil {
			return filters, fmt.Errorf("failed to resolve head SHA for PR %d: %w", filters.PRNumber, err)
		}
		filters.HeadSHA = sha
	}

	return filters, nil
}

// resolveHeadSHA looks up the pull request head commit on GitHub.
func resolveHeadSHA(ctx context.Context, repo string, number int) (string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("repository must be in owner/name form, got %q", repo)
	}

	client := github.NewClient(nil)
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		client = client.WithAuthToken(token)
	}

	pr, _, err := client.PullRequests.Get(ctx, parts[0], parts[1], number)
	if err != nil {
		return "", err
	}
	if pr.Head == nil || pr.Head.SHA == nil {
		return "", fmt.Errorf("pull request %d has no head commit", number)
	}
	return pr.Head.GetSHA(), nil
}

func printResult(question, headSHA string, result *pipeline.Result) {
	var (
		headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F780FF")).Bold(true)
		metaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")).Italic(true)
		citeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BE9FD"))
		textStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#E9E9F4"))
	)

	fmt.Println()
	fmt.Println(headerStyle.Render("Question:"))
	fmt.Println(textStyle.Render(question))
	fmt.Println()

	fmt.Println(metaStyle.Render(fmt.Sprintf(
		"intent=%s confidence=%.2f method=%s candidates=%d",
		result.Intent.Intent,
		result.Intent.Confidence,
		result.Rerank.Method,
		result.Retrieve.TotalCandidates,
	)))
	fmt.Println()

	if len(result.Chunks) == 0 {
		fmt.Println(metaStyle.Render("No evidence found above the score threshold."))
		return
	}

	fmt.Println(headerStyle.Render("Evidence:"))
	for i, chunk := range result.Chunks {
		citation := evidence.Citation(chunk.Chunk, headSHA)
		fmt.Printf("%s %s %s\n",
			headerStyle.Render(fmt.Sprintf("%d.", i+1)),
			citeStyle.Render(citation),
			metaStyle.Render(fmt.Sprintf("(%s, score %.3f)", chunk.Chunk.SourceType(), chunk.Weighted)),
		)
		if i < len(result.Reasons) && result.Reasons[i] != "" {
			fmt.Println(metaStyle.Render("   " + result.Reasons[i]))
		}
		fmt.Println(textStyle.Render(indent(snippet(chunk.Chunk.Content(), 300), "   ")))
		fmt.Println()
	}
}

func snippet(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
