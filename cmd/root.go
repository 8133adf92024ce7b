package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "clearcite",
	Short: "ClearCite - Scoped context retrieval with citation checking",
	Long: `ClearCite retrieves review evidence from a multi-scope vector index and
checks narrative claims against it.

A question is classified by intent, searched across code, diff, repo doc
and external doc scopes with intent-specific weighting, reranked, and
returned as scored chunks with stable citations. Narratives can be checked
for hard claims that lack a valid citation.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	},
}

// Execute runs the root command
func Execute() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./clearcite.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Show debug logging")
}

// initConfig loads the optional config file and environment overrides.
// Flags beat config values, config values beat the defaults.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("clearcite")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix("CLEARCITE")
	viper.AutomaticEnv()

	viper.SetDefault("top_k", 10)
	viper.SetDefault("pre_rerank_top_k", 40)
	viper.SetDefault("min_score", 0.7)
	viper.SetDefault("max_chunks_per_doc", 2)
	viper.SetDefault("min_distinct_sources", 2)
	viper.SetDefault("tenant", "")
	viper.SetDefault("repo", "")

	if err := viper.ReadInConfig(); err == nil {
		log.Debug().Str("file", viper.ConfigFileUsed()).Msg("loaded config")
	}
}
