package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration after merging defaults, the config
file and CLEARCITE_* environment variables.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	settings := map[string]interface{}{
		"top_k":                viper.GetInt("top_k"),
		"pre_rerank_top_k":     viper.GetInt("pre_rerank_top_k"),
		"min_score":            viper.GetFloat64("min_score"),
		"max_chunks_per_doc":   viper.GetInt("max_chunks_per_doc"),
		"min_distinct_sources": viper.GetInt("min_distinct_sources"),
		"tenant":               viper.GetString("tenant"),
		"repo":                 viper.GetString("repo"),
	}

	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	if file := viper.ConfigFileUsed(); file != "" {
		fmt.Printf("# %s\n", file)
	}
	fmt.Print(string(out))
	return nil
}
