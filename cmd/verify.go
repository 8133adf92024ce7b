package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/clearcite/clearcite/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Check a narrative for uncited hard claims",
	Long: `Check a narrative text for hard claims that lack a valid citation.

A hard claim is a sentence containing normative language (must, violates,
policy, never, ...). A citation is either a repository span like
auth.py:10-20 @ abc1234 or an external link like
https://notion.so/page (edited: 2024-03-01T09:00:00Z).

The check is advisory. Uncited claims are reported but the command always
exits successfully; reading from "-" or with no argument takes the
narrative from stdin.

Examples:
  clearcite verify review.md
  cat review.md | clearcite verify`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	var (
		narrative []byte
		err       error
	)

	if len(args) == 0 || args[0] == "-" {
		narrative, err = io.ReadAll(os.Stdin)
	} else {
		narrative, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read narrative: %w", err)
	}

	report := verify.NewVerifier().Verify(string(narrative))
	printReport(report)
	return nil
}

func printReport(report verify.Report) {
	var (
		okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B")).Bold(true)
		warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555")).Bold(true)
		claimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E9E9F4"))
		metaStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")).Italic(true)
	)

	fmt.Println()
	if report.Clean() {
		fmt.Println(okStyle.Render(fmt.Sprintf(
			"All %d hard claims are cited.", report.TotalClaims)))
		fmt.Println()
		return
	}

	fmt.Println(warnStyle.Render(fmt.Sprintf(
		"WARNING: %d of %d hard claims lack a valid citation.",
		len(report.Uncited), report.TotalClaims)))
	fmt.Println()

	for i, claim := range report.Uncited {
		fmt.Printf("%s %s\n",
			warnStyle.Render(fmt.Sprintf("%d.", i+1)),
			claimStyle.Render(claim.Text))
		fmt.Println(metaStyle.Render("   markers: " + strings.Join(claim.Markers, ", ")))
		fmt.Println()
	}
}
