package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/store"
)

var resultsJSON bool

var resultsCmd = &cobra.Command{
	Use:   "results <id>",
	Short: "Show detailed results for a test",
	Long: `Show conversion rates, uplift over control, significance and
confidence intervals, followed by recommendations.

Completed tests show the results frozen when they were stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: runResults,
}

func init() {
	resultsCmd.Flags().BoolVar(&resultsJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := cmd.Context()

	return withRegistry(ctx, func(r *experiment.Registry) error {
		test, err := r.GetTest(ctx, id)
		if err != nil {
			return describe(id, err)
		}
		res, ok := r.GetTestResults(ctx, id)
		if !ok {
			return fmt.Errorf("results for '%s' are unavailable", id)
		}

		if resultsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		printResults(cmd, test, res)
		return nil
	})
}

func printResults(cmd *cobra.Command, test *store.Test, res *store.Results) {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "TEST: %s (%s)\n", test.Name, test.ID)
	fmt.Fprintf(out, "STATUS: %s\n", test.Status)
	if test.StartDate != nil {
		fmt.Fprintf(out, "STARTED: %s\n", test.StartDate.Format("2006-01-02"))
	}
	if test.EndDate != nil {
		fmt.Fprintf(out, "ENDED: %s\n", test.EndDate.Format("2006-01-02"))
	}
	fmt.Fprintf(out, "METHOD: %s\n", res.Method)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "VARIANT           IMPRESSIONS  CONVERSIONS  RATE     UPLIFT    SIGNIF.  95% CI")
	fmt.Fprintln(out, strings.Repeat("─", 86))

	for _, v := range res.Variants {
		indicator := ""
		if v.VariantID == res.Winner {
			indicator = " ← WINNER"
		}

		name := v.VariantID
		if v.IsControl {
			name += " (control)"
		}
		if len(name) > 16 {
			name = name[:13] + "..."
		}

		uplift, signif := "-", "-"
		if !v.IsControl {
			uplift = fmt.Sprintf("%+.1f%%", v.Uplift)
			signif = fmt.Sprintf("%.1f%%", v.Significance*100)
		}

		ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower*100, v.CIUpper*100)
		if v.Impressions == 0 {
			ciStr = "N/A"
		}

		fmt.Fprintf(out, "%-16s  %-11s  %-11s  %-7s  %-8s  %-7s  %s%s\n",
			name,
			formatNumber(v.Impressions),
			formatNumber(v.Conversions),
			formatPercent(v.ConversionRate),
			uplift,
			signif,
			ciStr,
			indicator,
		)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "TOTAL: %s impressions, %s conversions\n",
		formatNumber(res.TotalImpressions), formatNumber(res.TotalConversions))
	if res.Confident {
		fmt.Fprintf(out, "Statistical significance: %.1f%% confident %q is the winner\n", res.Significance*100, res.Winner)
	} else {
		fmt.Fprintf(out, "Statistical significance: %.1f%% (not yet significant)\n", res.Significance*100)
	}

	if len(res.Recommendations) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "RECOMMENDATIONS:")
		for _, rec := range res.Recommendations {
			fmt.Fprintf(out, "  - %s\n", rec)
		}
	}
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
