package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/splitgoat/internal/experiment"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tests",
	Long:  `List all tests with their status and traffic so far.`,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	return withRegistry(ctx, func(r *experiment.Registry) error {
		tests, err := r.ListTests(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tests: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(tests) == 0 {
			fmt.Fprintln(out, "No tests yet.")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Create one from a YAML definition:")
			fmt.Fprintln(out, "  splitgoat create -f test.yaml")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tVARIANTS\tIMPRESSIONS\tCONVERSIONS\tCREATED")

		for _, test := range tests {
			m, err := r.Metrics(ctx, test.ID)
			if err != nil {
				return fmt.Errorf("failed to get metrics for test %s: %w", test.ID, err)
			}

			var impressions, conversions int64
			for _, vm := range m {
				impressions += vm.Impressions
				conversions += vm.Conversions
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				test.ID,
				test.Name,
				test.Type,
				strings.ToUpper(string(test.Status)),
				len(test.Variants),
				formatNumber(impressions),
				formatNumber(conversions),
				test.CreatedAt.Format("2006-01-02"),
			)
		}

		return w.Flush()
	})
}

func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
