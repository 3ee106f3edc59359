package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/headline-goat/splitgoat/internal/experiment"
)

func init() {
	rootCmd.AddCommand(newExportCmd(), newImportCmd())
}

func newExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a test with its assignments as JSON",
		Long: `Export a test definition, current metrics and every user assignment
as a JSON bundle that 'splitgoat import' accepts.

Examples:
  splitgoat export checkout-cta > checkout-cta.json
  splitgoat export checkout-cta -o checkout-cta.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRegistry(cmd.Context(), func(r *experiment.Registry) error {
				data, err := r.ExportTest(cmd.Context(), id)
				if err != nil {
					return describe(id, err)
				}
				data = append(data, '\n')

				if output == "" || output == "-" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(output, data, 0644); err != nil {
					return fmt.Errorf("failed to write %s: %w", output, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported '%s' to %s\n", id, output)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a test bundle as a new draft",
		Long: `Import a bundle written by 'splitgoat export'. Use "-" to read stdin.

The test gets a new ID and starts as a draft. Existing assignments are
carried over so returning users keep their variant, and the counters are
rebuilt from them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return withRegistry(cmd.Context(), func(r *experiment.Registry) error {
				test, err := r.ImportTest(cmd.Context(), data)
				if err != nil {
					return describe("", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported '%s' as %s (%s)\n", test.Name, test.ID, test.Status)
				return nil
			})
		},
	}
}
