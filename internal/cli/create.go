package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/store"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var (
		file  string
		start bool
	)

	cmd := &cobra.Command{
		Use:   "create -f <test.yaml>",
		Short: "Create a new test from a YAML definition",
		Long: `Create a new test from a YAML definition. Use "-f -" to read stdin.

Example definition:
  name: Checkout CTA
  variants:
    - id: A
      name: Buy now
      is_control: true
      traffic_weight: 50
    - id: B
      name: Complete purchase
      traffic_weight: 50
      config: {color: green}
  goals:
    - id: purchase
      type: purchase
      primary: true

Examples:
  splitgoat create -f checkout.yaml
  splitgoat create -f checkout.yaml --start`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			var def store.Test
			if err := yaml.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("failed to parse %s: %w", file, err)
			}

			return withRegistry(cmd.Context(), func(r *experiment.Registry) error {
				test, err := r.CreateTest(cmd.Context(), &def)
				if err != nil {
					return describe(def.ID, err)
				}
				if start {
					id := test.ID
					if test, err = r.StartTest(cmd.Context(), id); err != nil {
						return describe(id, err)
					}
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created test '%s' (%s) with %d variants:\n", test.Name, test.ID, len(test.Variants))
				for _, v := range test.Variants {
					control := ""
					if v.IsControl {
						control = " (control)"
					}
					fmt.Fprintf(out, "  %s: %s %g%%%s\n", v.ID, v.Name, v.TrafficWeight, control)
				}
				fmt.Fprintf(out, "Status: %s\n", test.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "test definition in YAML (required)")
	cmd.Flags().BoolVar(&start, "start", false, "start the test right after creating it")
	cmd.MarkFlagRequired("file")

	return cmd
}
