package cli

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/headline-goat/splitgoat/internal/experiment"
)

func init() {
	rootCmd.AddCommand(newDeleteCmd())
}

func newDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a test with its assignments and metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRegistry(cmd.Context(), func(r *experiment.Registry) error {
				test, err := r.GetTest(cmd.Context(), id)
				if err != nil {
					return describe(id, err)
				}

				if !yes {
					prompt := promptui.Prompt{
						Label:     fmt.Sprintf("Delete '%s' (%s) and all of its data", test.Name, test.Status),
						IsConfirm: true,
					}
					if _, err := prompt.Run(); err != nil {
						if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) {
							fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
							return nil
						}
						return fmt.Errorf("prompt failed: %w", err)
					}
				}

				if err := r.DeleteTest(cmd.Context(), id); err != nil {
					return describe(id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted test '%s'\n", id)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
