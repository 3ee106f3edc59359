package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/store"
)

func init() {
	rootCmd.AddCommand(
		newShowCmd(),
		newTransitionCmd("start", "Start or resume a test",
			"Start a draft test, or resume a paused one. Weights are validated again.",
			(*experiment.Registry).StartTest),
		newTransitionCmd("pause", "Pause a running test",
			"Pause a running test. Existing users keep their variant and conversions still count; no new users are assigned.",
			(*experiment.Registry).PauseTest),
		newTransitionCmd("stop", "Stop a test and snapshot its results",
			"Complete a running or paused test. Results are frozen at this point and the test cannot be restarted.",
			(*experiment.Registry).StopTest),
		newCloneCmd(),
	)
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a test definition",
		Long:  `Print a test definition as YAML. The output can be edited and fed back to 'splitgoat create -f'.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(r *experiment.Registry) error {
				test, err := r.GetTest(cmd.Context(), args[0])
				if err != nil {
					return describe(args[0], err)
				}
				// Results have their own command.
				test.Results = nil

				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(test); err != nil {
					return fmt.Errorf("failed to encode test: %w", err)
				}
				return enc.Close()
			})
		},
	}
}

type transitionFunc func(r *experiment.Registry, ctx context.Context, id string) (*store.Test, error)

func newTransitionCmd(use, short, long string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Long:  long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(r *experiment.Registry) error {
				test, err := fn(r, cmd.Context(), args[0])
				if err != nil {
					return describe(args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Test '%s' is now %s\n", test.ID, test.Status)
				return nil
			})
		},
	}
}

func newCloneCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "clone <id>",
		Short: "Copy a test into a new draft",
		Long: `Copy a test's variants, audience and goals into a new draft.

Running tests cannot be edited; clone them instead and start the copy.

Example:
  splitgoat clone checkout-cta --name "Checkout CTA v2"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(r *experiment.Registry) error {
				test, err := r.CloneTest(cmd.Context(), args[0], name)
				if err != nil {
					return describe(args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cloned '%s' into '%s' (%s)\n", args[0], test.Name, test.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "name for the copy (default \"<name> (copy)\")")
	return cmd
}
