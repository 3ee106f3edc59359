package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Show admin API URL with access token",
	Long: `Show the admin API URL with the token written by the running server.

Use this when you've scrolled past the startup message.

Example:
  splitgoat token`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(tokenFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no server running. Start with: splitgoat serve")
		}
		return fmt.Errorf("failed to read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("token file is empty. Restart the server with: splitgoat serve")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Admin API: http://localhost:%d/api/admin/tests?token=%s\n", cfg.Server.Port, token)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Or send the header: Authorization: Bearer %s\n", token)
	return nil
}
