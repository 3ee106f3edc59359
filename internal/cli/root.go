package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/headline-goat/splitgoat/internal/config"
)

var (
	cfgFile  string
	dbPath   string
	driver   string
	logLevel string

	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "splitgoat",
	Short: "splitgoat - a self-hosted experimentation engine",
	Long: `splitgoat runs A/B, multivariate and split URL tests.

It assigns users to variants deterministically, tracks conversions and
reports significance, uplift and a recommendation for every test.

Run 'splitgoat serve' to start the HTTP API, or manage tests directly
against the configured store with the other commands.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./splitgoat.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "store path, overrides store.path")
	rootCmd.PersistentFlags().StringVar(&driver, "driver", "", "store driver (sqlite, badger, redis, memory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides log.level")
}

// loadConfig reads the config file and environment, then applies flag overrides.
func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("db") {
		c.Store.Path = dbPath
	}
	if flags.Changed("driver") {
		c.Store.Driver = driver
	}
	if flags.Changed("log-level") {
		c.Log.Level = logLevel
	}
	if flags.Changed("port") {
		c.Server.Port = port
	}

	if err := c.Validate(); err != nil {
		return err
	}

	l, err := config.InitLogger(c.Log)
	if err != nil {
		return err
	}

	cfg, logger = c, l
	return nil
}
