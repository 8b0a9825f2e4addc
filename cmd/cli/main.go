package main

import (
	"fmt"
	"os"

	"github.com/nimasrn/campaign-engine/internal/config"
	"github.com/nimasrn/campaign-engine/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	envFile string
)

var rootCmd = &cobra.Command{
	Use:           "campaign-cli",
	Short:         "Operational commands for the campaign engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return config.Load(envPath())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("campaign-cli %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "Path to an env file (defaults to ./.env when present)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(recoverCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logger.Sync()
		os.Exit(1)
	}
}

func envPath() string {
	if envFile != "" {
		return envFile
	}
	if _, err := os.Stat(".env"); err != nil {
		return ""
	}
	return ".env"
}
