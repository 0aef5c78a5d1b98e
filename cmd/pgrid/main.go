package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zde37/pgrid/internal/config"
	"github.com/zde37/pgrid/pkg"
)

// Version of the pgrid binary.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "pgrid",
	Short: "P-Grid structured overlay peer",
	Long: fmt.Sprintf(`pgrid (v%s)

A self-organizing peer-to-peer overlay that partitions a binary key space
into a trie through pairwise exchanges, and routes exact and range queries
over it.`, Version),
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of pgrid",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pgrid v%s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (json, console)")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file, rotated")
}

func main() {
	config.LoadEnvFiles()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger from the persistent flags.
func newLogger(cmd *cobra.Command, level, format string) (*pkg.Logger, error) {
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = level
	loggerConfig.Format = format

	if file, _ := cmd.Flags().GetString("log-file"); file != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = file
		loggerConfig.AsyncWrite = true
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
