package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/config"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
)

var (
	configPath string
	v          = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "opengin-core",
	Short: "Entity engine over document, graph and relational stores",
	Long: `opengin-core stores entities across three databases: metadata documents in
SQLite, nodes and relationships in libSQL, and time-versioned attributes in
PostgreSQL. It is served to clients as MCP tools.

Examples:
  opengin-core serve                           # stdio transport
  opengin-core serve --transport sse --addr :8080
  opengin-core health --config opengin.yaml    # ping every store
  opengin-core version`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
		}
		if err := logger.Initialize(v.GetBool("log.json"), v.GetString("log.level")); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (yaml, toml or json)")
	flags.String("graph-url", "", "libSQL database URL")
	flags.String("graph-auth-token", "", "Authentication token for remote libSQL databases")
	flags.String("document-path", "", "SQLite document store path")
	flags.String("relational-driver", "", "Attribute store driver: postgres or memory")
	flags.Bool("log-json", false, "Log as JSON")
	flags.String("log-level", "", "Log level: debug, info, warn or error")
	// explicitly set flags override config and environment
	for key, name := range map[string]string{
		"graph.url":         "graph-url",
		"graph.auth_token":  "graph-auth-token",
		"document.path":     "document-path",
		"relational.driver": "relational-driver",
		"log.json":          "log-json",
		"log.level":         "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}

	rootCmd.AddCommand(serveCmd, healthCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
