// Package cmd provides the CLI commands for the kuzumem-mcp server.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evolv3ai/kuzumem-mcp/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kuzumem-mcp",
	Short: "kuzumem-mcp - repository-scoped memory bank MCP server",
	Long: `kuzumem-mcp exposes a repository-scoped knowledge-graph memory bank
over the Model Context Protocol, via stdio or Streamable HTTP.

Quick start:
  1. Create a config file: kuzumem-mcp.yaml
  2. Run: kuzumem-mcp start

Configuration:
  Config is loaded from kuzumem-mcp.yaml in the current directory,
  $HOME/.kuzumem-mcp/, or /etc/kuzumem-mcp/.

  Environment variables can override config values with the KUZUMEM_MCP_
  prefix. Example: KUZUMEM_MCP_SERVER_PORT=9090

Commands:
  start       Start the MCP server (stdio, HTTP, or both)
  stop        Stop the running kuzumem-mcp server
  config      Print the effective configuration as YAML
  version     Print version information`,
}

// Execute runs the root command. Exit codes follow spec.md §6: 0 on clean
// shutdown, 1 on a runtime failure, 2 on a configuration error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitErr, ok := err.(exitError); ok {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./kuzumem-mcp.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
