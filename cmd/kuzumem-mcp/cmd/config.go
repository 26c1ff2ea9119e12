package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/evolv3ai/kuzumem-mcp/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the effective configuration — defaults, config file, and
environment overrides merged — as YAML, without starting the server.

Useful for confirming what "kuzumem-mcp start" would actually run with.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return exitError{code: 2, err: fmt.Errorf("configuration error: %w", err)}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("marshaling configuration: %w", err)}
	}

	if cfgFile := config.ConfigFileUsed(); cfgFile != "" {
		fmt.Fprintf(os.Stderr, "# loaded from %s\n", cfgFile)
	} else {
		fmt.Fprintln(os.Stderr, "# no config file found, showing defaults + environment overrides")
	}
	fmt.Print(string(data))
	return nil
}
