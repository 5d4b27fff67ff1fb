package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the 1mcp gateway. Invoked without a
// subcommand it only prints help; `1mcp serve` does the actual work.
var rootCmd = &cobra.Command{
	Use:   "1mcp",
	Short: "Aggregate many MCP servers behind a single endpoint",
	Long: `1mcp connects to multiple MCP servers (stdio, streamable HTTP or SSE),
aggregates their tools, prompts and resources under prefixed names, and
exposes them through one inbound MCP endpoint. Capabilities can be scoped
per client session with tag filters and presets, and the server config is
hot-reloaded on change.`,
	// SilenceUsage keeps error output clean; failures are already logged.
	SilenceUsage: true,
}

// SetVersion injects the build version, typically from main via -ldflags.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the injected build version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the CLI. It exits 0 on success and 1 on any error; a
// fatal startup error therefore never reports a clean exit.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "1mcp version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
