package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"onemcp/internal/aggregator"
	"onemcp/internal/app"
	"onemcp/internal/config"
	"onemcp/pkg/logging"
)

// serve flags. Environment variables (ONE_MCP_CONFIG, ONE_MCP_CONFIG_DIR,
// ONE_MCP_LOG_LEVEL, ONE_MCP_LOG_FILE) fill in whatever the flags leave
// empty; flags win when both are set.
var (
	serveTransport      string
	serveHost           string
	servePort           int
	servePublicURL      string
	serveConfigPath     string
	serveSessionStorage string
	servePresetDir      string
	serveAuth           bool
	serveLogLevel       string
	serveLogFile        string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Starts the 1mcp gateway: connects to every MCP server in the config
file, aggregates their capabilities, and serves them on the chosen inbound
transport.

With --transport http (the default) the gateway listens on --host:--port and
serves the streamable HTTP endpoint at /mcp plus a legacy SSE endpoint at
/sse. With --transport stdio it speaks MCP on stdin/stdout and logs to
stderr only.

The config file is watched; edits are applied without dropping client
sessions.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveTransport != aggregator.TransportHTTP && serveTransport != aggregator.TransportStdio {
		return fmt.Errorf("invalid transport %q (want %q or %q)",
			serveTransport, aggregator.TransportHTTP, aggregator.TransportStdio)
	}

	logLevel := serveLogLevel
	if logLevel == "" {
		logLevel = os.Getenv(config.EnvLogLevel)
	}
	logFile := serveLogFile
	if logFile == "" {
		logFile = os.Getenv(config.EnvLogFile)
	}
	// Stdout carries the MCP wire in stdio mode, so logs always go to stderr.
	logging.Init(logging.ParseLevel(logLevel), os.Stderr, logFile)

	gateway, err := app.New(app.Options{
		Version:            GetVersion(),
		Transport:          serveTransport,
		Host:               serveHost,
		Port:               servePort,
		PublicURL:          servePublicURL,
		ConfigPath:         serveConfigPath,
		SessionStoragePath: serveSessionStorage,
		PresetDir:          servePresetDir,
		AuthEnabled:        serveAuth,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return gateway.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveTransport, "transport", aggregator.TransportHTTP,
		"Inbound transport: http or stdio")
	serveCmd.Flags().StringVar(&serveHost, "host", "localhost",
		"Listen host for the HTTP transport")
	serveCmd.Flags().IntVar(&servePort, "port", app.DefaultPort,
		"Listen port for the HTTP transport")
	serveCmd.Flags().StringVar(&servePublicURL, "public-url", "",
		"Externally visible base URL for OAuth callbacks and issuer metadata (default http://<host>:<port>)")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "",
		"Path to the MCP server config file (default $ONE_MCP_CONFIG or <config-dir>/mcp.json)")
	serveCmd.Flags().StringVar(&serveSessionStorage, "session-storage", "",
		"Directory for persisted session and OAuth state (default <config-dir>/sessions)")
	serveCmd.Flags().StringVar(&servePresetDir, "preset-dir", "",
		"Directory holding filter preset files (default <config-dir>/presets)")
	serveCmd.Flags().BoolVar(&serveAuth, "auth", false,
		"Protect the inbound MCP endpoints with the built-in OAuth authorization server")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "",
		"Log level: debug, info, warn or error (default $ONE_MCP_LOG_LEVEL or info)")
	serveCmd.Flags().StringVar(&serveLogFile, "log-file", "",
		"Additionally write size-rotated logs to this file (default $ONE_MCP_LOG_FILE)")
}
