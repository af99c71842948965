package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tmcp "github.com/tmarks/tmarks/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
		login     string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that lets an AI agent inspect and
revoke one user's API keys and check permissions. Supports stdio (default) and
HTTP transports.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for clients that launch it as a subprocess.

In HTTP mode, the server listens on the specified port using streamable HTTP.`,
		Example: `  tmarks mcp --user alice                            # stdio mode
  tmarks mcp --user alice --transport http --port 3001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd, login, transport, port)
		},
	}

	cmd.Flags().StringVar(&login, "user", "", "Username or email the server acts for (required)")
	cmd.Flags().StringVar(&transport, "transport", "", "Transport mode: stdio or http (default from mcp.transport)")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port, only used with --transport http (default from mcp.port)")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runMCP(cmd *cobra.Command, login, transport string, port int) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	if transport == "" {
		transport = cfg.MCP.Transport
	}
	if port == 0 {
		port = cfg.MCP.Port
	}

	// stdout carries the protocol in stdio mode, so logs always go to stderr.
	logger := newLogger(cfg.Logging, false, os.Stderr)

	a, err := newApp(cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := findUser(cmd.Context(), a.store, login)
	if err != nil {
		return err
	}

	mcpSrv := tmcp.NewMCPServer(a.keys, u.ID, versionString(), logger)

	switch transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		return mcpSrv.ServeHTTP(fmt.Sprintf(":%d", port))
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
