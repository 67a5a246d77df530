package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/standardbeagle/devbridge/internal/mcp"
)

var isTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools on stdio",
	Long: `Run an MCP server on stdin/stdout for an MCP client.

Configure your client to launch it, for example:

  {
    "mcpServers": {
      "devbridge": {"command": "devbridge", "args": ["mcp"]}
    }
  }

Logs go only to the configured log file, since stdout carries the protocol.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	if isTerminal() {
		fmt.Fprintln(cmd.ErrOrStderr(), "devbridge mcp speaks MCP on stdio and is meant to be launched by an MCP client.")
		fmt.Fprintln(cmd.ErrOrStderr(), "Run \"devbridge mcp --help\" for client configuration.")
		return nil
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logCfg := cfg.LoggingConfig()
	logCfg.Quiet = true

	g, err := newGateway(cfg, logCfg)
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	// Tools report "not connected" until the browser is reachable.
	if err := g.manager.Connect(ctx); err != nil {
		g.log.Warn("Browser connection failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()
	if target := cfg.Connection.Target; target != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.attachTarget(ctx, target)
		}()
	}

	srv := mcp.NewServer(g.bridge, Version, mcp.WithLogger(g.log.Named("mcp")))
	defer srv.Close()
	return srv.ServeStdio(ctx, getStdin(), getStdout())
}
