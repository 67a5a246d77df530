package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/devbridge/internal/bridge"
	"github.com/standardbeagle/devbridge/internal/config"
	"github.com/standardbeagle/devbridge/internal/inspector"
	"github.com/standardbeagle/devbridge/internal/logging"
	"github.com/standardbeagle/devbridge/internal/router"
)

var (
	// Version is set at build time
	Version = "dev"

	configPath string
	host       string
	port       int
	wsURL      string
	debugMode  bool
)

// Swapped out by tests.
var (
	getStdin       = func() io.Reader { return os.Stdin }
	getStdout      = func() io.Writer { return os.Stdout }
	managerOptions []inspector.Option
)

var rootCmd = &cobra.Command{
	Use:   "devbridge",
	Short: "Bridge JSON-RPC and MCP tool calls to a browser's DevTools inspector",
	Long: `devbridge connects to a Chromium browser over the DevTools protocol and
exposes it to tools as JSON-RPC methods and MCP tools.

Usage:
  devbridge serve                     # HTTP + websocket JSON-RPC endpoint
  devbridge mcp                       # MCP server on stdio
  devbridge instances                 # List running gateways

Browser Connection:
  devbridge serve --port 9223         # DevTools on localhost:9223
  devbridge serve --ws-url ws://...   # Dial a known browser websocket URL

Configuration is read from ~/.devbridge/config.toml unless --config is given.
YAML files (.yaml, .yml) are accepted too.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "devbridge version %s\n", Version)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Config file (default ~/.devbridge/config.toml)")
	flags.StringVar(&host, "host", "", "DevTools host")
	flags.IntVarP(&port, "port", "p", 0, "DevTools port")
	flags.StringVar(&wsURL, "ws-url", "", "Browser websocket URL; skips endpoint discovery")
	flags.BoolVar(&debugMode, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd, mcpCmd, instancesCmd, versionCmd)
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, or the defaults when it is missing, and
// applies the command line flags over it.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, "", fmt.Errorf("locate config: %w", err)
		}
		path = p
	}

	cfg, err := config.LoadOptional(path)
	if err != nil {
		return nil, "", err
	}
	applyFlags(cfg, cmd.Flags().Changed)
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func applyFlags(cfg *config.Config, changed func(name string) bool) {
	if changed("host") {
		cfg.Connection.Host = host
	}
	if changed("port") {
		cfg.Connection.Port = port
	}
	if changed("ws-url") {
		cfg.Connection.WebSocketURL = wsURL
	}
	if debugMode {
		cfg.Log.Debug = true
	}
}

// gateway is one inspector connection wired through a router into a bridge.
type gateway struct {
	log     *logging.Logger
	manager *inspector.Manager
	router  *router.Router
	bridge  *bridge.Bridge
}

func newGateway(cfg *config.Config, logCfg logging.Config) (*gateway, error) {
	log, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}

	opts := append([]inspector.Option{inspector.WithLogger(log.Named("inspector"))}, managerOptions...)
	m := inspector.NewManager(cfg.InspectorConfig(), opts...)

	r, err := router.New(cfg.RouterConfig(), router.WithLogger(log.Named("router")))
	if err != nil {
		m.Close()
		log.Close()
		return nil, err
	}

	b, err := bridge.New(m, r,
		bridge.WithLogger(log.Named("bridge")),
		bridge.WithCatchAll(cfg.Router.DefaultRoute),
	)
	if err != nil {
		r.Stop()
		m.Close()
		log.Close()
		return nil, err
	}

	return &gateway{log: log, manager: m, router: r, bridge: b}, nil
}

func (g *gateway) Close() {
	g.bridge.Close()
	g.router.Stop()
	if err := g.manager.Close(); err != nil {
		g.log.Debug("Inspector close", zap.Error(err))
	}
	g.log.Close()
}

// attachTarget waits for the connection and attaches a session to target.
func (g *gateway) attachTarget(ctx context.Context, target string) {
	if err := g.manager.AwaitConnected(ctx); err != nil {
		return
	}
	sess, err := g.manager.CreateSession(ctx, target)
	if err != nil {
		g.log.Warn("Attach to configured target failed", zap.String("target", target), zap.Error(err))
		return
	}
	g.log.Info("Attached to target", zap.String("target", target), zap.String("session", sess.ID()))
}

// signalContext is canceled on SIGINT (and SIGTERM off Windows) or when stop
// is called.
func signalContext(parent context.Context) (ctx context.Context, stop func()) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	setupSignalHandling(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
