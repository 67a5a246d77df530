package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/devbridge/internal/bridge"
	"github.com/standardbeagle/devbridge/internal/config"
	"github.com/standardbeagle/devbridge/internal/discovery"
	"github.com/standardbeagle/devbridge/pkg/ports"
)

const heartbeatInterval = 15 * time.Second

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve JSON-RPC over HTTP and websocket",
	Long: `Connect to the browser and serve tool calls.

Endpoints:
  POST /rpc      JSON-RPC request or batch
  GET  /ws       JSON-RPC over websocket, with event notifications
  GET  /health   connection state
  GET  /stats    router and inspector counters

When the listen port is taken a free port above it is used instead. The
running gateway registers itself so "devbridge instances" can find it.
Edits to the config file's log level and debug setting apply without a
restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address (default from config, "+config.DefaultListen+")")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}

	g, err := newGateway(cfg, cfg.LoggingConfig())
	if err != nil {
		return err
	}
	defer g.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	if err := g.manager.Connect(ctx); err != nil {
		return err
	}
	if err := g.manager.AwaitConnected(ctx); err != nil {
		return fmt.Errorf("connect to browser: %w", err)
	}
	endpoint := g.manager.Endpoint()
	g.log.Info("Connected to browser", zap.String("endpoint", endpoint.URL), zap.String("browser", endpoint.Browser))

	if target := cfg.Connection.Target; target != "" {
		g.attachTarget(ctx, target)
	}

	ln, err := ports.Listen(cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}
	listen := ln.Addr().String()
	if listen != cfg.Server.Listen {
		g.log.Warn("Listen address in use, using another port", zap.String("requested", cfg.Server.Listen), zap.String("listen", listen))
	}

	registry := discovery.NewRegistry(discovery.DefaultDir(), discovery.WithLogger(g.log.Named("discovery")))
	inst := &discovery.Instance{
		ID:       uuid.NewString(),
		Listen:   listen,
		Endpoint: endpoint.URL,
		PID:      os.Getpid(),
	}
	if exe, err := os.Executable(); err == nil {
		inst.Executable = exe
	}
	if err := registry.Register(inst); err != nil {
		g.log.Warn("Instance registration failed", zap.Error(err))
	} else {
		defer func() {
			if err := registry.Unregister(inst.ID); err != nil {
				g.log.Warn("Instance unregistration failed", zap.Error(err))
			}
		}()
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		registry.Heartbeat(ctx, inst.ID, heartbeatInterval)
		return nil
	})
	if _, err := os.Stat(path); err == nil {
		eg.Go(func() error {
			err := config.Watch(ctx, path, func(next *config.Config, err error) {
				reloadLogging(g, next, err)
			})
			if err != nil {
				g.log.Warn("Config watch stopped", zap.String("path", path), zap.Error(err))
			}
			return nil
		})
	}
	eg.Go(func() error {
		return bridge.NewServer(g.bridge, bridge.WithServerLogger(g.log.Named("server"))).Serve(ctx, ln)
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	g.log.Info("Shut down")
	return err
}

// reloadLogging applies a reloaded config's log settings. Connection and
// router settings need a restart.
func reloadLogging(g *gateway, next *config.Config, err error) {
	if err != nil {
		g.log.Warn("Config reload failed", zap.Error(err))
		return
	}
	level := next.Log.Level
	if level == "" {
		level = "info"
	}
	if err := g.log.SetLevel(level); err != nil {
		g.log.Warn("Config reload: bad log level", zap.String("level", level), zap.Error(err))
		return
	}
	g.log.SetDebug(next.Log.Debug || debugMode)
	g.log.Info("Config reloaded", zap.String("level", level), zap.Bool("debug", g.log.DebugEnabled()))
}
