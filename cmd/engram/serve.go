package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/mcp"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		transport  string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP server on the configured transport.

stdio speaks line-delimited JSON-RPC on stdin/stdout and is what MCP
clients launch. http serves the same protocol as server-sent events on
a single endpoint, with /ws upgrading to WebSocket.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, cfgPath, err := loadConfigFrom(configPath)
			if err != nil {
				return err
			}
			if transport != "" {
				cfg.Server.Transport = transport
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close(context.Background())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfgPath != "" {
				prev := cfg.Embedding
				watcher := config.NewWatcher(cfgPath, rt.logger.Slog(), func(next *config.Config) {
					if next.Embedding.Model != prev.Model || next.Embedding.Backend != prev.Backend {
						if rt.embedder.ChangeModel(next.Embedding.Model, next.Embedding.Backend) {
							prev = next.Embedding
							rt.logger.Info(ctx, "embedding model switched",
								"model", next.Embedding.Model, "backend", next.Embedding.Backend)
							return
						}
					}
					rt.logger.Warn(ctx, "configuration file changed; restart to apply", "path", cfgPath)
				})
				if err := watcher.Start(ctx); err != nil {
					rt.logger.Warn(ctx, "config watcher failed to start", "error", err)
				} else {
					defer watcher.Close()
				}
			}

			if rt.scheduler != nil {
				rt.scheduler.Start()
			}

			switch cfg.Server.Transport {
			case "", "stdio":
				if term.IsTerminal(int(os.Stdin.Fd())) {
					fmt.Fprintln(os.Stderr,
						"engram: waiting for JSON-RPC on stdin; this transport is meant to be launched by an MCP client (try --transport http for a listener)")
				}
				t := mcp.NewStdioTransport(rt.server, os.Stdin, os.Stdout, rt.logger)
				return t.Run(ctx)
			case "http", "ws":
				if addr == "" {
					addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
				}
				t := mcp.NewHTTPTransport(rt.server, mcp.HTTPOptions{
					Auth:           cfg.Auth,
					MetricsHandler: promhttp.HandlerFor(rt.prom, promhttp.HandlerOpts{}),
				}, rt.logger)
				return t.Serve(ctx, addr)
			default:
				return fmt.Errorf("unknown transport %q (want stdio, http, or ws)", cfg.Server.Transport)
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&transport, "transport", "", "transport to serve: stdio, http, or ws")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address for http/ws (default from config)")
	return cmd
}
