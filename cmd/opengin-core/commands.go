package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/buildinfo"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/config"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/logger"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/metrics"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/server"
	"github.com/ZanzyTHEbar/opengin-core-go/pkg/opengin"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the entity tools over MCP",
	RunE:  runServe,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Ping every store and print its status",
	RunE:  runHealth,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "opengin-core %s", buildinfo.Version)
		if buildinfo.Revision != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " (%s)", buildinfo.Revision)
		}
		if buildinfo.BuildDate != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " built %s", buildinfo.BuildDate)
		}
		fmt.Fprintln(cmd.OutOrStdout())
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("transport", "", "Transport to use: stdio or sse")
	flags.String("addr", "", "Address to listen on when using SSE transport")
	flags.String("sse-endpoint", "", "SSE endpoint path when using SSE transport")
	for key, name := range map[string]string{
		"server.transport":    "transport",
		"server.addr":         "addr",
		"server.sse_endpoint": "sse-endpoint",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return err
	}
	log := logger.Logger.Named("serve")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Prometheus {
		if err := metrics.Init(cfg.Metrics.Addr); err != nil {
			log.Warnw("metrics exporter disabled", logger.FieldError, err)
		}
	}

	svc, err := opengin.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Errorw("error closing stores", logger.FieldError, err)
		}
	}()

	mcpServer := server.NewMCPServer(svc, log)
	log.Infow("starting opengin-core", "version", buildinfo.Version, "transport", cfg.Server.Transport)
	switch cfg.Server.Transport {
	case "sse":
		err = mcpServer.RunSSE(ctx, cfg.Server.Addr, cfg.Server.SSEEndpoint)
	default:
		err = mcpServer.Run(ctx)
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Infow("server stopped")
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Engine.StoreTimeout)
	defer cancel()

	svc, err := opengin.Open(ctx, cfg, logger.Logger.Named("health"))
	if err != nil {
		return err
	}
	defer svc.Close()

	stores := svc.Health(ctx)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(stores); err != nil {
		return err
	}
	for store, status := range stores {
		if status != "ok" {
			return fmt.Errorf("%s store unhealthy: %s", store, status)
		}
	}
	return nil
}
