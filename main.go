package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// shutdownTimeout bounds graceful shutdown of the HTTP transport.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flagOverrides binds the persistent flags that override file and environment settings.
type flagOverrides struct {
	configPath  string
	url         string
	backend     string
	dsn         string
	schema      string
	readOnlySQL bool
	logLevel    string
	logFormat   string
}

// runFunc serves with a fully loaded and validated config.
type runFunc func(ctx context.Context, cfg *Config) error

func newRootCmd() *cobra.Command {
	return newCommand(runStdio, runHTTP)
}

// newCommand builds the command tree around the given stdio and HTTP runners.
func newCommand(stdio, serveHTTP runFunc) *cobra.Command {
	var flags flagOverrides

	rootCmd := &cobra.Command{
		Use:           ServerName,
		Short:         "Expose a hosted database as MCP tools over stdio",
		Version:       ServerVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRuntimeConfig(cmd, &flags)
			if err != nil {
				return err
			}
			return stdio(cmd.Context(), cfg)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "YAML config file")
	pf.StringVar(&flags.url, "url", "", "project URL (overrides SUPABASE_URL)")
	pf.StringVar(&flags.backend, "backend", "", "gateway backend: rest, postgres, mysql or sqlite")
	pf.StringVar(&flags.dsn, "dsn", "", "DSN for SQL backends")
	pf.StringVar(&flags.schema, "schema", "", "schema reported by list_tables")
	pf.BoolVar(&flags.readOnlySQL, "read-only-sql", false, "reject non read-only statements in execute_sql")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(newServeHTTPCmd(&flags, serveHTTP))
	return rootCmd
}

func newServeHTTPCmd(flags *flagOverrides, serveHTTP runFunc) *cobra.Command {
	var addr, token string

	cmd := &cobra.Command{
		Use:   "serve-http",
		Short: "Serve the tools over HTTP instead of stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRuntimeConfig(cmd, flags)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			if cmd.Flags().Changed("token") {
				cfg.HTTP.Token = token
			}
			return serveHTTP(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", DefaultHTTPAddr, "listen address (overrides MCP_HTTP_ADDR)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token required on /mcp (overrides MCP_HTTP_TOKEN)")
	return cmd
}

// loadRuntimeConfig merges file, environment and changed flags, then validates.
func loadRuntimeConfig(cmd *cobra.Command, flags *flagOverrides) (*Config, error) {
	cfg, err := LoadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("url") {
		cfg.URL = flags.url
	}
	if changed("backend") {
		cfg.Backend = flags.backend
	}
	if changed("dsn") {
		cfg.DSN = flags.dsn
	}
	if changed("schema") {
		cfg.Schema = flags.schema
	}
	if changed("read-only-sql") {
		cfg.ReadOnlySQL = flags.readOnlySQL
	}
	if changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = flags.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildServer wires the gateway, dispatcher and protocol server from cfg.
func buildServer(cfg *Config, logger *slog.Logger) (*MCPServer, Gateway, error) {
	gw, err := OpenGateway(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	opts := DispatcherOptions{
		Schema:      cfg.Schema,
		SQLFunction: cfg.SQLFunction,
		Tables:      cfg.Tables,
		Logger:      logger,
	}
	if cfg.ReadOnlySQL {
		opts.Guard = NewQueryGuard(guardDialect(cfg.Backend))
	}
	return NewMCPServer(NewDispatcher(gw, opts), logger), gw, nil
}

// guardDialect picks the SQL dialect execute_sql queries are written in. The
// hosted REST backend runs PostgreSQL.
func guardDialect(backend string) Dialect {
	if d, err := dialectFor(backend); err == nil {
		return d
	}
	return &PostgresDialect{}
}

func runStdio(ctx context.Context, cfg *Config) error {
	logger := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	server, gw, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	logger.Info("server starting", "backend", cfg.Backend, "endpoint", cfg.Endpoint(), "read_only_sql", cfg.ReadOnlySQL)

	if ctx == nil {
		ctx = context.Background()
	}
	return server.Serve(ctx, os.Stdin, os.Stdout, os.Stderr)
}

func runHTTP(ctx context.Context, cfg *Config) error {
	logger := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	server, gw, err := buildServer(cfg, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.HTTP.Token == "" {
		logger.Warn("MCP_HTTP_TOKEN not set; /mcp endpoints are open")
	}

	transport := NewHTTPTransport(server, cfg.HTTP.Token, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           transport.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "backend", cfg.Backend, "endpoint", cfg.Endpoint(), "addr", cfg.HTTP.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server closed")
	return nil
}
