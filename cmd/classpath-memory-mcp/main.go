package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/classpath-memory-mcp/internal/classdb"
	"github.com/DeusData/classpath-memory-mcp/internal/config"
	"github.com/DeusData/classpath-memory-mcp/internal/tools"
)

var version = "dev"

// initLogger sends text logs to stderr; stdout carries the MCP stream.
func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return config.FileName
	}
	return filepath.Join(home, config.FileName)
}

func main() {
	showVersion := flag.Bool("version", false, "Print the version and exit")
	configPath := flag.String("config", defaultConfigPath(), "Path to the YAML config file")
	logLevel := flag.String("log-level", "info", "Log level (debug|info|warn|error)")
	watch := flag.Bool("watch", true, "Refresh locations when they change on disk")
	flag.Parse()

	if *showVersion {
		fmt.Println("classpath-memory-mcp", version)
		os.Exit(0)
	}
	initLogger(*logLevel)

	if err := run(*configPath, *watch); err != nil {
		slog.Error("server.failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := classdb.Open(ctx, settings)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if watch {
		if err := db.WatchFileSystemChanges(); err != nil {
			db.Close()
			return err
		}
	}
	slog.Info("server.start", "version", version, "config", configPath, "locations", len(db.Locations()), "runtime", db.RuntimeVersion())

	srv := tools.NewServer(db, version)
	runErr := srv.MCPServer().Run(ctx, &mcp.StdioTransport{})
	closeErr := db.Close()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("server: %w", runErr)
	}
	return closeErr
}
