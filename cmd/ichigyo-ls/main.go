package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	ichigyo "github.com/Xantibody/ichigyo-ls"
)

// App version (set via linker flags -ldflags="-X main.appVersion=...")
var appVersion = "dev"

var (
	logFilePath string
	logLevelArg string
	debugAddr   string
	configPath  string
)

var rootCmd = &cobra.Command{
	Use:   "ichigyo-ls",
	Short: "Language server exposing textlint diagnostics and quick fixes",
	Long: `ichigyo-ls speaks the Language Server Protocol on stdin/stdout.

Documents are linted with textlint when opened and saved. Findings are
published as diagnostics and linter fixes are offered as quick fixes.`,
	Version:       appVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.Flags().StringVar(&logFilePath, "log-file", "", "Also write logs to this file (stdout carries the protocol)")
	rootCmd.Flags().StringVar(&logLevelArg, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	rootCmd.Flags().StringVar(&debugAddr, "debug-addr", "", "Serve pprof and Prometheus metrics on this address, e.g. localhost:6061")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file to load instead of the standard locations")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	// --- Basic Setup ---
	var logWriter io.Writer = os.Stderr
	if logFilePath != "" {
		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer logFile.Close()
		logWriter = io.MultiWriter(os.Stderr, logFile)
	}

	// Temporary logger until the configured level is known.
	tempLogger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, cfgErr := ichigyo.LoadConfig(tempLogger, configPath)
	if cfgErr != nil && !errors.Is(cfgErr, ichigyo.ErrConfig) {
		return fmt.Errorf("loading configuration: %w", cfgErr)
	}

	// --- Setup Global Logger ---
	chosenLevel := cfg.LogLevel
	if logLevelArg != "" {
		chosenLevel = logLevelArg
	}
	logLevel, parseLevelErr := ichigyo.ParseLogLevel(chosenLevel)
	if parseLevelErr != nil {
		tempLogger.Warn("Invalid log level, using default 'info'", "level", chosenLevel, "error", parseLevelErr)
		logLevel = slog.LevelInfo
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(logLevel)
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: levelVar, AddSource: true}))
	slog.SetDefault(logger)

	slog.Info("ichigyo-ls starting...", "version", appVersion, "log_level", logLevel.String())
	if cfgErr != nil {
		slog.Warn("Configuration loaded with warnings", "error", cfgErr)
	}

	// --- Initialize Core Service ---
	cache, err := ichigyo.NewLintCache(cfg.CacheMaxCost, cfg.CacheTTL)
	if err != nil {
		return err
	}
	metrics := ichigyo.NewMetrics()
	linter := ichigyo.NewLinter(ichigyo.NewCommandRunnerFromConfig(cfg, logger), cache, metrics, logger)
	defer func() {
		slog.Info("Closing linter service...")
		linter.Close()
	}()

	// --- Setup Profiling & Metrics ---
	if debugAddr != "" {
		runtime.SetBlockProfileRate(1)
		runtime.SetMutexProfileFraction(1)
		startDebugServer(debugAddr, metrics)
	}

	// --- Initialize and Run LSP Server ---
	lspServer := ichigyo.NewServer(linter, cfg, logger, appVersion,
		ichigyo.WithMetrics(metrics),
		ichigyo.WithLevelVar(levelVar),
	)
	lspServer.Run(os.Stdin, os.Stdout)

	if !lspServer.ShutdownRequested() {
		slog.Warn("Connection closed without shutdown request")
		return errors.New("exit without shutdown")
	}
	slog.Info("LSP server has shut down gracefully.")
	return nil
}

// startDebugServer starts the HTTP server for pprof and Prometheus metrics.
func startDebugServer(addr string, metrics *ichigyo.Metrics) {
	go func() {
		slog.Info("Starting debug server for pprof/metrics", "addr", addr)
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", pprof.Index)
		debugMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		debugMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		debugMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		debugMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		debugMux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(addr, debugMux); err != nil {
			// Use the default slog logger as this runs in a separate goroutine
			slog.Error("Debug server failed", "error", err)
		}
	}()
}
