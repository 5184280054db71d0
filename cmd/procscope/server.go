package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/procscope/internal/backend"
	"github.com/tinytelemetry/procscope/internal/backup"
	"github.com/tinytelemetry/procscope/internal/httpserver"
	"github.com/tinytelemetry/procscope/internal/importer"
	"github.com/tinytelemetry/procscope/internal/metrics"
	"github.com/tinytelemetry/procscope/internal/metrics/datadog"
	"github.com/tinytelemetry/procscope/internal/metrics/prom"
	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/report"
	"github.com/tinytelemetry/procscope/internal/search"
	"github.com/tinytelemetry/procscope/internal/socketrpc"
)

// readAPI joins the report evaluator and the import status for the read
// surfaces. status is nil when importing is disabled.
type readAPI struct {
	*report.Evaluator
	status model.ImportStatusReader
}

func (a readAPI) ImportStatus() []model.MediatorStatus {
	if a.status == nil {
		return []model.MediatorStatus{}
	}
	return a.status.ImportStatus()
}

// runServer opens the search store, runs the import loops and serves the
// read API until SIGINT or SIGTERM.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	rec, metricsHandler, err := buildRecorder(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() {
		if err := rec.Flush(); err != nil {
			log.Printf("metrics: flush: %v", err)
		}
	}()

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the search store; upgrade failures halt startup.
	store, err := backend.Open(ctx, model.Backend(cfg.DBBackend), search.Options{
		Path:                 cfg.DBPath,
		IndexPrefix:          cfg.IndexPrefix,
		QueryTimeout:         cfg.QueryTimeout,
		MaxConcurrentQueries: cfg.MaxConcurrentReads,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize %s store: %w", cfg.DBBackend, err)
	}
	defer store.Close()

	// Start history cleanup for completed instances past their TTL
	cleaner := search.NewHistoryCleaner(store, search.CleanupConfig{TTLDays: cfg.HistoryCleanupTTL})
	if cleaner != nil {
		defer cleaner.Stop()
	}

	// Start periodic backups when enabled.
	backupManager, err := backup.NewManager(store, backup.Config{
		Enabled:        cfg.BackupEnabled,
		Interval:       cfg.BackupInterval,
		LocalDir:       cfg.BackupLocalDir,
		KeepLast:       cfg.BackupKeepLast,
		BucketURL:      cfg.BackupBucketURL,
		S3Endpoint:     cfg.BackupS3Endpoint,
		S3Region:       cfg.BackupS3Region,
		S3AccessKey:    cfg.BackupS3AccessKey,
		S3SecretKey:    cfg.BackupS3SecretKey,
		S3SessionToken: cfg.BackupS3SessionToken,
		S3UseSSL:       cfg.BackupS3UseSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize backups: %w", err)
	}
	if backupManager != nil {
		defer backupManager.Stop()
	}

	// Build the import loops
	var imp *importer.Importer
	if cfg.ImportEnabled {
		sources, err := buildSources(ctx, cfg.DataSources)
		if err != nil {
			return fmt.Errorf("failed to initialize data sources: %w", err)
		}
		imp = importer.New(store, rec, importer.Config{
			PageSize:       cfg.ImportPageSize,
			Interval:       cfg.ImportInterval,
			BackoffMin:     cfg.ImportBackoffMin,
			BackoffMax:     cfg.ImportBackoffMax,
			SkipAfter:      cfg.ImportSkipAfter,
			StartPositions: startPositions(cfg.DataSources),
		}, sources...)
		defer imp.Close()
		if err := imp.Build(ctx); err != nil {
			return fmt.Errorf("failed to build import loops: %w", err)
		}
	}

	api := readAPI{Evaluator: report.New(store, rec)}
	if imp != nil {
		api.status = imp
	}

	// Start HTTP API server if enabled
	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, api, metricsHandler)
		apiServer.SetQueryTimeout(cfg.QueryTimeout)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	// Start socket RPC server for the report CLI
	sockServer := socketrpc.NewServer(cfg.SocketPath, api)
	sockServer.SetQueryTimeout(cfg.QueryTimeout)
	if err := sockServer.Start(); err != nil {
		log.Printf("Warning: failed to start socket server: %v", err)
	} else {
		defer sockServer.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// The shutdown deadline starts at the signal.
		deadline := time.NewTimer(10 * time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	printStartupBanner(cfg, len(api.ImportStatus()))

	// Use errgroup for concurrent goroutine lifecycle management.
	g, gctx := errgroup.WithContext(ctx)

	// Import loops
	if imp != nil {
		g.Go(func() error {
			return imp.Run(gctx)
		})
	}

	// Wait for context cancellation (from signal handler) in the errgroup
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}

	cancel()

	// If we reach here, graceful shutdown succeeded within the deadline.
	// The signal goroutine (if active) dies with the process.
	signal.Stop(sigCh)

	return nil
}

// buildRecorder returns the configured metrics backend and, for
// Prometheus, the handler serving /metrics.
func buildRecorder(cfg appConfig) (metrics.Recorder, http.Handler, error) {
	switch cfg.MetricsBackend {
	case metricsPrometheus:
		r := prom.New()
		return r, r.Handler(), nil
	case metricsDatadog:
		r, err := datadog.New(datadog.Config{
			Addr:       cfg.DatadogAddr,
			Namespace:  cfg.DatadogNamespace,
			GlobalTags: []string{"backend:" + cfg.DBBackend},
		})
		if err != nil {
			return nil, nil, err
		}
		return r, nil, nil
	default:
		return metrics.Nop{}, nil, nil
	}
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func configureRuntimeLogger() func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	home, err := os.UserHomeDir()
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "procscope")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "procscope.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}

func printStartupBanner(cfg appConfig, loops int) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╦═╗╔═╗╔═╗╔═╗╔═╗╔═╗╔═╗╔═╗
    ╠═╝╠╦╝║ ║║  ╚═╗║  ║ ║╠═╝║╣
    ╩  ╩╚═╚═╝╚═╝╚═╝╚═╝╚═╝╩  ╚═╝`)

	ver := dim.Render("v" + version)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	// Gateway
	lines = append(lines, bold.Render("    Gateway"))
	lines = append(lines, "")

	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Unix Socket    %s", check, cyan.Render(shortenPath(cfg.SocketPath))))
	if cfg.MetricsBackend == metricsNone {
		lines = append(lines, fmt.Sprintf("    %s  Metrics        %s", dot, dim.Render("disabled")))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Metrics        %s", check, dim.Render(cfg.MetricsBackend)))
	}
	lines = append(lines, "")

	// Import
	lines = append(lines, bold.Render("    Import"))
	lines = append(lines, "")

	if cfg.ImportEnabled && len(cfg.DataSources) > 0 {
		for _, ds := range cfg.DataSources {
			where := ds.URL
			if ds.Type == string(model.SourceEventLog) {
				where = shortenPath(ds.Dir)
			}
			lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, ds.ID, dim.Render(ds.Type+" "+where)))
		}
		lines = append(lines, fmt.Sprintf("    %s  Import Loops   %s", check, dim.Render(fmt.Sprint(loops))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Data Sources   %s", dot, dim.Render("none")))
	}
	lines = append(lines, "")

	// Storage
	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")

	lines = append(lines, fmt.Sprintf("    %s  Backend        %s", check, dim.Render(cfg.DBBackend)))
	lines = append(lines, fmt.Sprintf("    %s  Storage        %s", check, dim.Render(shortenPath(cfg.DBPath))))
	if cfg.HistoryCleanupTTL > 0 {
		lines = append(lines, fmt.Sprintf("    %s  Cleanup        %s", check, dim.Render(fmt.Sprintf("%d days", cfg.HistoryCleanupTTL))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Cleanup        %s", dot, dim.Render("disabled")))
	}
	if cfg.BackupEnabled {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", check, dim.Render(shortenPath(cfg.BackupLocalDir))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Snapshots      %s", dot, dim.Render("disabled")))
	}

	lines = append(lines, "")
	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
