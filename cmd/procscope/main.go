package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/socketrpc"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/procscope/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("procscope - Process History Import and Reports\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	defaultDBPath := filepath.Join(home, ".local", "share", "procscope", "procscope.db")

	v := viper.New()
	v.SetEnvPrefix("PROCSCOPE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("db-backend", defaultBackend)
	v.SetDefault("db-path", defaultDBPath)
	v.SetDefault("index-prefix", model.DefaultIndexPrefix)
	v.SetDefault("query-timeout", defaultQueryTimeout)
	v.SetDefault("max-concurrent-queries", defaultMaxConcurrentReads)
	v.SetDefault("import-enabled", true)
	v.SetDefault("import-interval", defaultImportInterval)
	v.SetDefault("import-page-size", defaultImportPageSize)
	v.SetDefault("import-backoff-min", defaultBackoffMin)
	v.SetDefault("import-backoff-max", defaultBackoffMax)
	v.SetDefault("import-skip-after", defaultSkipAfter)
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("history-cleanup-ttl", defaultHistoryCleanupTTL)
	v.SetDefault("backup-enabled", false)
	v.SetDefault("backup-interval", defaultBackupInterval)
	v.SetDefault("backup-local-dir", filepath.Join(home, ".local", "share", "procscope", "backups"))
	v.SetDefault("backup-keep-last", defaultBackupKeepLast)
	v.SetDefault("backup-s3-use-ssl", true)
	v.SetDefault("metrics-backend", defaultMetricsBackend)
	v.SetDefault("datadog-addr", defaultDatadogAddr)
	v.SetDefault("datadog-namespace", defaultDatadogNamespace)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		defaultConfigPath := filepath.Join(home, ".config", "procscope", "config.yml")
		v.SetConfigFile(defaultConfigPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if err := validateConfig(&cfg); err != nil {
		return cfg, err
	}

	// Expand ~ in paths
	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.BackupLocalDir = expandHome(home, cfg.BackupLocalDir)
	for i := range cfg.DataSources {
		cfg.DataSources[i].Dir = expandHome(home, cfg.DataSources[i].Dir)
	}

	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

func validateConfig(cfg *appConfig) error {
	b, err := model.ParseBackend(cfg.DBBackend)
	if err != nil {
		return err
	}
	cfg.DBBackend = string(b)
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.QueryTimeout <= 0 {
		return fmt.Errorf("invalid query-timeout: %s", cfg.QueryTimeout)
	}
	if cfg.ImportPageSize <= 0 {
		return fmt.Errorf("invalid import-page-size: %d", cfg.ImportPageSize)
	}
	if cfg.ImportBackoffMax < cfg.ImportBackoffMin {
		return fmt.Errorf("invalid import-backoff-max: %s is below import-backoff-min %s",
			cfg.ImportBackoffMax, cfg.ImportBackoffMin)
	}
	if cfg.HistoryCleanupTTL < 0 {
		return fmt.Errorf("invalid history-cleanup-ttl: %d", cfg.HistoryCleanupTTL)
	}
	if err := validateDataSources(cfg.DataSources); err != nil {
		return err
	}

	switch cfg.MetricsBackend {
	case metricsNone, metricsPrometheus:
	case metricsDatadog:
		if strings.TrimSpace(cfg.DatadogAddr) == "" {
			return fmt.Errorf("datadog-addr is required when metrics-backend is datadog")
		}
	default:
		return fmt.Errorf("invalid metrics-backend: %q (want none, prometheus or datadog)", cfg.MetricsBackend)
	}

	if cfg.BackupEnabled {
		if cfg.BackupInterval <= 0 {
			return fmt.Errorf("invalid backup-interval: %s", cfg.BackupInterval)
		}
		if cfg.BackupKeepLast <= 0 {
			return fmt.Errorf("invalid backup-keep-last: %d", cfg.BackupKeepLast)
		}
		if strings.TrimSpace(cfg.BackupBucketURL) != "" &&
			(strings.TrimSpace(cfg.BackupS3AccessKey) == "" || strings.TrimSpace(cfg.BackupS3SecretKey) == "") {
			return fmt.Errorf("backup-s3-access-key and backup-s3-secret-key are required when backup-bucket-url is set")
		}
	}
	return nil
}

func validateDataSources(sources []dataSourceConfig) error {
	seen := make(map[string]bool, len(sources))
	for i, ds := range sources {
		if strings.TrimSpace(ds.ID) == "" {
			return fmt.Errorf("data-sources[%d]: id is required", i)
		}
		if seen[ds.ID] {
			return fmt.Errorf("data-sources[%d]: duplicate id %q", i, ds.ID)
		}
		seen[ds.ID] = true
		switch model.SourceType(ds.Type) {
		case model.SourceEngine:
			if strings.TrimSpace(ds.URL) == "" {
				return fmt.Errorf("data-sources[%d]: url is required for %s sources", i, ds.Type)
			}
		case model.SourceEventLog:
			if strings.TrimSpace(ds.Dir) == "" {
				return fmt.Errorf("data-sources[%d]: dir is required for %s sources", i, ds.Type)
			}
		default:
			return fmt.Errorf("data-sources[%d]: unknown type %q (want engine or eventlog)", i, ds.Type)
		}
		for _, e := range ds.Entities {
			if _, err := model.ParseEntityType(e); err != nil {
				return fmt.Errorf("data-sources[%d]: %w", i, err)
			}
		}
		if ds.StartPosition < 0 {
			return fmt.Errorf("data-sources[%d]: invalid start-position %d", i, ds.StartPosition)
		}
	}
	return nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
