package main

import (
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
)

const (
	defaultBindHost           = "127.0.0.1"
	defaultAPIPort            = 3000
	defaultBackend            = string(model.BackendDuckDB)
	defaultQueryTimeout       = model.DefaultQueryTimeout
	defaultMaxConcurrentReads = model.DefaultMaxConcurrentQueries
	defaultImportInterval     = model.DefaultImportInterval
	defaultImportPageSize     = model.DefaultPageSize
	defaultBackoffMin         = model.DefaultBackoffMin
	defaultBackoffMax         = model.DefaultBackoffMax
	defaultSkipAfter          = 5
	defaultHistoryCleanupTTL  = 0 // days, 0 = disabled
	defaultBackupInterval     = 6 * time.Hour
	defaultBackupKeepLast     = 24
	defaultMetricsBackend     = metricsPrometheus
	defaultDatadogAddr        = "127.0.0.1:8125"
	defaultDatadogNamespace   = "procscope."
)

// Metrics backends.
const (
	metricsNone       = "none"
	metricsPrometheus = "prometheus"
	metricsDatadog    = "datadog"
)

// dataSourceConfig configures one history source.
type dataSourceConfig struct {
	ID            string        `mapstructure:"id"`
	Type          string        `mapstructure:"type"`
	URL           string        `mapstructure:"url"`
	Dir           string        `mapstructure:"dir"`
	Entities      []string      `mapstructure:"entities"`
	Partitions    []int         `mapstructure:"partitions"`
	StartPosition int64         `mapstructure:"start-position"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxRetries    int           `mapstructure:"max-retries"`
}

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DBBackend          string        `mapstructure:"db-backend"`
	DBPath             string        `mapstructure:"db-path"`
	IndexPrefix        string        `mapstructure:"index-prefix"`
	QueryTimeout       time.Duration `mapstructure:"query-timeout"`
	MaxConcurrentReads int           `mapstructure:"max-concurrent-queries"`

	ImportEnabled    bool               `mapstructure:"import-enabled"`
	ImportInterval   time.Duration      `mapstructure:"import-interval"`
	ImportPageSize   int                `mapstructure:"import-page-size"`
	ImportBackoffMin time.Duration      `mapstructure:"import-backoff-min"`
	ImportBackoffMax time.Duration      `mapstructure:"import-backoff-max"`
	ImportSkipAfter  int                `mapstructure:"import-skip-after"`
	DataSources      []dataSourceConfig `mapstructure:"data-sources"`

	Host       string `mapstructure:"host"`
	APIEnabled bool   `mapstructure:"api-enabled"`
	APIPort    int    `mapstructure:"api-port"`
	APIAddr    string `mapstructure:"api-addr"`
	SocketPath string `mapstructure:"socket-path"`

	HistoryCleanupTTL int `mapstructure:"history-cleanup-ttl"`

	BackupEnabled        bool          `mapstructure:"backup-enabled"`
	BackupInterval       time.Duration `mapstructure:"backup-interval"`
	BackupLocalDir       string        `mapstructure:"backup-local-dir"`
	BackupKeepLast       int           `mapstructure:"backup-keep-last"`
	BackupBucketURL      string        `mapstructure:"backup-bucket-url"`
	BackupS3Endpoint     string        `mapstructure:"backup-s3-endpoint"`
	BackupS3Region       string        `mapstructure:"backup-s3-region"`
	BackupS3AccessKey    string        `mapstructure:"backup-s3-access-key"`
	BackupS3SecretKey    string        `mapstructure:"backup-s3-secret-key"`
	BackupS3SessionToken string        `mapstructure:"backup-s3-session-token"`
	BackupS3UseSSL       bool          `mapstructure:"backup-s3-use-ssl"`

	MetricsBackend   string `mapstructure:"metrics-backend"`
	DatadogAddr      string `mapstructure:"datadog-addr"`
	DatadogNamespace string `mapstructure:"datadog-namespace"`

	ConfigPath string `mapstructure:"-"` // not from config file
}
