package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/socketrpc"
)

// cliConfig holds only report-client configuration. It shares the config
// file and environment of the service.
type cliConfig struct {
	SocketPath   string        `mapstructure:"socket-path"`
	QueryTimeout time.Duration `mapstructure:"query-timeout"`
	Output       string        `mapstructure:"report-output"`
}

// Output formats.
const (
	outputTable = "table"
	outputJSON  = "json"
)

func loadCLIConfig(configPath string) (cliConfig, error) {
	var cfg cliConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("PROCSCOPE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("query-timeout", model.DefaultQueryTimeout)
	v.SetDefault("report-output", outputTable)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "procscope", "config.yml"))
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
	if cfg.Output != outputTable && cfg.Output != outputJSON {
		return cfg, fmt.Errorf("invalid report-output: %q (want table or json)", cfg.Output)
	}

	return cfg, nil
}
