package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/socketrpc"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var socketPath string
	var output string
	var combined bool
	var status bool
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/procscope/config.yml)")
	flag.StringVar(&socketPath, "socket", "", "override socket path to connect to procscope service")
	flag.StringVar(&output, "o", "", "output format: table or json")
	flag.BoolVar(&combined, "combined", false, "evaluate all definitions as one combined report")
	flag.BoolVar(&status, "status", false, "print the import status instead of evaluating reports")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: procscope-report [flags] definition.yml...\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("procscope-report - Report Client\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadCLIConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if output != "" {
		cfg.Output = output
	}

	if !status && flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(cfg, flag.Args(), combined, status, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg cliConfig, files []string, combined, status bool, w io.Writer) error {
	client, err := socketrpc.Dial(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("cannot connect to procscope service at %s: %w\nIs the procscope service running? Start it with: procscope", cfg.SocketPath, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer cancel()

	if status {
		loops, err := client.ImportStatus(ctx)
		if err != nil {
			return err
		}
		if cfg.Output == outputJSON {
			return writeJSON(w, loops)
		}
		renderStatus(w, loops)
		return nil
	}

	defs, err := readDefinitions(files)
	if err != nil {
		return err
	}
	return evaluate(ctx, client, defs, combined, cfg.Output, w)
}

func evaluate(ctx context.Context, ev model.ReportEvaluator, defs []model.Definition, combined bool, output string, w io.Writer) error {
	if combined {
		res, err := ev.EvaluateCombined(ctx, defs)
		if err != nil {
			return err
		}
		if output == outputJSON {
			return writeJSON(w, res)
		}
		renderCombined(w, res)
		return nil
	}

	for i, def := range defs {
		res, err := ev.Evaluate(ctx, def)
		if err != nil {
			return fmt.Errorf("report %s: %w", reportTitle(def, i), err)
		}
		if output == outputJSON {
			if err := writeJSON(w, res); err != nil {
				return err
			}
			continue
		}
		renderResult(w, reportTitle(def, i), res)
	}
	return nil
}

// readDefinitions decodes every definition file in order. A file may hold
// one definition or a list.
func readDefinitions(files []string) ([]model.Definition, error) {
	var defs []model.Definition
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		list, err := model.ParseDefinitions(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		defs = append(defs, list...)
	}
	return defs, nil
}

func reportTitle(def model.Definition, i int) string {
	switch {
	case def.Name != "":
		return def.Name
	case def.ID != "":
		return def.ID
	default:
		return fmt.Sprintf("#%d", i+1)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
