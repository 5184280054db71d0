package main

import (
	"context"
	"fmt"
	"log"

	"github.com/tinytelemetry/procscope/internal/importer"
	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/source"
	"github.com/tinytelemetry/procscope/internal/source/engine"
	"github.com/tinytelemetry/procscope/internal/source/eventlog"
)

// SourcePlugin is a small plugin primitive for wiring history sources.
type SourcePlugin interface {
	Name() string
	Build(ctx context.Context) (source.Source, error)
}

func buildSourcePlugins(cfgs []dataSourceConfig) ([]SourcePlugin, error) {
	plugins := make([]SourcePlugin, 0, len(cfgs))
	for _, c := range cfgs {
		switch model.SourceType(c.Type) {
		case model.SourceEngine:
			plugins = append(plugins, engineSourcePlugin{cfg: c})
		case model.SourceEventLog:
			plugins = append(plugins, eventlogSourcePlugin{cfg: c})
		default:
			return nil, fmt.Errorf("data source %q: unknown type %q", c.ID, c.Type)
		}
	}
	return plugins, nil
}

type engineSourcePlugin struct {
	cfg dataSourceConfig
}

func (p engineSourcePlugin) Name() string { return p.cfg.ID }

func (p engineSourcePlugin) Build(_ context.Context) (source.Source, error) {
	src, err := engine.New(engine.Config{
		ID:         p.cfg.ID,
		BaseURL:    p.cfg.URL,
		Partitions: p.cfg.Partitions,
		Client: engine.ClientConfig{
			Timeout:    p.cfg.Timeout,
			MaxRetries: p.cfg.MaxRetries,
		},
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

type eventlogSourcePlugin struct {
	cfg dataSourceConfig
}

func (p eventlogSourcePlugin) Name() string { return p.cfg.ID }

func (p eventlogSourcePlugin) Build(_ context.Context) (source.Source, error) {
	src, err := eventlog.New(eventlog.Config{
		ID:         p.cfg.ID,
		Dir:        p.cfg.Dir,
		Partitions: p.cfg.Partitions,
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// buildSources builds every configured source. A source that fails to
// build is logged and skipped so the others still import.
func buildSources(ctx context.Context, cfgs []dataSourceConfig) ([]importer.SourceConfig, error) {
	plugins, err := buildSourcePlugins(cfgs)
	if err != nil {
		return nil, err
	}
	out := make([]importer.SourceConfig, 0, len(plugins))
	for i, plugin := range plugins {
		src, err := plugin.Build(ctx)
		if err != nil {
			log.Printf("Error initializing data source %q: %v", plugin.Name(), err)
			continue
		}
		entities := make([]model.EntityType, 0, len(cfgs[i].Entities))
		for _, e := range cfgs[i].Entities {
			et, err := model.ParseEntityType(e)
			if err != nil {
				src.Close()
				return nil, fmt.Errorf("data source %q: %w", plugin.Name(), err)
			}
			entities = append(entities, et)
		}
		out = append(out, importer.SourceConfig{Source: src, Entities: entities})
	}
	return out, nil
}

// startPositions maps data source ids to the position their cursors start
// from when nothing has been imported yet.
func startPositions(cfgs []dataSourceConfig) map[string]int64 {
	out := make(map[string]int64)
	for _, c := range cfgs {
		if c.StartPosition > 0 {
			out[c.ID] = c.StartPosition
		}
	}
	return out
}
