// Package driver assembles an analysis from validated options.
package driver

import (
	"fmt"
	"log/slog"

	"github.com/715d/pointsto/internal/config"
	"github.com/715d/pointsto/pkg/classpath"
	"github.com/715d/pointsto/pkg/entrypoints"
	"github.com/715d/pointsto/pkg/features"
	"github.com/715d/pointsto/pkg/pointsto"
)

// NewAnalysis opens the classpath of cfg, enables the features it selects
// and registers its entry points. Entry filters without a match are
// reported to warn; nil uses the default logger.
func NewAnalysis(cfg *config.Config, warn *slog.Logger) (*pointsto.Analysis, error) {
	cp, err := classpath.Open(classpath.Options{
		Classpath:    cfg.Classpath,
		PlatformPath: cfg.PlatformPath,
	})
	if err != nil {
		return nil, fmt.Errorf("open classpath: %w", err)
	}
	p, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	feats, err := Features(cfg)
	if err != nil {
		return nil, err
	}

	a, err := pointsto.New(pointsto.Options{
		Classpath:            cp,
		Policy:               p,
		Workers:              cfg.Workers,
		MaxClassVersion:      cfg.MaxClassVersion,
		MethodHandleFallback: cfg.MethodHandleFallback,
		Features:             feats,
	})
	if err != nil {
		return nil, err
	}

	if cfg.EntryClass != "" {
		if err := a.AddEntryPoint(cfg.EntryClass); err != nil {
			return nil, err
		}
	}
	if cfg.EntryFile != "" {
		filters, err := entrypoints.ReadFile(cfg.EntryFile)
		if err != nil {
			return nil, err
		}
		added, err := entrypoints.Register(a, filters, warn)
		if err != nil {
			return nil, err
		}
		slog.Info("registered entry points", "file", cfg.EntryFile, "filters", len(filters), "roots", added)
	}
	return a, nil
}

// Features returns the features enabled by cfg in registration order.
func Features(cfg *config.Config) ([]pointsto.Feature, error) {
	var feats []pointsto.Feature
	if cfg.RegisterServices {
		feats = append(feats, features.NewServiceLoader())
	}
	if len(cfg.ReflectionConfig) > 0 {
		entries, err := features.ReadReflectionConfigs(cfg.ReflectionConfig...)
		if err != nil {
			return nil, fmt.Errorf("reflection configuration: %w", err)
		}
		feats = append(feats, features.NewReflection(entries))
	}
	return feats, nil
}
