package harness

import (
	"os"
	"path/filepath"
	"testing"

	yaml "gopkg.in/yaml.v3"

	"github.com/stretchr/testify/require"

	"github.com/715d/pointsto/internal/config"
	"github.com/715d/pointsto/internal/policy"
)

// LoadTestCase loads a test case from a directory with a specified testdata root.
func LoadTestCase(t *testing.T, dir, root string) *TestCase {
	t.Helper()
	yamlPath := filepath.Join(dir, "expected.yaml")

	tc := &TestCase{}
	data, err := os.ReadFile(yamlPath)
	require.NoError(t, err)
	err = yaml.Unmarshal(data, tc)
	require.NoError(t, err)

	// Use relative path from testdata root if provided.
	if root != "" {
		relPath, err := filepath.Rel(root, dir)
		if err != nil {
			tc.Dir = filepath.Base(dir)
		} else {
			tc.Dir = relPath
		}
		return tc
	}

	tc.Dir = filepath.Base(dir)
	return tc
}

// Options returns the analyzer options of cfg. The classpath is every
// .txtar archive of the scenario directory in name order; file options are
// relative to that directory.
func Options(t *testing.T, dir string, cfg Configuration) *config.Config {
	t.Helper()
	archives, err := filepath.Glob(filepath.Join(dir, "*.txtar"))
	require.NoError(t, err)
	require.NotEmpty(t, archives, "no classpath archives in %s", dir)

	opts := &config.Config{
		Classpath:            archives,
		EntryClass:           cfg.EntryClass,
		ContextSensitive:     cfg.ContextSensitive,
		RegisterServices:     true,
		SaturationThreshold:  policy.DefaultSaturationThreshold,
		Workers:              cfg.Workers,
		MaxClassVersion:      cfg.MaxClassVersion,
		MethodHandleFallback: cfg.MethodHandleFallback,
		Format:               config.FormatText,
	}
	if cfg.RegisterServices != nil {
		opts.RegisterServices = *cfg.RegisterServices
	}
	if cfg.SaturationThreshold != nil {
		opts.SaturationThreshold = *cfg.SaturationThreshold
	}
	if cfg.EntryFile != "" {
		opts.EntryFile = filepath.Join(dir, cfg.EntryFile)
	}
	for _, path := range cfg.ReflectionConfig {
		opts.ReflectionConfig = append(opts.ReflectionConfig, filepath.Join(dir, path))
	}
	return opts
}
