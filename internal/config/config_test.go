package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/715d/pointsto/internal/policy"
)

func TestLoadFromReader(t *testing.T) {
	cfg, err := LoadFromReader("yaml", strings.NewReader(`
classpath: [build/classes, lib/dep.txtar]
entry-class: p.Main
context-sensitive: true
reflection-config: [reflect-config.json]
format: json
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"build/classes", "lib/dep.txtar"}, cfg.Classpath)
	assert.Equal(t, "p.Main", cfg.EntryClass)
	assert.True(t, cfg.ContextSensitive)
	assert.True(t, cfg.RegisterServices, "services are registered by default")
	assert.Equal(t, policy.DefaultSaturationThreshold, cfg.SaturationThreshold)
	assert.Equal(t, []string{"reflect-config.json"}, cfg.ReflectionConfig)
	assert.Equal(t, FormatJSON, cfg.Format)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, "allocation-site-sensitive", p.Name())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "no classpath",
			input:   "entry-class: p.Main",
			wantErr: ErrNoClasspath,
		},
		{
			name:    "no entry point",
			input:   "classpath: [a]",
			wantErr: ErrNoEntryPoint,
		},
		{
			name:  "entry file only",
			input: "classpath: [a]\nentry-file: entries.txt",
		},
		{
			name:    "negative threshold",
			input:   "classpath: [a]\nentry-class: p.Main\nsaturation-threshold: -1",
			wantErr: ErrInvalidValue,
		},
		{
			name:  "saturation disabled",
			input: "classpath: [a]\nentry-class: p.Main\nsaturation-threshold: 0",
		},
		{
			name:    "negative workers",
			input:   "classpath: [a]\nentry-class: p.Main\nworkers: -2",
			wantErr: ErrInvalidValue,
		},
		{
			name:    "unknown format",
			input:   "classpath: [a]\nentry-class: p.Main\nformat: xml",
			wantErr: ErrInvalidValue,
		},
		{
			name:    "bad value type",
			input:   "classpath: [a]\nentry-class: p.Main\nworkers: many",
			wantErr: ErrInvalidValue,
		},
		{
			name:    "malformed document",
			input:   "classpath: [a",
			wantErr: ErrRead,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromReader("yaml", strings.NewReader(tt.input))
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			var cfgErr *Error
			require.True(t, errors.As(err, &cfgErr))
			assert.NotEmpty(t, cfgErr.Message)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pointsto.yaml")
	require.NoError(t, os.WriteFile(path, []byte("classpath: [a]\nentry-class: p.Main\nworkers: 4\n"), 0o644))

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)

	_, err = Load(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, ErrRead)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("POINTSTO_ENTRY_CLASS", "env.Main")
	t.Setenv("POINTSTO_SATURATION_THRESHOLD", "7")

	v := NewViper()
	v.Set("classpath", []string{"a"})
	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "env.Main", cfg.EntryClass)
	assert.Equal(t, 7, cfg.SaturationThreshold)
}

func TestError(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Code: CodeRead, Message: "read options", Err: cause}
	assert.Equal(t, "[READ_ERROR] read options: boom", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrRead)
	assert.NotErrorIs(t, err, ErrNoClasspath)
	assert.Equal(t, "[NO_CLASSPATH] no classpath entries", (&Error{Code: CodeNoClasspath, Message: "no classpath entries"}).Error())
}
