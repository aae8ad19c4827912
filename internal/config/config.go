// Package config loads the analyzer options from defaults, an optional
// options file, the environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/viper"

	"github.com/715d/pointsto/internal/policy"
)

// EnvPrefix prefixes the environment variables read by the option layer,
// e.g. POINTSTO_ENTRY_CLASS.
const EnvPrefix = "POINTSTO"

// Output formats.
const (
	FormatText = "text"
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// Config holds every analyzer option.
type Config struct {
	Classpath            []string `mapstructure:"classpath"`
	PlatformPath         []string `mapstructure:"platform-path"`
	EntryClass           string   `mapstructure:"entry-class"`
	EntryFile            string   `mapstructure:"entry-file"`
	ContextSensitive     bool     `mapstructure:"context-sensitive"`
	RegisterServices     bool     `mapstructure:"register-services"`
	ReflectionConfig     []string `mapstructure:"reflection-config"`
	SaturationThreshold  int      `mapstructure:"saturation-threshold"`
	Workers              int      `mapstructure:"workers"`
	MaxClassVersion      int      `mapstructure:"max-class-version"`
	MethodHandleFallback bool     `mapstructure:"method-handle-fallback"`

	Output        string `mapstructure:"output"`
	Format        string `mapstructure:"format"`
	PrintCallTree bool   `mapstructure:"print-call-tree"`

	Verbose bool `mapstructure:"verbose"`
	JSONLog bool `mapstructure:"json-log"`
	Profile bool `mapstructure:"profile"`
	Trace   bool `mapstructure:"trace"`
}

// Error codes.
const (
	CodeNoClasspath  = "NO_CLASSPATH"
	CodeNoEntryPoint = "NO_ENTRY_POINT"
	CodeInvalidValue = "INVALID_VALUE"
	CodeRead         = "READ_ERROR"
)

// Error is a configuration error. Errors compare equal under errors.Is when
// their codes match.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is checks.
var (
	ErrNoClasspath  = &Error{Code: CodeNoClasspath}
	ErrNoEntryPoint = &Error{Code: CodeNoEntryPoint}
	ErrInvalidValue = &Error{Code: CodeInvalidValue}
	ErrRead         = &Error{Code: CodeRead}
)

// NewViper returns a viper instance with the defaults set and environment
// overrides enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("classpath", []string{})
	v.SetDefault("platform-path", []string{})
	v.SetDefault("entry-class", "")
	v.SetDefault("entry-file", "")
	v.SetDefault("context-sensitive", false)
	v.SetDefault("register-services", true)
	v.SetDefault("reflection-config", []string{})
	v.SetDefault("saturation-threshold", policy.DefaultSaturationThreshold)
	v.SetDefault("workers", 0)
	v.SetDefault("max-class-version", 0)
	v.SetDefault("method-handle-fallback", false)
	v.SetDefault("output", "")
	v.SetDefault("format", FormatText)
	v.SetDefault("print-call-tree", false)
	v.SetDefault("verbose", false)
	v.SetDefault("json-log", false)
	v.SetDefault("profile", false)
	v.SetDefault("trace", false)
}

// Load reads the options file at path, if any, into v and returns the
// validated configuration.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Code: CodeRead, Message: "read options file " + path, Err: err}
		}
	}
	return decode(v)
}

// LoadFromReader reads options of the given type ("yaml", "json", ...) from
// r on top of the defaults and the environment.
func LoadFromReader(configType string, r io.Reader) (*Config, error) {
	v := NewViper()
	v.SetConfigType(configType)
	if err := v.ReadConfig(r); err != nil {
		return nil, &Error{Code: CodeRead, Message: "read options", Err: err}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &Error{Code: CodeInvalidValue, Message: "decode options", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the options that must hold before an analysis starts.
func (c *Config) Validate() error {
	if len(c.Classpath) == 0 {
		return &Error{Code: CodeNoClasspath, Message: "no classpath entries"}
	}
	if c.EntryClass == "" && c.EntryFile == "" {
		return &Error{Code: CodeNoEntryPoint, Message: "neither an entry class nor an entry file is set"}
	}
	if c.SaturationThreshold < 0 {
		return &Error{Code: CodeInvalidValue, Message: fmt.Sprintf("saturation-threshold %d is negative", c.SaturationThreshold)}
	}
	if c.Workers < 0 {
		return &Error{Code: CodeInvalidValue, Message: fmt.Sprintf("workers %d is negative", c.Workers)}
	}
	if c.MaxClassVersion < 0 {
		return &Error{Code: CodeInvalidValue, Message: fmt.Sprintf("max-class-version %d is negative", c.MaxClassVersion)}
	}
	if !slices.Contains([]string{FormatText, FormatYAML, FormatJSON}, c.Format) {
		return &Error{Code: CodeInvalidValue, Message: fmt.Sprintf("unknown format %q", c.Format)}
	}
	return nil
}

// Policy returns the analysis policy selected by the options.
func (c *Config) Policy() (policy.Policy, error) {
	p, err := policy.New(c.ContextSensitive, c.SaturationThreshold)
	if err != nil {
		return nil, &Error{Code: CodeInvalidValue, Message: "analysis policy", Err: err}
	}
	return p, nil
}
