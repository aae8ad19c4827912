// Package main implements the CLI driver for the points-to analyzer.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/715d/pointsto/internal/config"
	"github.com/715d/pointsto/internal/driver"
	"github.com/715d/pointsto/internal/policy"
	"github.com/715d/pointsto/internal/telemetry"
	"github.com/715d/pointsto/pkg/pointsto"
	"github.com/715d/pointsto/pkg/report"
)

const (
	exitNotOK = 1 // analysis degraded or crashed
	exitError = 2 // usage or configuration error
)

var (
	// Set via ldflags during build.
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var (
	v          *viper.Viper
	cfg        *config.Config
	configFile string
	shutdown   telemetry.ShutdownFunc
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		_ = teardown(nil, nil)
		if err.Error() != "" {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		os.Exit(exitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	v = config.NewViper()
	cfg = nil
	configFile = ""

	var rootCmd = &cobra.Command{
		Use:   "pointsto [flags] [classpath...]",
		Short: "Whole-program points-to analysis",
		Long: `pointsto computes the reachable types, methods and fields of a program
starting from its entry points.

Classpath entries are directories or .txtar archives of class declarations.
Entry points come from --entry-class (its main method) and --entry-file (one
method filter per line). The exit code is 1 when the analysis recorded
unsupported features or crashed and 2 on usage errors.`,
		Example: `  pointsto --entry-class app.Main build/classes
  pointsto --entry-file entrypoints.txt -c build/classes -c lib/dep.txtar
  pointsto --entry-class app.Main --format json -o report.json build/classes
  pointsto --config pointsto.yaml --print-call-tree`,
		Args:               cobra.ArbitraryArgs,
		RunE:               runCommand,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
		SilenceUsage:       true,
		SilenceErrors:      true,
		Version:            version,
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf("pointsto version %s\n  commit: %s\n  built:  %s\n", version, gitCommit, buildTime))

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Options file (YAML, JSON or TOML)")
	flags.StringSliceP("classpath", "c", nil, "Application classpath entries")
	flags.StringSlice("platform-path", nil, "Extra platform library entries")
	flags.StringP("entry-class", "e", "", "Class whose main(java.lang.String[]) is the entry point")
	flags.String("entry-file", "", "File of entry point method filters")
	flags.Bool("context-sensitive", false, "Distinguish objects by allocation site")
	flags.Bool("register-services", true, "Register META-INF/services providers of reachable service types")
	flags.StringSlice("reflection-config", nil, "Reflection configuration files")
	flags.Int("saturation-threshold", policy.DefaultSaturationThreshold, "Objects a flow may hold before it saturates (0 disables saturation)")
	flags.Int("workers", 0, "Propagation workers (0 selects the number of CPUs)")
	flags.Int("max-class-version", 0, "Newest accepted class-file version (0 selects the newest supported)")
	flags.Bool("method-handle-fallback", false, "Invoke every direct target of unreducible method handle chains")
	flags.StringP("output", "o", "", "Write the report to a file instead of stdout")
	flags.StringP("format", "f", config.FormatText, "Report format: text, yaml or json")
	flags.Bool("print-call-tree", false, "Print a call path from a root to every reachable method")
	flags.BoolP("verbose", "v", false, "Enable verbose output")
	flags.Bool("json-log", false, "Log in JSON format")
	flags.Bool("profile", false, "Enable CPU and memory profiling (writes cpu.prof and mem.prof to current directory)")
	flags.Bool("trace", false, "Record OpenTelemetry spans of the analysis")
	_ = v.BindPFlags(flags)

	return rootCmd
}

func runCommand(cmd *cobra.Command, _ []string) error {
	slog.Info("starting points-to analysis", "classpath", cfg.Classpath, "entry_class", cfg.EntryClass, "entry_file", cfg.EntryFile)

	a, err := driver.NewAnalysis(cfg, warnLogger())
	if err != nil {
		return errWithCode(err, exitError)
	}
	defer a.CleanUp()

	start := time.Now()
	status, err := a.Run(cmd.Context())
	if err != nil {
		return errWithCode(fmt.Errorf("analyze: %w", err), exitNotOK)
	}
	slog.Info("analysis completed", "status", status.String(), "dur", time.Since(start))

	if err := writeReport(cmd.OutOrStdout(), a.Result(), cfg); err != nil {
		return errWithCode(fmt.Errorf("write report: %w", err), exitError)
	}
	if status != pointsto.StatusOK {
		return errWithCode(nil, exitNotOK)
	}
	return nil
}

// warnLogger reports entry filters without a match even when logging is
// otherwise disabled.
func warnLogger() *slog.Logger {
	if cfg.Verbose {
		return slog.Default()
	}
	opts := &slog.HandlerOptions{Level: slog.LevelWarn}
	if cfg.JSONLog {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func writeReport(stdout io.Writer, result *pointsto.Result, cfg *config.Config) error {
	w := stdout
	if cfg.Output != "" {
		file, err := os.Create(cfg.Output)
		if err != nil {
			return err
		}
		defer file.Close()
		w = file
	}
	return report.Write(w, result, report.Options{
		Format:   cfg.Format,
		CallTree: cfg.PrintCallTree,
		Verbose:  cfg.Verbose,
		Version:  version,
	})
}

var cpuProfile *os.File

func setup(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		v.Set("classpath", append(v.GetStringSlice("classpath"), args...))
	}
	var err error
	cfg, err = config.Load(v, configFile)
	if err != nil {
		return errWithCode(err, exitError)
	}

	// Disable logger unless verbose flag is set.
	slog.SetDefault(slog.New(slog.DiscardHandler))
	if cfg.Verbose {
		opts := &slog.HandlerOptions{Level: slog.LevelDebug}
		var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
		if cfg.JSONLog {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		}
		slog.SetDefault(slog.New(handler))
	}

	shutdown, err = telemetry.Init(cmd.Context(), telemetry.Options{Enabled: cfg.Trace, ServiceVersion: version})
	if err != nil {
		return errWithCode(fmt.Errorf("init tracing: %w", err), exitError)
	}

	if !cfg.Profile {
		return nil
	}

	// Start CPU profiling.
	cpuProfile, err = os.Create("cpu.prof")
	if err != nil {
		return fmt.Errorf("creating cpu.prof: %w", err)
	}
	if err := pprof.StartCPUProfile(cpuProfile); err != nil {
		_ = cpuProfile.Close()
		cpuProfile = nil
		return fmt.Errorf("starting CPU profile: %w", err)
	}
	slog.Info("cpu profiling started", "file", "cpu.prof")
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			slog.Warn("flushing spans", "error", err)
		}
		shutdown = nil
	}
	if cfg == nil || !cfg.Profile || cpuProfile == nil {
		return nil
	}

	// Stop CPU profiling and close file.
	pprof.StopCPUProfile()
	defer cpuProfile.Close()
	cpuProfile = nil
	slog.Info("cpu profiling stopped", "file", "cpu.prof")

	// Write memory profile.
	memFile, err := os.Create("mem.prof")
	if err != nil {
		return fmt.Errorf("creating mem.prof: %w", err)
	}
	defer memFile.Close()
	runtime.GC() // Get up-to-date statistics
	if err := pprof.WriteHeapProfile(memFile); err != nil {
		return fmt.Errorf("writing memory profile: %w", err)
	}
	slog.Info("memory profiling completed", "file", "mem.prof")
	return nil
}

func exitCode(err error) int {
	var cErr codedError
	if errors.As(err, &cErr) {
		return cErr.code
	}
	return exitError
}

func errWithCode(err error, code int) error {
	return codedError{err: err, code: code}
}

type codedError struct {
	err  error
	code int
}

func (e codedError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e codedError) Unwrap() error { return e.err }
