package harness

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/715d/pointsto/internal/driver"
	"github.com/715d/pointsto/internal/unsupported"
	"github.com/715d/pointsto/pkg/pointsto"
)

// TestHarness manages test execution.
type TestHarness struct {
	// root is the root directory for test data
	root string
}

// NewHarness creates a new test harness.
func NewHarness(root string) *TestHarness {
	return &TestHarness{root: root}
}

// Run executes a test case with all its configurations.
func (h *TestHarness) Run(t *testing.T, tc *TestCase) *TestResult {
	t.Helper()
	require.NotEmpty(t, tc.Configurations, "test case has no configurations")

	var results []ConfigurationResult
	var allSuccess = true

	// Run each configuration.
	for _, cfg := range tc.Configurations {
		cfgResult := h.runConfiguration(t, tc, cfg)
		results = append(results, *cfgResult)
		if !cfgResult.Success {
			allSuccess = false
		}
	}

	// Create overall result message.
	var resultMsg string
	if allSuccess {
		resultMsg = fmt.Sprintf("All %d configurations passed", len(tc.Configurations))
	} else {
		failedCount := 0
		var msgs []string
		for _, cr := range results {
			if !cr.Success {
				failedCount++
				msgs = append(msgs, fmt.Sprintf("[%s] %s:\n  %s",
					cr.Configuration.Name, cr.Message, strings.Join(cr.Details, "\n  ")))
			}
		}
		resultMsg = fmt.Sprintf("%d/%d configurations failed:\n%s",
			failedCount, len(tc.Configurations), strings.Join(msgs, "\n"))
	}

	return &TestResult{
		TestCase:             tc,
		ConfigurationResults: results,
		Success:              allSuccess,
		Message:              resultMsg,
	}
}

// runConfiguration executes the analysis for a single configuration.
func (h *TestHarness) runConfiguration(t *testing.T, tc *TestCase, cfg Configuration) *ConfigurationResult {
	t.Helper()
	opts := Options(t, filepath.Join(h.root, tc.Dir), cfg)

	expectedError := func(err error) *ConfigurationResult {
		for _, expectedErr := range cfg.ExpectedErrors {
			if strings.Contains(err.Error(), expectedErr) {
				return &ConfigurationResult{
					Configuration: cfg,
					Success:       true,
					Message:       fmt.Sprintf("Got expected error: %v", err),
				}
			}
		}
		return &ConfigurationResult{
			Configuration: cfg,
			Message:       fmt.Sprintf("Unexpected error: %v", err),
			Details:       []string{err.Error()},
		}
	}

	a, err := driver.NewAnalysis(opts, slog.Default())
	if err != nil {
		return expectedError(err)
	}
	defer a.CleanUp()

	if _, err := a.Run(t.Context()); err != nil {
		return expectedError(err)
	}
	if len(cfg.ExpectedErrors) > 0 {
		return &ConfigurationResult{
			Configuration: cfg,
			Result:        a.Result(),
			Message:       "Expected an error, analysis succeeded",
			Details:       cfg.ExpectedErrors,
		}
	}
	return h.validateConfigurationResults(cfg, a.Result())
}

// validateConfigurationResults compares actual results with expected for a specific configuration
func (h *TestHarness) validateConfigurationResults(cfg Configuration, result *pointsto.Result) *ConfigurationResult {
	cfgResult := ConfigurationResult{
		Configuration: cfg,
		Result:        result,
	}

	// First validate the configuration has valid expectations.
	if err := validateExpectations(cfg); err != nil {
		cfgResult.Success = false
		cfgResult.Message = fmt.Sprintf("Invalid expected.yaml: %v", err)
		cfgResult.Details = []string{err.Error()}
		return &cfgResult
	}

	validateResults(&cfgResult, cfg, result)
	return &cfgResult
}

// ConfigurationResult represents the result of running a single configuration.
type ConfigurationResult struct {
	// Configuration is the configuration that was run.
	Configuration Configuration

	// Result is the raw result from the analysis, nil when it failed.
	Result *pointsto.Result

	// Success indicates if this configuration passed.
	Success bool

	// Message provides a summary of the result for this configuration.
	Message string

	// Details provides detailed information about failures for this configuration.
	Details []string
}

// TestResult represents the result of running a test case.
type TestResult struct {
	// TestCase is the test case that was run.
	TestCase *TestCase

	// ConfigurationResults contains results for each configuration.
	ConfigurationResults []ConfigurationResult

	// Success indicates if the test passed (all configurations passed)
	Success bool

	// Skipped indicates if the test was skipped.
	Skipped bool

	// Message provides a summary of the result.
	Message string
}

// validateExpectations checks that expected.yaml names something to check
// and that no method is expected both reachable and unreachable.
func validateExpectations(cfg Configuration) error {
	if cfg.EntryClass == "" && cfg.EntryFile == "" {
		return fmt.Errorf("configuration %q has neither 'entry_class' nor 'entry_file'", cfg.Name)
	}
	for i, m := range cfg.ExpectedReachable {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("expected reachable method at index %d is empty", i)
		}
		if slices.Contains(cfg.ExpectedUnreachable, m) {
			return fmt.Errorf("method %s is expected both reachable and unreachable", m)
		}
	}
	for i, f := range cfg.ExpectedFields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("expected field at index %d has empty or missing 'name' field", i)
		}
	}
	switch cfg.ExpectedStatus {
	case "", pointsto.StatusOK.String(), pointsto.StatusDegraded.String():
	default:
		return fmt.Errorf("unknown expected_status %q", cfg.ExpectedStatus)
	}
	return nil
}

func validateResults(cfgResult *ConfigurationResult, cfg Configuration, result *pointsto.Result) {
	var details []string

	wantStatus := cfg.ExpectedStatus
	if wantStatus == "" {
		wantStatus = pointsto.StatusOK.String()
	}
	if got := result.Status.String(); got != wantStatus {
		details = append(details, fmt.Sprintf("Status mismatch: expected %s, got %s", wantStatus, got))
	}

	check := func(names []string, want bool, has func(string) bool, msg string) int {
		var failed []string
		for _, n := range names {
			if has(n) != want {
				failed = append(failed, n)
			}
		}
		// Sort for consistent output.
		sort.Strings(failed)
		for _, n := range failed {
			details = append(details, msg+n)
		}
		return len(failed)
	}
	missing := check(cfg.ExpectedReachable, true, result.Reachable, "Should have been reachable: ")
	missing += check(cfg.ExpectedInHeap, true, result.InHeap, "Should have been in heap: ")
	unexpected := check(cfg.ExpectedUnreachable, false, result.Reachable, "Should have been unreachable: ")
	unexpected += check(cfg.ExpectedNotInHeap, false, result.InHeap, "Should not have been in heap: ")

	for _, exp := range cfg.ExpectedFields {
		act, found := result.Field(exp.Name)
		switch {
		case !found:
			details = append(details, "Should have been a reachable field: "+exp.Name)
			missing++
		case exp.Read != nil && act.Read != *exp.Read:
			details = append(details, fmt.Sprintf("Access mismatch for %s: expected read=%t", exp.Name, *exp.Read))
		case exp.Written != nil && act.Written != *exp.Written:
			details = append(details, fmt.Sprintf("Access mismatch for %s: expected written=%t", exp.Name, *exp.Written))
		}
	}

	for _, want := range cfg.ExpectedUnsupported {
		if !slices.ContainsFunc(result.Unsupported, func(r unsupported.Record) bool { return strings.Contains(r.String(), want) }) {
			details = append(details, "Should have recorded unsupported feature: "+want)
			missing++
		}
	}
	for _, rec := range result.Unsupported {
		if !slices.ContainsFunc(cfg.ExpectedUnsupported, func(want string) bool { return strings.Contains(rec.String(), want) }) {
			details = append(details, "Unexpected unsupported feature: "+rec.String())
			unexpected++
		}
	}

	success := len(details) == 0
	var message string
	if success {
		message = fmt.Sprintf("All %d expectations met", countExpectations(cfg))
	} else {
		message = fmt.Sprintf("Test failed: %d missing, %d unexpected", missing, unexpected)
	}

	cfgResult.Success = success
	cfgResult.Message = message
	cfgResult.Details = details
}

func countExpectations(cfg Configuration) int {
	return 1 + len(cfg.ExpectedReachable) + len(cfg.ExpectedUnreachable) +
		len(cfg.ExpectedInHeap) + len(cfg.ExpectedNotInHeap) +
		len(cfg.ExpectedFields) + len(cfg.ExpectedUnsupported)
}
