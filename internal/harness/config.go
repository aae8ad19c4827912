// Package harness provides test harness infrastructure for validating the
// analysis against classpath scenarios under testdata/.
package harness

// Configuration is one analysis setup of a scenario together with the
// outcome it must produce.
type Configuration struct {
	// Name is a descriptive name for this configuration.
	Name string `yaml:"name"`

	EntryClass           string   `yaml:"entry_class,omitempty"`
	EntryFile            string   `yaml:"entry_file,omitempty"`
	ContextSensitive     bool     `yaml:"context_sensitive,omitempty"`
	RegisterServices     *bool    `yaml:"register_services,omitempty"`
	ReflectionConfig     []string `yaml:"reflection_config,omitempty"`
	MethodHandleFallback bool     `yaml:"method_handle_fallback,omitempty"`
	MaxClassVersion      int      `yaml:"max_class_version,omitempty"`
	SaturationThreshold  *int     `yaml:"saturation_threshold,omitempty"`
	Workers              int      `yaml:"workers,omitempty"`

	// ExpectedStatus is "ok" when empty.
	ExpectedStatus      string          `yaml:"expected_status,omitempty"`
	ExpectedReachable   []string        `yaml:"expected_reachable"`
	ExpectedUnreachable []string        `yaml:"expected_unreachable"`
	ExpectedInHeap      []string        `yaml:"expected_in_heap"`
	ExpectedNotInHeap   []string        `yaml:"expected_not_in_heap"`
	ExpectedFields      []ExpectedField `yaml:"expected_fields"`
	// ExpectedUnsupported are substrings of the recorded unsupported
	// features; every recorded feature must match one of them.
	ExpectedUnsupported []string `yaml:"expected_unsupported"`
	// ExpectedErrors are substrings of an error the setup or run may fail with.
	ExpectedErrors []string `yaml:"expected_errors"`
}

// ExpectedField is a field expected to be reachable. Read and Written are
// only checked when set.
type ExpectedField struct {
	Name    string `yaml:"name"`
	Read    *bool  `yaml:"read,omitempty"`
	Written *bool  `yaml:"written,omitempty"`
}

// TestCase represents a single test scenario.
type TestCase struct {
	// Dir is the directory containing the scenario, relative to the
	// testdata root.
	Dir string `yaml:"-"`

	Description string `yaml:"description,omitempty"`

	// Configurations defines the analysis setups to run.
	Configurations []Configuration `yaml:"configurations"`
}
