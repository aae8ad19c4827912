// Package report renders analysis results as text, YAML or JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/715d/pointsto/pkg/pointsto"
)

// Formats.
const (
	Text = "text"
	YAML = "yaml"
	JSON = "json"
)

// Options configures Write.
type Options struct {
	Format string
	// CallTree adds a shortest call path from a root to every reachable
	// method and the recursive call cycles.
	CallTree bool
	// Verbose lists reachable types and fields in text output.
	Verbose bool
	Version string
	// Now stamps structured output; nil uses time.Now.
	Now func() time.Time
}

// Write renders r to w.
func Write(w io.Writer, r *pointsto.Result, opts Options) error {
	var (
		out string
		err error
	)
	switch opts.Format {
	case "", Text:
		out = formatText(r, opts)
	case YAML:
		out, err = formatYAML(r, opts)
	case JSON:
		out, err = formatJSON(r, opts)
	default:
		return fmt.Errorf("unknown report format %q", opts.Format)
	}
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

// document is the structured report.
type document struct {
	Version         string `yaml:"version" json:"version"`
	Timestamp       string `yaml:"timestamp" json:"timestamp"`
	Status          string `yaml:"status" json:"status"`
	pointsto.Result `yaml:",inline"`
	CallTree        []CallPath `yaml:"call_tree,omitempty" json:"call_tree,omitempty"`
	Cycles          [][]string `yaml:"cycles,omitempty" json:"cycles,omitempty"`
}

// CallPath is a shortest call path from a root to Method, both included.
type CallPath struct {
	Method string   `yaml:"method" json:"method"`
	Path   []string `yaml:"path" json:"path"`
}

func newDocument(r *pointsto.Result, opts Options) document {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	doc := document{
		Version:   opts.Version,
		Timestamp: now().UTC().Format(time.RFC3339),
		Status:    r.Status.String(),
		Result:    *r,
	}
	if opts.CallTree && r.CallGraph != nil {
		doc.CallTree = CallPaths(r)
		doc.Cycles = r.CallGraph.Cycles()
	}
	return doc
}

func formatYAML(r *pointsto.Result, opts Options) (string, error) {
	data, err := yaml.Marshal(newDocument(r, opts))
	if err != nil {
		return "", fmt.Errorf("marshaling yaml output: %w", err)
	}
	return string(data), nil
}

func formatJSON(r *pointsto.Result, opts Options) (string, error) {
	data, err := json.MarshalIndent(newDocument(r, opts), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling json output: %w", err)
	}
	return string(data) + "\n", nil
}

// CallPaths returns a call path for every reachable method that has one,
// in method order.
func CallPaths(r *pointsto.Result) []CallPath {
	if r.CallGraph == nil {
		return nil
	}
	var paths []CallPath
	for _, m := range r.Methods {
		if p := r.CallGraph.PathTo(m); p != nil {
			paths = append(paths, CallPath{Method: m, Path: p})
		}
	}
	return paths
}

func formatText(r *pointsto.Result, opts Options) string {
	var output strings.Builder

	fmt.Fprintf(&output, "status: %s\n", r.Status)
	fmt.Fprintf(&output, "policy: %s\n", r.Policy)
	fmt.Fprintf(&output, "rounds: %d, flows: %d, objects: %d, heap objects: %d\n",
		r.Stats.Rounds, r.Stats.Flows, r.Stats.Objects, r.Stats.HeapObjects)
	fmt.Fprintf(&output, "reachable: %d types, %d methods, %d fields\n",
		len(r.ReachableTypes), len(r.Methods), len(r.Fields))

	if opts.Verbose {
		section(&output, "reachable types", r.ReachableTypes)
		section(&output, "in-heap types", r.InHeapTypes)
	}
	section(&output, "reachable methods", r.Methods)
	if opts.Verbose && len(r.Fields) > 0 {
		output.WriteString("\nreachable fields:\n")
		for _, f := range r.Fields {
			fmt.Fprintf(&output, "  %s%s\n", f.Name, accessFlags(f))
		}
	}

	if len(r.Unsupported) > 0 {
		output.WriteString("\nunsupported features:\n")
		for _, rec := range r.Unsupported {
			fmt.Fprintf(&output, "  %s\n", rec)
		}
	}

	if opts.CallTree && r.CallGraph != nil {
		output.WriteString("\ncall tree:\n")
		writeTree(&output, CallPaths(r))
		if cycles := r.CallGraph.Cycles(); len(cycles) > 0 {
			output.WriteString("\nrecursive methods:\n")
			for _, c := range cycles {
				fmt.Fprintf(&output, "  %s\n", strings.Join(c, ", "))
			}
		}
	}
	return output.String()
}

func section(output *strings.Builder, title string, names []string) {
	if len(names) == 0 {
		return
	}
	fmt.Fprintf(output, "\n%s:\n", title)
	for _, n := range names {
		fmt.Fprintf(output, "  %s\n", n)
	}
}

func accessFlags(f pointsto.FieldAccess) string {
	switch {
	case f.Read && f.Written:
		return " (read, written)"
	case f.Read:
		return " (read)"
	case f.Written:
		return " (written)"
	}
	return ""
}

// writeTree prints the paths as a tree. Shortest paths share their
// prefixes, so a method's parent is the next to last element of its path.
func writeTree(output *strings.Builder, paths []CallPath) {
	children := make(map[string][]string)
	var roots []string
	for _, p := range paths {
		if len(p.Path) == 1 {
			roots = append(roots, p.Method)
			continue
		}
		parent := p.Path[len(p.Path)-2]
		children[parent] = append(children[parent], p.Method)
	}

	var walk func(m string, depth int)
	walk = func(m string, depth int) {
		fmt.Fprintf(output, "%s%s\n", strings.Repeat("  ", depth+1), m)
		for _, c := range children[m] {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
}
