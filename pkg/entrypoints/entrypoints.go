// Package entrypoints reads analysis entry points from method filter files.
//
// A filter file holds one method filter per line:
//
//	pkg.Class.method(java.lang.String,int)
//	pkg.Class.<clinit>
//	pkg.Class.do*()
//
// The class part is everything before the last '.' preceding the parameter
// list and names the declaring class exactly. '*' matches any run of
// characters in the method part. A missing parameter list matches any
// parameters.
package entrypoints

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/pkg/classpath"
)

// Filter is one parsed method filter.
type Filter struct {
	// Text is the filter as written.
	Text string
	// Line is the 1-based line the filter was read from.
	Line int
	// Class is the class part used to look up the declaring type.
	Class string

	method *regexp.Regexp
	params []string // nil matches any parameter list
}

// ParseFilter parses a single method filter.
func ParseFilter(s string) (*Filter, error) {
	s = strings.TrimSpace(s)
	head, params := s, ""
	hasParams := false
	if open := strings.IndexByte(s, '('); open >= 0 {
		if !strings.HasSuffix(s, ")") {
			return nil, fmt.Errorf("method filter %q: unterminated parameter list", s)
		}
		head, params = s[:open], s[open+1:len(s)-1]
		hasParams = true
	}
	dot := strings.LastIndexByte(head, '.')
	if dot <= 0 || dot == len(head)-1 {
		return nil, fmt.Errorf("method filter %q does not name a declaring class and a method", s)
	}
	if strings.Contains(head[:dot], "*") {
		return nil, fmt.Errorf("method filter %q: wildcards are only supported in the method name", s)
	}

	f := &Filter{
		Text:   s,
		Class:  head[:dot],
		method: wildcard(head[dot+1:]),
	}
	if hasParams {
		f.params = []string{}
		for p := range strings.SplitSeq(params, ",") {
			if p = strings.TrimSpace(p); p != "" {
				f.params = append(f.params, classpath.Canonicalize(p))
			}
		}
	}
	return f, nil
}

func wildcard(pattern string) *regexp.Regexp {
	quoted := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `.*`)
	return regexp.MustCompile("^" + quoted + "$")
}

// Matches reports whether m is selected by the filter.
func (f *Filter) Matches(m *universe.Method) bool {
	if m.Owner().Name() != f.Class || !f.method.MatchString(m.Name()) {
		return false
	}
	return f.params == nil || slices.Equal(f.params, m.Params())
}

// Read parses a filter file. Blank lines are skipped.
func Read(r io.Reader) ([]*Filter, error) {
	var (
		filters []*Filter
		line    int
	)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		f, err := ParseFilter(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		f.Line = line
		filters = append(filters, f)
	}
	return filters, scanner.Err()
}

// ReadFile parses the filter file at path.
func ReadFile(path string) ([]*Filter, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	filters, err := Read(file)
	if err != nil {
		return nil, fmt.Errorf("read entry points %s: %w", path, err)
	}
	return filters, nil
}

// Roots is where matched entry points are registered.
type Roots interface {
	FindClassByName(name string) (*universe.Type, error)
	AddRootMethod(m *universe.Method, invokeSpecially bool) error
}

// Register adds the first method matched by each filter as a root and
// returns how many roots were added. Candidates are the declared methods
// and constructors of the named class, then its class initializer. A filter
// without a match is logged as a warning and skipped.
func Register(roots Roots, filters []*Filter, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	added := 0
	for _, f := range filters {
		t, err := roots.FindClassByName(f.Class)
		if err != nil {
			if errors.Is(err, universe.ErrClassNotFound) {
				return added, fmt.Errorf("entry point %q on line %d: %w", f.Text, f.Line, err)
			}
			return added, fmt.Errorf("entry point %q: %w", f.Text, err)
		}
		m := match(f, t)
		if m == nil {
			logger.Warn("entry point method does not exist and is not added as a root",
				"filter", f.Text, "line", f.Line)
			continue
		}
		special := m.IsStatic() || m.IsConstructor() || m.IsClassInitializer() || m.IsFinal()
		if err := roots.AddRootMethod(m, special); err != nil {
			return added, err
		}
		logger.Debug("entry point", "method", m.String(), "special", special)
		added++
	}
	return added, nil
}

func match(f *Filter, t *universe.Type) *universe.Method {
	for _, m := range t.Methods() {
		if f.Matches(m) {
			return m
		}
	}
	if clinit := t.ClassInitializer(); clinit != nil && f.Matches(clinit) {
		return clinit
	}
	return nil
}
