// Package features holds the analysis features built on the public
// extension API: service-provider registration and reflection
// configuration.
package features

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/715d/pointsto/internal/universe"
	"github.com/715d/pointsto/pkg/pointsto"
)

// ServicesDir is the classpath directory of service provider files.
const ServicesDir = "META-INF/services/"

// ServiceLoader registers the providers listed in META-INF/services files
// for every reachable abstract type. Providers are registered in heap and
// their nullary constructors invoked.
type ServiceLoader struct {
	pointsto.BaseFeature
	processed *xsync.Map[string, struct{}]
}

var _ pointsto.Feature = (*ServiceLoader)(nil)

func NewServiceLoader() *ServiceLoader {
	return &ServiceLoader{processed: xsync.NewMap[string, struct{}]()}
}

func (s *ServiceLoader) Name() string { return "service-loader" }

// DuringAnalysis handles each reachable service type once.
func (s *ServiceLoader) DuringAnalysis(a pointsto.Access) (bool, error) {
	changed := false
	for _, t := range a.ReachableTypes() {
		if t.IsArray() || !(t.IsAbstract() || t.IsInterface()) {
			continue
		}
		if _, loaded := s.processed.LoadOrStore(t.Name(), struct{}{}); loaded {
			continue
		}
		ok, err := s.handle(a, t)
		if err != nil {
			return false, err
		}
		changed = changed || ok
	}
	return changed, nil
}

func (s *ServiceLoader) handle(a pointsto.Access, service *universe.Type) (bool, error) {
	resources, err := a.Resources(ServicesDir + service.Name())
	if err != nil {
		return false, fmt.Errorf("service providers of %s: %w", service, err)
	}
	var names []string
	for _, r := range resources {
		names = append(names, ParseServiceFile(r.Data)...)
	}
	if len(names) == 0 {
		return false, nil
	}
	slices.Sort(names)
	names = slices.Compact(names)

	providers := make([]*universe.Type, len(names))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, name := range names {
		g.Go(func() error {
			t, err := a.FindClassByName(name)
			if err != nil {
				slog.Debug("service provider skipped", "service", service.Name(), "provider", name, "error", err)
				return nil
			}
			providers[i] = t
			return nil
		})
	}
	_ = g.Wait()

	for _, t := range providers {
		if t == nil || !t.IsInstantiable() {
			continue
		}
		a.RegisterAsInHeap(t, "service provider of "+service.Name())
		ctor := t.NullaryConstructor()
		if ctor == nil {
			slog.Debug("service provider without nullary constructor", "provider", t.Name())
			continue
		}
		if err := a.RegisterAsInvoked(ctor); err != nil {
			return false, err
		}
		slog.Debug("service provider registered", "service", service.Name(), "provider", t.Name())
	}
	a.RequireAnalysisIteration()
	return true, nil
}

// ParseServiceFile returns the provider class names of a service file.
// Everything after '#' on a line is a comment.
func ParseServiceFile(data []byte) []string {
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names
}
