// Package unsupported records constructs the analysis could not model
// soundly. Recording a feature never interrupts the fixpoint; a non-empty
// record set only downgrades the outcome of the run.
package unsupported

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Record is one unsupported feature.
type Record struct {
	Message string `yaml:"message" json:"message"`
	// Method is the qualified name of the method the feature was found in,
	// empty for features outside any method.
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	// Pos is the source position, zero when unknown.
	Pos int `yaml:"pos,omitempty" json:"pos,omitempty"`
}

func (r Record) String() string {
	switch {
	case r.Method == "":
		return r.Message
	case r.Pos > 0:
		return fmt.Sprintf("%s (in %s at line %d)", r.Message, r.Method, r.Pos)
	}
	return fmt.Sprintf("%s (in %s)", r.Message, r.Method)
}

// Features is a concurrent set of records. The zero value is ready to use.
type Features struct {
	mu      sync.Mutex
	records map[Record]struct{}
}

// Add records a feature. Duplicate records are kept once.
func (f *Features) Add(message, method string, pos int) {
	r := Record{Message: message, Method: method, Pos: pos}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[Record]struct{})
	}
	if _, ok := f.records[r]; ok {
		return
	}
	f.records[r] = struct{}{}
	slog.Debug("unsupported feature", "message", message, "method", method, "pos", pos)
}

// Len returns the number of distinct records.
func (f *Features) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// Records returns the records sorted by method, position and message.
func (f *Features) Records() []Record {
	f.mu.Lock()
	out := make([]Record, 0, len(f.records))
	for r := range f.records {
		out = append(out, r)
	}
	f.mu.Unlock()
	slices.SortFunc(out, func(a, b Record) int {
		return cmp.Or(
			cmp.Compare(a.Method, b.Method),
			cmp.Compare(a.Pos, b.Pos),
			cmp.Compare(a.Message, b.Message),
		)
	})
	return out
}
