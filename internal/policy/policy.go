// Package policy selects how precisely the analysis distinguishes abstract
// objects.
//
// Switching policies trades precision for cost. It never changes soundness:
// everything reachable under the insensitive policy is reachable under the
// sensitive one.
package policy

import "fmt"

// DefaultSaturationThreshold is the number of abstract objects a flow may
// hold before it saturates. It is a tuning knob, not a semantic constant.
const DefaultSaturationThreshold = 20

// Policy decides the identity of abstract objects and when flows saturate.
type Policy interface {
	// Name identifies the policy in logs and reports.
	Name() string
	// SiteKey returns the allocation key of objects allocated at site.
	// Objects of one type with equal keys are the same abstract object.
	SiteKey(site string) string
	// PerObjectFields reports whether instance fields get one flow per
	// abstract object in addition to the shared field flow.
	PerObjectFields() bool
	// SaturationThreshold returns the object count past which a flow
	// saturates; zero disables saturation.
	SaturationThreshold() int
}

// New returns the allocation-site-sensitive policy when contextSensitive is
// set and the context-insensitive one otherwise. A negative threshold is an
// error; zero disables saturation.
func New(contextSensitive bool, threshold int) (Policy, error) {
	if threshold < 0 {
		return nil, fmt.Errorf("saturation threshold %d is negative", threshold)
	}
	if contextSensitive {
		return AllocationSiteSensitive{Threshold: threshold}, nil
	}
	return ContextInsensitive{Threshold: threshold}, nil
}

// ContextInsensitive keeps one abstract object per type.
type ContextInsensitive struct {
	Threshold int
}

func (ContextInsensitive) Name() string               { return "context-insensitive" }
func (ContextInsensitive) SiteKey(string) string      { return "" }
func (ContextInsensitive) PerObjectFields() bool      { return false }
func (p ContextInsensitive) SaturationThreshold() int { return p.Threshold }

// AllocationSiteSensitive keeps one abstract object per type and allocation
// site.
type AllocationSiteSensitive struct {
	Threshold int
}

func (AllocationSiteSensitive) Name() string               { return "allocation-site-sensitive" }
func (AllocationSiteSensitive) SiteKey(site string) string { return site }
func (AllocationSiteSensitive) PerObjectFields() bool      { return true }
func (p AllocationSiteSensitive) SaturationThreshold() int { return p.Threshold }
