// Package filter defines the scheduling feasibility-filter contract: a
// plug-in veto engine the preemption victim filter consults after each
// candidate eviction to decide whether the pending task now fits.
//
// The concrete veto policy (bin-packing constraints, host maintenance,
// attribute affinity, and so on) lives outside this module; this
// package only defines the contract and a reference implementation
// exercised by tests.
package filter

import (
	"github.com/cuemby/schedcore/pkg/resource"
	"github.com/cuemby/schedcore/pkg/types"
)

// Veto is a single reason a placement is not admissible. An empty Veto
// slice means admissible.
type Veto struct {
	Reason string
}

// UnusedResource is the resource view offered to a placement decision:
// the accumulated free bag on a host plus that host's attributes.
type UnusedResource struct {
	Bag        resource.Bag
	Attributes map[string]string
}

// ResourceRequest is the pending task's placement request.
type ResourceRequest struct {
	Config    types.TaskConfig
	Required  resource.Bag
	Aggregate map[string]string
}

// Filter is the scheduling feasibility-filter contract. Implementations
// must be pure and side-effect free: the preemption victim filter calls
// it once per candidate prefix while searching for a minimal eviction
// set.
type Filter interface {
	Filter(unused UnusedResource, request ResourceRequest) []Veto
}

// FilterFunc adapts a plain function to the Filter interface.
type FilterFunc func(unused UnusedResource, request ResourceRequest) []Veto

func (f FilterFunc) Filter(unused UnusedResource, request ResourceRequest) []Veto {
	return f(unused, request)
}

// FitFilter is a reference feasibility filter: it vetoes a placement
// when the offered bag does not cover the requested bag on every
// dimension the request names. It ignores attributes entirely, which is
// sufficient for the preemption victim filter's own tests; a production
// deployment supplies a richer Filter that also considers Attributes and
// Aggregate.
var FitFilter Filter = FilterFunc(func(unused UnusedResource, request ResourceRequest) []Veto {
	var vetoes []Veto
	request.Required.ForEach(func(kind resource.Kind, need float64) {
		if unused.Bag.Value(kind) < need {
			vetoes = append(vetoes, Veto{Reason: "insufficient " + string(kind)})
		}
	})
	return vetoes
})
