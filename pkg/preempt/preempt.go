// Package preempt implements the preemption victim filter: the pure
// function that decides which on-host tasks must be evicted to admit a
// pending task.
//
// # Algorithm
//
// FindVictims is a greedy search over freeable-resource dominance, bounded
// by a feasibility filter:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│ 1. derive the single host from victim hostnames + offer host │
//	│ 2. slack := offer's non-revocable resources (or empty)       │
//	│ 3. filter candidates by preemption eligibility                │
//	│ 4. map survivors -> freeable bag (strip revocable + overhead) │
//	│ 5. sort survivors by freeable bag, descending (partial order) │
//	│ 6. look up host attributes; unknown -> no solution            │
//	│ 7. greedily accumulate victims; after each, ask the           │
//	│    feasibility filter whether the pending task now fits       │
//	│ 8. first empty veto set wins; exhausting the list -> no       │
//	│    solution                                                    │
//	└──────────────────────────────────────────────────────────────┘
//
// The search never throws: a malformed or infeasible input always
// collapses to "no solution" (a nil slice), distinguished from a
// missing-attributes failure only by the PreemptionMissingAttributesTotal
// metric.
package preempt

import (
	"sort"

	"github.com/cuemby/schedcore/pkg/filter"
	"github.com/cuemby/schedcore/pkg/log"
	"github.com/cuemby/schedcore/pkg/metrics"
	"github.com/cuemby/schedcore/pkg/resource"
	"github.com/cuemby/schedcore/pkg/tier"
	"github.com/cuemby/schedcore/pkg/types"
)

// ExecutorOverhead is the fixed per-task resource addend charged against
// every victim's freeable bag and against the pending request, modelling
// the executor's own footprint. It is a package variable (not a
// constant) so tests and alternative deployments can override it.
var ExecutorOverhead = resource.Bag{
	resource.CPU: 0.25,
	resource.RAM: 128,
}

// AttributeStore resolves host attributes for the feasibility filter.
// A false second result signals the host is unknown to the store.
type AttributeStore interface {
	GetHostAttributes(host string) (map[string]string, bool)
}

// Request describes the pending task asking for room on a host, plus
// the optional host offer describing that host's free slack.
type Request struct {
	Config    types.TaskConfig
	Required  resource.Bag
	Aggregate map[string]string
	Offer     *types.HostOffer
}

// FindVictims searches for a minimal set of victims on a single host
// sufficient to admit req. victims must all share one hostname, which
// must also match offer's hostname when offer is non-nil; violating
// this is a malformed input and always yields no solution. Returns nil
// when no non-empty prefix of the ranked eligible victims admits the
// request; the slack alone, without any victim, is never tested.
func FindVictims(
	req Request,
	victims []types.PreemptionVictim,
	tiers tier.Manager,
	attrs AttributeStore,
	feasible filter.Filter,
) []types.PreemptionVictim {
	if _, ok := singleHost(victims, req); !ok {
		return nil
	}

	slack := offerSlack(req)

	eligible := make([]types.PreemptionVictim, 0, len(victims))
	pendingTier := tiers.GetTier(req.Config)
	for _, v := range victims {
		if isEligible(pendingTier, req.Config, tiers.GetTier(v.Config), v) {
			eligible = append(eligible, v)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	type candidate struct {
		victim   types.PreemptionVictim
		freeable resource.Bag
	}
	candidates := make([]candidate, 0, len(eligible))
	for _, v := range eligible {
		bag := v.Resources
		if tiers.GetTier(v.Config).IsRevocable() {
			bag = bag.StripRevocable()
		}
		candidates = append(candidates, candidate{victim: v, freeable: bag.Add(ExecutorOverhead)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return resource.DefaultOrdering(candidates[i].freeable, candidates[j].freeable) == resource.Greater
	})

	hostName := hostnameOf(victims, req)
	hostAttrs, known := attrs.GetHostAttributes(hostName)
	if !known {
		metrics.PreemptionMissingAttributesTotal.Inc()
		return nil
	}

	required := req.Required.Add(ExecutorOverhead)
	accumulated := slack
	selected := make([]types.PreemptionVictim, 0, len(candidates))

	for _, c := range candidates {
		accumulated = accumulated.Add(c.freeable)
		selected = append(selected, c.victim)

		vetoes := feasible.Filter(
			filter.UnusedResource{Bag: accumulated, Attributes: hostAttrs},
			filter.ResourceRequest{Config: req.Config, Required: required, Aggregate: req.Aggregate},
		)
		if len(vetoes) == 0 {
			metrics.PreemptionVictimsSelected.Observe(float64(len(selected)))
			return selected
		}
	}

	log.Logger.Debug().
		Str("host", hostName).
		Int("candidates", len(candidates)).
		Msg("preemption: no victim prefix admits pending task")
	return nil
}

// isEligible implements the §4.2 preemption eligibility rule:
//   - pending not preemptible, victim preemptible -> eligible
//   - same preemptibility, same role -> eligible iff pending priority > victim priority
//   - otherwise -> ineligible
func isEligible(pendingTier tier.Tier, pending types.TaskConfig, victimTier tier.Tier, victim types.PreemptionVictim) bool {
	pendingPreemptible := pendingTier.IsPreemptible()
	victimPreemptible := victimTier.IsPreemptible()

	switch {
	case !pendingPreemptible && victimPreemptible:
		return true
	case pendingPreemptible == victimPreemptible && pending.Role == victim.Role:
		return pending.Priority > victim.Config.Priority
	default:
		return false
	}
}

// singleHost validates that victims and the offer (when present) agree
// on exactly one hostname; a mixed set of hostnames is malformed input.
func singleHost(victims []types.PreemptionVictim, req Request) (string, bool) {
	seen := map[string]bool{}
	for _, v := range victims {
		seen[v.SlaveHost] = true
	}
	if req.Offer != nil {
		seen[req.Offer.Hostname] = true
	}
	if len(seen) > 1 {
		return "", false
	}
	for h := range seen {
		return h, true
	}
	return "", true
}

func hostnameOf(victims []types.PreemptionVictim, req Request) string {
	if req.Offer != nil {
		return req.Offer.Hostname
	}
	for _, v := range victims {
		return v.SlaveHost
	}
	return ""
}

// offerSlack derives the host's free non-revocable resource bag: the
// offer's resources (already assumed non-revocable per the offer
// contract), or empty when no offer was supplied.
func offerSlack(req Request) resource.Bag {
	if req.Offer == nil {
		return resource.Bag{}
	}
	return req.Offer.Resources.StripRevocable()
}
