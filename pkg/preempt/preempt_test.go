package preempt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/schedcore/pkg/filter"
	"github.com/cuemby/schedcore/pkg/resource"
	"github.com/cuemby/schedcore/pkg/tier"
	"github.com/cuemby/schedcore/pkg/types"
)

type fakeAttrs struct {
	attrs map[string]map[string]string
}

func (f fakeAttrs) GetHostAttributes(host string) (map[string]string, bool) {
	a, ok := f.attrs[host]
	return a, ok
}

func knownHost(host string) fakeAttrs {
	return fakeAttrs{attrs: map[string]map[string]string{host: {}}}
}

func TestFindVictims_S1_SuccessLowerPrioritySameRole(t *testing.T) {
	ExecutorOverhead = resource.Bag{resource.CPU: 0.25, resource.RAM: 128}

	pending := types.TaskConfig{Role: "web", Priority: 10, Tier: "preemptible"}
	victim := types.PreemptionVictim{
		TaskID:    "t1",
		Config:    types.TaskConfig{Role: "web", Priority: 5, Tier: "preemptible"},
		Role:      "web",
		Resources: resource.Bag{resource.CPU: 2, resource.RAM: 2048},
		SlaveHost: "host-a",
	}
	offer := &types.HostOffer{Hostname: "host-a", Resources: resource.Bag{resource.CPU: 0.5, resource.RAM: 256}}

	req := Request{
		Config:   pending,
		Required: resource.Bag{resource.CPU: 2, resource.RAM: 2048},
		Offer:    offer,
	}

	result := FindVictims(req, []types.PreemptionVictim{victim}, tier.DefaultCatalogue(), knownHost("host-a"), filter.FitFilter)

	require.Len(t, result, 1)
	assert.Equal(t, "t1", result[0].TaskID)
}

func TestFindVictims_S2_InsufficientEvenWithAllVictims(t *testing.T) {
	ExecutorOverhead = resource.Bag{}

	pending := types.TaskConfig{Role: "web", Priority: 10, Tier: "preemptible"}
	victims := []types.PreemptionVictim{
		{TaskID: "t1", Config: types.TaskConfig{Role: "web", Priority: 1, Tier: "preemptible"}, Role: "web", Resources: resource.Bag{resource.CPU: 0.5, resource.RAM: 256}, SlaveHost: "host-a"},
		{TaskID: "t2", Config: types.TaskConfig{Role: "web", Priority: 1, Tier: "preemptible"}, Role: "web", Resources: resource.Bag{resource.CPU: 0.5, resource.RAM: 256}, SlaveHost: "host-a"},
	}

	req := Request{
		Config:   pending,
		Required: resource.Bag{resource.CPU: 4, resource.RAM: 4096},
	}

	result := FindVictims(req, victims, tier.DefaultCatalogue(), knownHost("host-a"), filter.FitFilter)

	assert.Nil(t, result)
}

func TestFindVictims_S3_RevocableStripped(t *testing.T) {
	ExecutorOverhead = resource.Bag{resource.CPU: 0.1}

	pending := types.TaskConfig{Role: "batch", Priority: 10, Tier: "preemptible"}
	victim := types.PreemptionVictim{
		TaskID: "t1",
		Config: types.TaskConfig{Role: "batch", Priority: 1, Tier: "revocable"},
		Role:   "batch",
		Resources: resource.Bag{
			resource.CPU:          8,
			resource.RAM:          2048,
			resource.RevocableCPU: 8,
		},
		SlaveHost: "host-a",
	}

	req := Request{
		Config:   pending,
		Required: resource.Bag{resource.CPU: 8, resource.RAM: 2048},
	}

	result := FindVictims(req, []types.PreemptionVictim{victim}, tier.DefaultCatalogue(), knownHost("host-a"), filter.FitFilter)

	require.Len(t, result, 1)
}

func TestFindVictims_EmptyVictimsNoSolution(t *testing.T) {
	req := Request{Config: types.TaskConfig{Role: "web"}, Required: resource.Bag{resource.CPU: 1}}
	result := FindVictims(req, nil, tier.DefaultCatalogue(), knownHost("host-a"), filter.FitFilter)
	assert.Nil(t, result)
}

func TestFindVictims_MismatchedHostsMalformed(t *testing.T) {
	victims := []types.PreemptionVictim{
		{TaskID: "t1", SlaveHost: "host-a", Config: types.TaskConfig{Tier: "preemptible"}},
		{TaskID: "t2", SlaveHost: "host-b", Config: types.TaskConfig{Tier: "preemptible"}},
	}
	req := Request{Config: types.TaskConfig{Tier: "preferred"}}
	result := FindVictims(req, victims, tier.DefaultCatalogue(), knownHost("host-a"), filter.FitFilter)
	assert.Nil(t, result)
}

func TestFindVictims_UnknownHostNoSolution(t *testing.T) {
	victim := types.PreemptionVictim{
		TaskID: "t1", SlaveHost: "host-z",
		Config:    types.TaskConfig{Tier: "preemptible", Role: "web"},
		Role:      "web",
		Resources: resource.Bag{resource.CPU: 1},
	}
	req := Request{Config: types.TaskConfig{Tier: "preferred"}, Required: resource.Bag{resource.CPU: 1}}
	result := FindVictims(req, []types.PreemptionVictim{victim}, tier.DefaultCatalogue(), fakeAttrs{attrs: map[string]map[string]string{}}, filter.FitFilter)
	assert.Nil(t, result)
}

func TestIsEligible(t *testing.T) {
	preferred := tier.Tier{Name: "preferred", Preemptible: false}
	preemptible := tier.Tier{Name: "preemptible", Preemptible: true}

	assert.True(t, isEligible(preferred, types.TaskConfig{}, preemptible, types.PreemptionVictim{}))
	assert.False(t, isEligible(preemptible, types.TaskConfig{}, preferred, types.PreemptionVictim{}))

	pending := types.TaskConfig{Role: "web", Priority: 10}
	victim := types.PreemptionVictim{Role: "web", Config: types.TaskConfig{Priority: 5}}
	assert.True(t, isEligible(preemptible, pending, preemptible, victim))

	lowerPending := types.TaskConfig{Role: "web", Priority: 1}
	assert.False(t, isEligible(preemptible, lowerPending, preemptible, victim))
}
