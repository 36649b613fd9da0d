// Package tier implements the tier-manager contract: given a TaskConfig,
// resolve the Tier it runs under, which determines whether the task may
// be preempted and whether its CPU is revocable.
//
// The tier catalogue itself is a Non-goal of the core scheduler (it is
// modelled as a plug-in contract in the spec); this package supplies a
// small YAML-driven reference catalogue in the teacher's config-loading
// idiom (gopkg.in/yaml.v3) so the preemption filter and its tests have a
// concrete Manager to exercise.
package tier

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/schedcore/pkg/types"
)

// Tier describes the scheduling facets of a workload class.
type Tier struct {
	Name          string `yaml:"name"`
	Preemptible   bool   `yaml:"preemptible"`
	Revocable     bool   `yaml:"revocable"`
}

// IsPreemptible reports whether tasks in this tier may be preempted by
// higher-priority work.
func (t Tier) IsPreemptible() bool { return t.Preemptible }

// IsRevocable reports whether tasks in this tier run on revocable CPU.
func (t Tier) IsRevocable() bool { return t.Revocable }

// Manager resolves a TaskConfig to its Tier.
type Manager interface {
	GetTier(config types.TaskConfig) Tier
}

// Catalogue is a reference Manager backed by a fixed set of named tiers,
// loaded from YAML in the shape:
//
//	tiers:
//	  - name: preferred
//	    preemptible: false
//	    revocable: false
//	  - name: preemptible
//	    preemptible: true
//	    revocable: false
//	  - name: revocable
//	    preemptible: true
//	    revocable: true
type Catalogue struct {
	tiers      map[string]Tier
	defaultTier Tier
}

type catalogueFile struct {
	Tiers []Tier `yaml:"tiers"`
}

// DefaultCatalogue is the reference catalogue used when no YAML file is
// supplied: a "preferred" tier (non-preemptible) and a "preemptible"
// tier (preemptible, non-revocable) and a "revocable" tier (preemptible,
// revocable).
func DefaultCatalogue() *Catalogue {
	c := &Catalogue{
		tiers: map[string]Tier{
			"preferred":   {Name: "preferred", Preemptible: false, Revocable: false},
			"preemptible": {Name: "preemptible", Preemptible: true, Revocable: false},
			"revocable":   {Name: "revocable", Preemptible: true, Revocable: true},
		},
	}
	c.defaultTier = c.tiers["preferred"]
	return c
}

// LoadCatalogue reads a tier catalogue from a YAML file at path.
func LoadCatalogue(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tier: read catalogue %s: %w", path, err)
	}

	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("tier: parse catalogue %s: %w", path, err)
	}

	c := &Catalogue{tiers: make(map[string]Tier, len(file.Tiers))}
	for _, t := range file.Tiers {
		c.tiers[t.Name] = t
	}
	c.defaultTier = c.tiers["preferred"]
	return c, nil
}

// GetTier resolves config.Tier against the catalogue, falling back to
// the default tier ("preferred": non-preemptible, non-revocable) when
// the name is unset or unknown.
func (c *Catalogue) GetTier(config types.TaskConfig) Tier {
	if config.Tier == "" {
		return c.defaultTier
	}
	if t, ok := c.tiers[config.Tier]; ok {
		return t
	}
	return c.defaultTier
}
