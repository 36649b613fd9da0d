package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/schedcore/pkg/resource"
	"github.com/cuemby/schedcore/pkg/types"
)

// manifestTask is the YAML shape schedulerd run --manifest accepts: a
// list of task configs to seed via InsertTasks at startup.
type manifestTask struct {
	Role       string        `yaml:"role"`
	Job        string        `yaml:"job"`
	Shard      int           `yaml:"shard"`
	Priority   int           `yaml:"priority"`
	Tier       string        `yaml:"tier"`
	Production bool          `yaml:"production"`
	Resources  resource.Bag  `yaml:"resources"`
	Command    *manifestCmd  `yaml:"command"`
}

type manifestCmd struct {
	Argv []string          `yaml:"argv"`
	Env  map[string]string `yaml:"env"`
}

// loadManifest reads a YAML document of the form `tasks: [...]` and
// returns the equivalent TaskConfig values.
func loadManifest(path string) ([]types.TaskConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var doc struct {
		Tasks []manifestTask `yaml:"tasks"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	configs := make([]types.TaskConfig, 0, len(doc.Tasks))
	for _, t := range doc.Tasks {
		cfg := types.TaskConfig{
			Role:       t.Role,
			JobName:    t.Job,
			ShardID:    t.Shard,
			Resources:  t.Resources,
			Priority:   t.Priority,
			Tier:       t.Tier,
			Production: t.Production,
		}
		if t.Command != nil {
			cfg.Command = &types.Command{Argv: t.Command.Argv, Env: t.Command.Env}
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
