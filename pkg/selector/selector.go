package selector

import (
	"fmt"
	"strings"

	"github.com/zeroechelon/outpost/pkg/errdefs"
	"github.com/zeroechelon/outpost/pkg/registry"
	"github.com/zeroechelon/outpost/pkg/types"
)

// SelectTaskDefinition resolves an (agent, model) pair into a task
// definition handle and resource allocation. An empty modelID selects the
// agent's flagship entry. Pure function over the compile-time registry.
func SelectTaskDefinition(agent types.AgentKind, modelID string) (*types.TaskDefinition, error) {
	if !types.ValidAgent(agent) {
		return nil, errdefs.Validation("unknown agent",
			fmt.Sprintf("agent: %q is not a supported agent kind", agent))
	}

	var entry registry.ModelEntry
	if modelID == "" {
		e, ok := registry.DefaultModel(agent)
		if !ok {
			return nil, errdefs.Internal(nil, "no default model registered for agent %s", agent)
		}
		entry = e
	} else {
		e, ok := registry.LookupModel(agent, modelID)
		if !ok {
			return nil, errdefs.Validation("unknown model",
				fmt.Sprintf("modelId: %q is not valid for agent %s (valid: %s)",
					modelID, agent, strings.Join(validModelIDs(agent), ", ")))
		}
		entry = e
	}

	res := registry.ResourcesFor(entry.Tier)
	return &types.TaskDefinition{
		TaskDefArn: TaskDefHandle(agent, entry.Tier),
		CPU:        res.CPUUnits,
		MemoryMB:   res.MemoryMB,
		ModelID:    entry.ModelID,
		Tier:       entry.Tier,
		Agent:      agent,
	}, nil
}

// TaskDefHandle names the container task definition for an agent/tier
// pair. One definition family per agent, sized per tier.
func TaskDefHandle(agent types.AgentKind, tier types.Tier) string {
	return fmt.Sprintf("outpost-%s-%s", agent, tier)
}

func validModelIDs(agent types.AgentKind) []string {
	entries := registry.ModelsFor(agent)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ModelID
	}
	return ids
}
