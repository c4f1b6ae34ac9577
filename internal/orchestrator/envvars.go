package orchestrator

import (
	"context"

	"github.com/aosedge/aos_servicemanager/internal/core"
	"github.com/aosedge/aos_servicemanager/internal/upstream"
)

// OverrideEnvVars implements the env var override half of
// upstream.RunInstancesHandler: it persists the override set so it
// survives a restart and reports, per instance filter, which names were
// accepted.
func (o *Orchestrator) OverrideEnvVars(items []upstream.EnvVarsInstanceInfo) ([]upstream.EnvVarsInstanceStatus, error) {
	ctx := context.Background()

	overrides := make([]core.EnvVarsInstanceInfo, 0, len(items))
	statuses := make([]upstream.EnvVarsInstanceStatus, 0, len(items))

	for _, item := range items {
		filter := core.Identifier{
			ServiceID:     item.ServiceID,
			SubjectID:     item.SubjectID,
			InstanceIndex: uint64(item.InstanceIndex),
		}

		envVars := make([]core.EnvVar, 0, len(item.EnvVars))
		accepted := make(map[string]string, len(item.EnvVars))

		for name, value := range item.EnvVars {
			envVars = append(envVars, core.EnvVar{Name: name, Value: value})
			accepted[name] = "ok"
		}

		overrides = append(overrides, core.EnvVarsInstanceInfo{InstanceFilter: filter, EnvVars: envVars})
		statuses = append(statuses, upstream.EnvVarsInstanceStatus{
			ServiceID:     item.ServiceID,
			SubjectID:     item.SubjectID,
			InstanceIndex: item.InstanceIndex,
			Statuses:      accepted,
		})
	}

	if err := o.envVars.SetOverrideEnvVars(ctx, overrides); err != nil {
		return nil, err
	}

	return statuses, nil
}
