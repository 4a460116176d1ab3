package scheduler

import (
	"github.com/roostlabs/roost/pkg/types"
)

// hostAttributeValues resolves an attribute name against a host, treating
// "host" as the implicit hostname attribute.
func hostAttributeValues(attrs *types.HostAttributes, name string) []string {
	if name == "host" {
		return []string{attrs.Host}
	}
	if attrs.Attributes == nil {
		return nil
	}
	return attrs.Attributes[name]
}

// matchConstraints reports whether a host satisfies every constraint of the
// task config. Limit constraints count the job's active tasks already on the
// host.
func matchConstraints(
	attrs *types.HostAttributes,
	config *types.TaskConfig,
	activeOnHost []*types.ScheduledTask,
) bool {
	for _, c := range config.Constraints {
		switch c.Mode {
		case types.ConstraintLimit:
			sameJob := 0
			for _, t := range activeOnHost {
				if t.Assigned.Task.Job == config.Job {
					sameJob++
				}
			}
			if sameJob >= c.Limit {
				return false
			}

		case types.ConstraintValue:
			values := hostAttributeValues(attrs, c.Name)
			matched := false
			for _, have := range values {
				for _, want := range c.Values {
					if have == want {
						matched = true
					}
				}
			}
			if matched == c.Negated {
				return false
			}
		}
	}
	return true
}
