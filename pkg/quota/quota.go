package quota

import (
	"fmt"

	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

// Error marks quota admission failures. The RPC layer maps it to an
// INVALID_REQUEST response.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

// Manager enforces per-role resource quotas against the production active
// tasks of the role.
type Manager struct {
	storage *storage.Storage
}

// NewManager creates a quota manager.
func NewManager(st *storage.Storage) *Manager {
	return &Manager{storage: st}
}

// Consumption sums the resources of the role's production active tasks as
// seen through the given provider.
func Consumption(sp storage.StoreProvider, role string) types.Resources {
	var used types.Resources
	for _, t := range sp.Tasks().FetchTasks(storage.TaskQuery{Role: role}.Active()) {
		if t.Assigned.Task.Production {
			used = used.Add(t.Assigned.Task.Resources)
		}
	}
	return used
}

// CheckAdmission verifies that adding the requested resources keeps the
// role's production consumption within quota. Non-production requests are
// always admitted.
func CheckAdmission(sp storage.StoreProvider, config *types.TaskConfig, instances int) error {
	if !config.Production {
		return nil
	}
	role := config.Job.Role
	quota := sp.Quotas().FetchQuota(role)
	if quota == nil {
		return &Error{msg: fmt.Sprintf("role %s has no quota to run production jobs", role)}
	}

	requested := types.Resources{
		CPUs:   config.Resources.CPUs * float64(instances),
		RAMMb:  config.Resources.RAMMb * int64(instances),
		DiskMb: config.Resources.DiskMb * int64(instances),
	}
	proposed := Consumption(sp, role).Add(requested)
	if !quota.Resources.AtLeast(proposed) {
		return &Error{msg: fmt.Sprintf(
			"quota exceeded for role %s: requested cpu=%g ram=%dMB disk=%dMB over limit",
			role, proposed.CPUs, proposed.RAMMb, proposed.DiskMb)}
	}
	return nil
}

// Get returns the role's quota, or an empty quota if none is set.
func (m *Manager) Get(role string) (*types.Quota, error) {
	quota := &types.Quota{Role: role}
	err := m.storage.Read(func(sp storage.StoreProvider) error {
		if q := sp.Quotas().FetchQuota(role); q != nil {
			quota = q
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quota, nil
}

// Set replaces the role's quota.
func (m *Manager) Set(role string, resources types.Resources) error {
	return m.storage.Write(func(sp storage.MutableStoreProvider) error {
		sp.MutableQuotas().SaveQuota(&types.Quota{Role: role, Resources: resources})
		return nil
	})
}
