// Package resolver answers "who may act on this approval step" and "who
// should be told about it" using a read-only api.Directory.
package resolver

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/petrijr/stepflow/pkg/api"
)

// Resolver wraps a Directory. It holds no state between calls.
type Resolver struct {
	dir api.Directory
}

// New creates a Resolver. A nil directory knows no users or roles.
func New(dir api.Directory) *Resolver {
	if dir == nil {
		dir = NewStaticDirectory()
	}
	return &Resolver{dir: dir}
}

// roleCache memoizes ResolveRoles for the duration of one call.
type roleCache struct {
	dir   api.Directory
	roles map[string][]string
}

func (r *Resolver) newRoleCache() *roleCache {
	return &roleCache{dir: r.dir, roles: make(map[string][]string)}
}

func (c *roleCache) has(ctx context.Context, userID, role string) (bool, error) {
	roles, ok := c.roles[userID]
	if !ok {
		var err error
		roles, err = c.dir.ResolveRoles(ctx, userID)
		if err != nil {
			return false, fmt.Errorf("resolve roles for %s: %w", userID, err)
		}
		c.roles[userID] = roles
	}
	return slices.Contains(roles, role), nil
}

// CanAct reports whether userID may decide on a step with the given
// assignment: the assigned user, a member of the effective role, or anyone
// when the step is unassigned.
func (r *Resolver) CanAct(ctx context.Context, a api.StepAssignment, userID string) (bool, error) {
	return r.canAct(ctx, r.newRoleCache(), a, userID)
}

func (r *Resolver) canAct(ctx context.Context, cache *roleCache, a api.StepAssignment, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if a.Unassigned() {
		return true, nil
	}
	if u := a.EffectiveUser(); u != "" {
		return u == userID, nil
	}
	return cache.has(ctx, userID, a.EffectiveRole())
}

// Recipients returns the IDs of the users to notify about a step, sorted
// and de-duplicated.
func (r *Resolver) Recipients(ctx context.Context, a api.StepAssignment) ([]string, error) {
	if u := a.EffectiveUser(); u != "" {
		return []string{u}, nil
	}
	role := a.EffectiveRole()
	if role == "" {
		return nil, nil
	}
	users, err := r.dir.FindUsersByRole(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("find users in role %s: %w", role, err)
	}
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	sort.Strings(out)
	return slices.Compact(out), nil
}

// PendingFor filters instances down to the PENDING ones userID may act on.
func (r *Resolver) PendingFor(ctx context.Context, userID string, instances []*api.ApprovalInstance) ([]*api.ApprovalInstance, error) {
	cache := r.newRoleCache()
	var out []*api.ApprovalInstance
	for _, inst := range instances {
		if inst.Status != api.ApprovalPending {
			continue
		}
		a := inst.CurrentAssignment()
		if a == nil {
			continue
		}
		ok, err := r.canAct(ctx, cache, *a, userID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, inst)
		}
	}
	return out, nil
}
