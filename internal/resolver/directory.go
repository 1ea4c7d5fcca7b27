package resolver

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// StaticDirectory is an in-memory api.Directory.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]api.User
	roles map[string][]string
}

var _ api.Directory = (*StaticDirectory)(nil)

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		users: make(map[string]api.User),
		roles: make(map[string][]string),
	}
}

// AddUser registers u with the given roles, replacing any previous entry.
func (d *StaticDirectory) AddUser(u api.User, roles ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
	d.roles[u.ID] = slices.Clone(roles)
}

func (d *StaticDirectory) ResolveRoles(ctx context.Context, userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.roles[userID]), nil
}

func (d *StaticDirectory) FindUsersByRole(ctx context.Context, role string) ([]api.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []api.User
	for id, roles := range d.roles {
		if slices.Contains(roles, role) {
			out = append(out, d.users[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// User returns a registered user.
func (d *StaticDirectory) User(id string) (api.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok
}
