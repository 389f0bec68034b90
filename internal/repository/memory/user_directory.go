package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/repository"
)

// UserDirectory serves user preferences from memory.
type UserDirectory struct {
	mu    sync.RWMutex
	users map[string]domain.UserCallPreference
}

// NewUserDirectory seeds the directory with users.
func NewUserDirectory(users ...domain.UserCallPreference) *UserDirectory {
	d := &UserDirectory{users: make(map[string]domain.UserCallPreference, len(users))}
	for _, u := range users {
		d.users[u.UserID] = u
	}
	return d
}

var _ repository.UserDirectory = (*UserDirectory)(nil)

// Put inserts or replaces a user.
func (d *UserDirectory) Put(u domain.UserCallPreference) {
	d.mu.Lock()
	d.users[u.UserID] = u
	d.mu.Unlock()
}

func (d *UserDirectory) List(_ context.Context, afterUserID string, limit int) ([]domain.UserCallPreference, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.users))
	for id := range d.users {
		if id > afterUserID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]domain.UserCallPreference, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.users[id])
	}
	return out, nil
}

func (d *UserDirectory) Get(_ context.Context, userID string) (*domain.UserCallPreference, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}
