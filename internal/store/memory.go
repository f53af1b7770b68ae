package store

import (
	"context"
	"sync"
	"time"

	"github.com/vidyavaradhi/apiserver/types"
)

// MemoryUserRepository keeps users in process memory. It does not survive a
// restart and is meant for tests.
type MemoryUserRepository struct {
	mu      sync.Mutex
	users   map[string]types.User
	byEmail map[string]string
	seq     map[string]int
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		users:   make(map[string]types.User),
		byEmail: make(map[string]string),
		seq:     make(map[string]int),
	}
}

func (m *MemoryUserRepository) NextUserID(_ context.Context, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	period := now.UTC().Format("0601")
	m.seq[period]++
	return FormatUserID(now, m.seq[period]), nil
}

func (m *MemoryUserRepository) GetByID(_ context.Context, id string) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return user, nil
}

func (m *MemoryUserRepository) GetByEmail(_ context.Context, email string) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return types.User{}, ErrNotFound
	}
	return m.users[id], nil
}

func (m *MemoryUserRepository) Create(_ context.Context, user types.User) (types.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[user.Email]; ok {
		return types.User{}, ErrDuplicateEmail
	}
	if _, ok := m.users[user.ID]; ok {
		return types.User{}, ErrDuplicateEmail
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	m.users[user.ID] = user
	m.byEmail[user.Email] = user.ID
	return user, nil
}

func (m *MemoryUserRepository) TouchLastLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	user.LastLogin = &at
	m.users[id] = user
	return nil
}
