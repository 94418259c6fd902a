package store

import (
	"context"
	"sync"
	"time"

	"github.com/quangdang46/Course-Marketplace/services/wallet-session/internal/domain"
	"github.com/quangdang46/Course-Marketplace/shared/redis"
)

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryStore is the process-local store used when Redis is not configured.
// Tokens do not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	tokens   map[string]tokenEntry
	profiles map[string]domain.Profile
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:   make(map[string]tokenEntry),
		profiles: make(map[string]domain.Profile),
		now:      time.Now,
	}
}

func (m *MemoryStore) LoadToken(_ context.Context, address domain.Address) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := redis.NormalizeAddress(address)
	e, ok := m.tokens[key]
	if !ok {
		return "", nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.tokens, key)
		return "", nil
	}
	return e.token, nil
}

func (m *MemoryStore) SaveToken(_ context.Context, address domain.Address, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := tokenEntry{token: token}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.tokens[redis.NormalizeAddress(address)] = e
	return nil
}

func (m *MemoryStore) DeleteToken(_ context.Context, address domain.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, redis.NormalizeAddress(address))
	return nil
}

func (m *MemoryStore) LoadProfile(_ context.Context, address domain.Address) (*domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[redis.NormalizeAddress(address)]
	if !ok {
		return nil, nil
	}
	if p.Avatar != nil {
		a := *p.Avatar
		p.Avatar = &a
	}
	return &p, nil
}

func (m *MemoryStore) SaveProfile(_ context.Context, profile *domain.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := *profile
	if p.Avatar != nil {
		a := *p.Avatar
		p.Avatar = &a
	}
	m.profiles[redis.NormalizeAddress(profile.Address)] = p
	return nil
}

func (m *MemoryStore) DeleteProfile(_ context.Context, address domain.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, redis.NormalizeAddress(address))
	return nil
}

// HealthCheck always succeeds
func (m *MemoryStore) HealthCheck(context.Context) error {
	return nil
}
