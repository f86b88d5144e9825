package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/maneesh/edushare/internal/models"
)

// Locker is an in-process lock table with expiry
type Locker struct {
	mu    sync.Mutex
	held  map[string]lease
	seq   uint64
	clock func() time.Time
}

type lease struct {
	token   uint64
	expires time.Time
}

// NewLocker creates a lock table using the wall clock
func NewLocker() *Locker {
	return &Locker{held: make(map[string]lease), clock: time.Now}
}

// TryLock takes key for ttl unless a live lease holds it
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	l.seq++
	token := l.seq
	l.held[key] = lease{token: token, expires: now.Add(ttl)}

	unlock := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
		return nil
	}
	return unlock, true, nil
}

// Cache is an in-memory resource cache
type Cache struct {
	mu    sync.Mutex
	items map[string]models.Resource
}

// NewCache creates an empty resource cache
func NewCache() *Cache {
	return &Cache{items: make(map[string]models.Resource)}
}

// GetResource returns nil, nil on a miss
func (c *Cache) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// SetResource caches a copy of res
func (c *Cache) SetResource(ctx context.Context, res *models.Resource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[res.ID] = *res
	return nil
}

// InvalidateResource drops the cached resource
func (c *Cache) InvalidateResource(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	return nil
}
