// Package local provides in-process stand-ins for the Redis-backed lock and
// bus, used when no Redis address is configured.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// LockManager is a process-local domain.LockManager. TTLs are honoured so an
// unlock that never comes does not block the key forever.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]time.Time), nowFn: time.Now}
}

// Acquire takes key for ttl, or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.nowFn()
	if exp, ok := lm.held[key]; ok && (ttl <= 0 || now.Before(exp)) {
		return nil, fmt.Errorf("local: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	exp := now.Add(ttl)
	if ttl <= 0 {
		exp = time.Time{}
	}
	lm.held[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			if cur, ok := lm.held[key]; ok && cur.Equal(exp) {
				delete(lm.held, key)
			}
			lm.mu.Unlock()
		})
	}, nil
}

// Bus is a domain.SignalBus that drops everything. Trades still reach local
// websocket subscribers through the hub.
type Bus struct{}

func (Bus) Publish(context.Context, string, []byte) error      { return nil }
func (Bus) StreamAppend(context.Context, string, []byte) error { return nil }

var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.SignalBus   = Bus{}
)
