// investment/invest_manager.go
package investment

import (
	"sync"

	"pos_bian_go/config"
	"pos_bian_go/logs"
	"pos_bian_go/state"
)

// Limiter is responsible for gating new entries against the per-user
// position-count limits. A limit of 0 means unlimited.
type Limiter struct {
	mu    sync.Mutex
	store state.StoreInterface
	users map[string]*config.CoreConfig

	// latched warn state per user_side so the limit crossing is logged
	// once per edge, not once per cycle
	exceeded map[string]bool
}

// NewLimiter creates a limiter over the given users' core settings.
func NewLimiter(store state.StoreInterface, users []*config.UserConfig) *Limiter {
	cores := make(map[string]*config.CoreConfig, len(users))
	for _, u := range users {
		cores[u.Name] = u.Core
	}
	return &Limiter{
		store:    store,
		users:    cores,
		exceeded: make(map[string]bool),
	}
}

// OpenCount counts the user's open position legs on the given side across
// all strategies and symbols, recounted from the store on every call.
func (l *Limiter) OpenCount(user, side string) int {
	count := 0
	for _, key := range l.store.KeysForUser(user) {
		if key.Side != side {
			continue
		}
		if rec, ok := l.store.Get(key); ok && rec.InPosition {
			count++
		}
	}
	return count
}

// CanOpen reports whether the user may open one more position leg on the
// given side.
func (l *Limiter) CanOpen(user, side string) bool {
	core, ok := l.users[user]
	if !ok {
		return false
	}
	limit := core.LongPositionsLimit
	if side == state.SideShort {
		limit = core.ShortPositionsLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	latch := user + "_" + side

	if limit <= 0 {
		if l.exceeded[latch] {
			l.exceeded[latch] = false
			logs.Infof("[Investment-Limit-Restore][%s][%s] limit removed or set to 0, resuming position opening.", user, side)
		}
		return true
	}

	count := l.OpenCount(user, side)
	if count >= limit {
		if !l.exceeded[latch] {
			logs.Warnf("[Investment-Limit-Warning][%s][%s] %d open positions have reached the limit of %d. New entries are blocked.",
				user, side, count, limit)
		}
		l.exceeded[latch] = true
		return false
	}

	if l.exceeded[latch] {
		logs.Infof("[Investment-Limit-Restore][%s][%s] open positions fell back to %d, below the limit of %d. Resuming position opening.",
			user, side, count, limit)
	}
	l.exceeded[latch] = false
	return true
}
