package engine

import "sync"

// accountSlots counts in-flight work per group (one group per account).
// The cap is passed on every acquire, so a reloaded per-account limit applies
// to the next reservation; slots already held are never revoked.
type accountSlots struct {
	mu   sync.Mutex
	held map[string]int
}

// acquire takes one slot of group unless limit slots are already held.
// limit <= 0 means the group is counted but not capped.
func (a *accountSlots) acquire(group string, limit int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit > 0 && a.held[group] >= limit {
		return false
	}
	if a.held == nil {
		a.held = make(map[string]int)
	}
	a.held[group]++
	return true
}

func (a *accountSlots) release(group string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch n := a.held[group]; {
	case n <= 1:
		delete(a.held, group)
	default:
		a.held[group] = n - 1
	}
}

func (a *accountSlots) snapshot() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.held))
	for g, n := range a.held {
		out[g] = n
	}
	return out
}
