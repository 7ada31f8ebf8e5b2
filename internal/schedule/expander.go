package schedule

import (
	"math/rand"
	"sync"
	"time"
)

// Expander turns a job's Spec into its next due instant. It owns the RNG used for template
// spread and interval jitter so callers never share a *rand.Rand across goroutines.
type Expander struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewExpander(seed int64) *Expander {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Expander{rng: rand.New(rand.NewSource(seed))}
}

// Next returns the next due instant strictly after `after`. tmpl must be the template resolved
// for a KindTemplate spec (nil or disabled yields ok=false). Once specs return ok=false.
func (e *Expander) Next(spec Spec, tmpl *Template, after time.Time) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch spec.Kind {
	case KindTemplate:
		if tmpl == nil || !tmpl.Enabled {
			return time.Time{}, false
		}
		due, ok := NextOccurrence(*tmpl, after)
		if !ok {
			return time.Time{}, false
		}
		return Spread(due, time.Duration(tmpl.RandomOffset)*time.Minute, e.rng), true
	case KindInterval, KindCron:
		return NextRule(spec, after, e.rng)
	}
	return time.Time{}, false
}

// Int63n draws from the expander's RNG; n <= 0 returns 0.
func (e *Expander) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Int63n(n)
}
