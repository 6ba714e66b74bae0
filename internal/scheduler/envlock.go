package scheduler

import (
	"os"
	"sync"
)

// envGuard serializes temporary process-environment overrides (API keys
// resolved per conversation) across concurrently executing tasks. The
// environment is process-global, so overrides are scoped: Acquire applies
// them under a lock and the returned release restores the previous values.
// Callers must defer the release so it runs on every exit path.
type envGuard struct {
	mu sync.Mutex
}

func (g *envGuard) Acquire(overrides map[string]string) (release func()) {
	if len(overrides) == 0 {
		return func() {}
	}
	g.mu.Lock()

	type saved struct {
		value   string
		present bool
	}
	prev := make(map[string]saved, len(overrides))
	for k, v := range overrides {
		old, ok := os.LookupEnv(k)
		prev[k] = saved{value: old, present: ok}
		_ = os.Setenv(k, v)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for k, s := range prev {
				if s.present {
					_ = os.Setenv(k, s.value)
				} else {
					_ = os.Unsetenv(k)
				}
			}
			g.mu.Unlock()
		})
	}
}
