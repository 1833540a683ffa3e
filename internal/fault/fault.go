// Package fault runs a last-chance hook when a background goroutine panics,
// before the panic takes the process down.
package fault

import (
	"sync"

	"github.com/rs/zerolog"
)

// Guard holds the hook run on an unrecovered panic. A nil Guard only
// re-raises.
type Guard struct {
	log zerolog.Logger

	mu   sync.RWMutex
	hook func(recovered any)
}

// NewGuard creates a Guard without a hook.
func NewGuard(log zerolog.Logger) *Guard {
	return &Guard{log: log.With().Str("component", "fault").Logger()}
}

// SetHook replaces the hook. The hook must not panic.
func (g *Guard) SetHook(fn func(recovered any)) {
	g.mu.Lock()
	g.hook = fn
	g.mu.Unlock()
}

// Recover must be deferred directly by the goroutine it protects. On a panic
// it logs, runs the hook and panics again with the same value.
func (g *Guard) Recover(where string) {
	r := recover()
	if r == nil {
		return
	}
	if g != nil {
		g.log.Error().Interface("panic", r).Str("where", where).Msg("unrecovered panic, flushing state")
		g.mu.RLock()
		hook := g.hook
		g.mu.RUnlock()
		if hook != nil {
			hook(r)
		}
	}
	panic(r)
}
