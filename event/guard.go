package event

import (
	"fmt"

	"github.com/choijoonbin/aura-platform-sub000/types"
)

// ErrOutOfOrder matches every stage-ordering violation via errors.Is.
var ErrOutOfOrder = types.NewError(types.ErrInvalidTransition, "")

// Guard enforces the stage order of a single run. It is not safe for
// concurrent use; the owning emitter serializes access.
type Guard struct {
	last        Type
	started     bool
	terminal    bool
	confidence  bool
	lastPercent float64
}

// Admit validates t (and, for steps, percent) against the events admitted so
// far and records it. A rejected event leaves the guard unchanged.
func (g *Guard) Admit(t Type, percent float64) error {
	if !t.Valid() {
		return violation("unknown event type %q", t)
	}
	if g.terminal {
		return violation("%s after terminal %s", t, g.last)
	}

	// failed is reachable from any non-terminal state, including before started.
	if t == TypeFailed {
		g.last = t
		g.terminal = true
		return nil
	}

	if !g.started {
		if t != TypeStarted {
			return violation("%s before started", t)
		}
		g.started = true
		g.last = t
		return nil
	}

	switch {
	case t == TypeStarted:
		return violation("started emitted twice")
	case rank[t] < rank[g.last]:
		return violation("%s after %s", t, g.last)
	case t == TypeConfidence && g.confidence:
		return violation("confidence emitted twice")
	case t == TypeStep && (percent < 0 || percent > 100):
		return violation("step percent %.1f outside [0,100]", percent)
	case t == TypeStep && percent < g.lastPercent:
		return violation("step percent decreased from %.1f to %.1f", g.lastPercent, percent)
	}

	switch t {
	case TypeStep:
		g.lastPercent = percent
	case TypeConfidence:
		g.confidence = true
	case TypeCompleted:
		g.terminal = true
	}
	g.last = t
	return nil
}

// Stage returns the most recently admitted type, or "" before the first event.
func (g *Guard) Stage() Type {
	return g.last
}

// Terminated reports whether a terminal event has been admitted.
func (g *Guard) Terminated() bool {
	return g.terminal
}

func violation(format string, args ...any) error {
	return types.NewError(types.ErrInvalidTransition, fmt.Sprintf(format, args...))
}
