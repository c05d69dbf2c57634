package agent

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/nextlevelbuilder/reflexcore/internal/actions"
)

// World is the environment an agent senses and acts in.
type World interface {
	// Snapshot returns the current facts keyed by name.
	Snapshot() map[string]any
	// Perform runs a named primitive. It returns actions.ErrPathStopped when
	// ctx is cancelled mid-way.
	Perform(ctx context.Context, behavior string, args map[string]any) error
}

// Behavior mutates simulated facts after its duration elapsed.
type Behavior func(facts map[string]any, args map[string]any)

// SimWorld is a simulated world. Every behavior takes Step to complete and
// then applies its effect to the facts.
type SimWorld struct {
	Step time.Duration

	mu        sync.Mutex
	facts     map[string]any
	behaviors map[string]Behavior
	performed []string
}

const far = 1000.0

// NewSimWorld creates a calm world with the behaviors of the default mode
// table registered.
func NewSimWorld() *SimWorld {
	w := &SimWorld{
		Step: 100 * time.Millisecond,
		facts: map[string]any{
			"health":                    20.0,
			"in_water":                  false,
			"on_fire":                   false,
			"recently_hurt":             false,
			"stuck_seconds":             0.0,
			"nearest_enemy_distance":    far,
			"enemy_too_strong":          false,
			"nearest_huntable_distance": far,
			"nearest_item_distance":     far,
			"nearest_player_distance":   far,
			"should_place_torch":        false,
		},
		behaviors: map[string]Behavior{},
	}
	w.Handle("escape_danger", func(f, _ map[string]any) {
		f["in_water"], f["on_fire"], f["recently_hurt"] = false, false, false
	})
	w.Handle("move_away", func(f, args map[string]any) {
		f["stuck_seconds"] = 0.0
		f["nearest_player_distance"] = asFloat(f["nearest_player_distance"]) + asFloat(args["distance"])
	})
	w.Handle("avoid_enemies", func(f, args map[string]any) {
		f["nearest_enemy_distance"] = asFloat(args["range"])
	})
	w.Handle("defend_self", func(f, _ map[string]any) {
		f["nearest_enemy_distance"] = far
		f["enemy_too_strong"] = false
	})
	w.Handle("attack_nearest_huntable", func(f, _ map[string]any) { f["nearest_huntable_distance"] = far })
	w.Handle("pickup_nearby_items", func(f, _ map[string]any) { f["nearest_item_distance"] = far })
	w.Handle("place_torch", func(f, _ map[string]any) { f["should_place_torch"] = false })
	w.Handle("look_around", func(map[string]any, map[string]any) {})
	return w
}

// Handle registers or replaces a behavior.
func (w *SimWorld) Handle(name string, b Behavior) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.behaviors[name] = b
}

// Set changes a fact.
func (w *SimWorld) Set(key string, value any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.facts[key] = value
}

func (w *SimWorld) Snapshot() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.facts)
}

// Performed lists completed behaviors in order.
func (w *SimWorld) Performed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.performed...)
}

func (w *SimWorld) Perform(ctx context.Context, behavior string, args map[string]any) error {
	w.mu.Lock()
	b, ok := w.behaviors[behavior]
	step := w.Step
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBehavior, behavior)
	}

	if step > 0 {
		t := time.NewTimer(step)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return actions.ErrPathStopped
		case <-t.C:
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	b(w.facts, args)
	w.performed = append(w.performed, behavior)
	return nil
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}
