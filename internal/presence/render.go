package presence

import (
	"sync"
	"time"

	"github.com/example/transit-tracker/internal/models"
)

// RenderState is the presentation-facing view of one actor. Values are
// copied in and out; the cache never hands a live reference to the
// authoritative record.
type RenderState struct {
	ActorID    string      `json:"actor_id"`
	Role       models.Role `json:"role"`
	Lat        float64     `json:"lat"`
	Lng        float64     `json:"lng"`
	BearingDeg float64     `json:"bearing_deg"`
	HasBearing bool        `json:"has_bearing"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// RenderCache is the render-state index keyed by actor id, decoupled
// from store records so render cadence and persist cadence can differ.
type RenderCache struct {
	mu     sync.RWMutex
	states map[string]RenderState
}

func NewRenderCache() *RenderCache {
	return &RenderCache{states: make(map[string]RenderState)}
}

func (c *RenderCache) Put(s RenderState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[s.ActorID] = s
}

func (c *RenderCache) Get(actorID string) (RenderState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.states[actorID]
	return s, ok
}

func (c *RenderCache) Remove(actorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, actorID)
}

// Snapshot copies out every state.
func (c *RenderCache) Snapshot() []RenderState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RenderState, 0, len(c.states))
	for _, s := range c.states {
		out = append(out, s)
	}
	return out
}
