// Package routing decides where a connecting player goes: it filters
// blocked slots, reserves capacity on a candidate, and enforces the
// retry and wait budget of each pending placement.
package routing

import (
	"time"

	"fulcrum-registry/registry"
)

// Request is the routing view of an inbound placement request. It
// mirrors the bus message but is kept decoupled to avoid import loops.
type Request struct {
	PlayerID      string
	Family        string
	Variant       string
	PreferredSlot string
	Rejoin        bool
	BlockedSlots  []string
}

// Context carries the per-pending-placement state while a request
// waits for a slot. Slot ids are normalized on the way in so blocking
// is case-insensitive.
type Context struct {
	Request   *Request
	CreatedAt time.Time

	// CurrentSlot is the slot the player occupies when reconnecting.
	CurrentSlot string

	preferred string
	rejoin    bool
	blocked   map[string]struct{}

	retries      int
	lastEnqueued time.Time

	now func() time.Time
}

// NewContext builds the pending-placement state for a request. A nil
// clock uses wall time; tests inject their own.
func NewContext(req *Request, clock func() time.Time) *Context {
	if clock == nil {
		clock = time.Now
	}
	c := &Context{
		Request:   req,
		CreatedAt: clock(),
		preferred: registry.NormalizeSlotID(req.PreferredSlot),
		rejoin:    req.Rejoin,
		blocked:   make(map[string]struct{}, len(req.BlockedSlots)),
		now:       clock,
	}
	for _, slot := range req.BlockedSlots {
		c.blocked[registry.NormalizeSlotID(slot)] = struct{}{}
	}
	return c
}

// BlockSlot adds a slot the player must not be routed to, typically
// the one they were just removed from.
func (c *Context) BlockSlot(slotID string) {
	c.blocked[registry.NormalizeSlotID(slotID)] = struct{}{}
}

// IsBlockedSlot reports whether a slot is off limits for this player.
// A rejoin request bypasses the block for its preferred slot only, so
// the player can return to where they came from.
func (c *Context) IsBlockedSlot(slotID string) bool {
	norm := registry.NormalizeSlotID(slotID)
	if c.rejoin && c.preferred != "" && norm == c.preferred {
		return false
	}
	_, blocked := c.blocked[norm]
	return blocked
}

// PreferredSlot returns the normalized rejoin target, or "".
func (c *Context) PreferredSlot() string {
	if !c.rejoin {
		return ""
	}
	return c.preferred
}

// HasExceededWait reports whether the request has been pending for at
// least the threshold.
func (c *Context) HasExceededWait(threshold time.Duration) bool {
	return c.now().Sub(c.CreatedAt) >= threshold
}

// RegisterRetry consumes one attempt and reports whether budget
// remains. Once it returns false the caller must fail the request
// rather than loop forever.
func (c *Context) RegisterRetry(maxRetries int) bool {
	c.retries++
	return c.retries <= maxRetries
}

func (c *Context) Retries() int { return c.retries }

// MarkEnqueued records when this request last entered a waiting queue.
func (c *Context) MarkEnqueued() {
	c.lastEnqueued = c.now()
}

func (c *Context) LastEnqueued() time.Time { return c.lastEnqueued }
