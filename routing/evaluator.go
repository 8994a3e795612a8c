package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"fulcrum-registry/registry"
)

// Outcome classifies an evaluation result.
type Outcome int

const (
	// OutcomeAssigned: a slot was reserved for the player.
	OutcomeAssigned Outcome = iota
	// OutcomeRequeue: no slot right now, retry budget remains.
	OutcomeRequeue
	// OutcomeFailed: the request is over budget and must be rejected.
	OutcomeFailed
)

// Placement is a successful reservation.
type Placement struct {
	SlotID    string
	Remaining int
}

// Decision is the outcome of one evaluation pass.
type Decision struct {
	Outcome   Outcome
	Placement *Placement
	Reason    string
}

// Evaluator selects a slot for a pending placement. Candidates come
// from the family's advertiser set; blocked slots are filtered out;
// reservation is attempted in priority order until one wins or the
// candidates are exhausted.
type Evaluator struct {
	slots         *registry.SlotStore
	maxRetries    int
	waitThreshold time.Duration
}

func NewEvaluator(slots *registry.SlotStore, maxRetries int, waitThreshold time.Duration) *Evaluator {
	return &Evaluator{slots: slots, maxRetries: maxRetries, waitThreshold: waitThreshold}
}

// Evaluate runs one placement attempt. A non-nil error means the store
// could not be consulted; the caller must requeue rather than approve
// anything, since capacity decisions are only valid against the store.
func (e *Evaluator) Evaluate(ctx context.Context, rc *Context) (Decision, error) {
	family := rc.Request.Family

	candidates, err := e.slots.AdvertisedSlots(ctx, family)
	if err != nil {
		return Decision{}, err
	}
	remaining, err := e.slots.RemainingCapacity(ctx, family)
	if err != nil {
		return Decision{}, err
	}

	ordered := e.order(rc, candidates, remaining)
	for _, slotID := range ordered {
		if rc.IsBlockedSlot(slotID) {
			continue
		}
		rem, err := e.slots.ReserveFamilyCapacity(ctx, slotID, family)
		if errors.Is(err, registry.ErrCapacityExhausted) {
			// Lost the race on this candidate; try the next one.
			continue
		}
		if err != nil {
			return Decision{}, err
		}
		log.Debug().
			Str("player", rc.Request.PlayerID).
			Str("slot", slotID).
			Int("remaining", rem).
			Msg("reserved slot for player")
		return Decision{
			Outcome:   OutcomeAssigned,
			Placement: &Placement{SlotID: slotID, Remaining: rem},
		}, nil
	}

	if rc.HasExceededWait(e.waitThreshold) {
		return Decision{
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("no capacity for family %q within %s", family, e.waitThreshold),
		}, nil
	}
	if !rc.RegisterRetry(e.maxRetries) {
		return Decision{
			Outcome: OutcomeFailed,
			Reason:  fmt.Sprintf("no capacity for family %q after %d attempts", family, rc.Retries()),
		}, nil
	}
	return Decision{Outcome: OutcomeRequeue}, nil
}

// order sorts candidates into the attempt sequence: the rejoin target
// first, then slots with the most remaining capacity, then the smaller
// id. The ordering is total, so concurrent evaluators agree on the
// sequence and contention resolves at the reservation script.
func (e *Evaluator) order(rc *Context, candidates []string, remaining map[string]int) []string {
	ordered := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ordered = append(ordered, registry.NormalizeSlotID(c))
	}
	preferred := rc.PreferredSlot()
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if preferred != "" {
			if a == preferred {
				return true
			}
			if b == preferred {
				return false
			}
		}
		if remaining[a] != remaining[b] {
			return remaining[a] > remaining[b]
		}
		return a < b
	})
	return ordered
}
