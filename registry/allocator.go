package registry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"fulcrum-registry/store"
)

// proxyIDGroup names the recycle pool and counter shared by all proxy
// numbers. Server ids use their family name as the group.
const proxyIDGroup = "proxy"

// Allocator hands out and reclaims identifiers. All counter and
// recycle-pool mutations run as single scripted operations in the
// store, so concurrent allocation from multiple registry processes
// cannot double-issue a number.
type Allocator struct {
	st *store.Store
}

func NewAllocator(st *store.Store) *Allocator {
	return &Allocator{st: st}
}

// AllocateServerID returns the next id for a family: the lowest
// recycled number when the pool is non-empty, else the incremented
// counter.
func (a *Allocator) AllocateServerID(ctx context.Context, family string) (ServerID, error) {
	if family == "" {
		return ServerID{}, fmt.Errorf("%w: empty family", ErrInvalidIdentifier)
	}
	n, err := a.st.AllocateOrRecycle(ctx, store.KeyRecyclePool(family), store.KeyCounter(family))
	if err != nil {
		return ServerID{}, fmt.Errorf("allocate server id for %q: %w", family, err)
	}
	id := ServerID{Family: family, Number: int(n)}
	log.Debug().Str("id", id.String()).Msg("allocated server id")
	return id, nil
}

// AllocateSlotID returns the base id extended with the lowest unused
// uppercase letter, or ErrSlotLimitExceeded once all 26 are taken.
func (a *Allocator) AllocateSlotID(ctx context.Context, base ServerID) (ServerID, error) {
	if base.HasLetter() {
		return ServerID{}, fmt.Errorf("%w: %s is already a slot id", ErrInvalidIdentifier, base)
	}
	letter, err := a.st.AllocateSlotLetter(ctx, store.KeySlotLetters(base.String()))
	if err != nil {
		return ServerID{}, fmt.Errorf("allocate slot letter for %s: %w", base, err)
	}
	if letter == "" {
		return ServerID{}, fmt.Errorf("%w: %s", ErrSlotLimitExceeded, base)
	}
	slot := base
	slot.Letter = letter[0]
	log.Debug().Str("id", slot.String()).Msg("allocated slot id")
	return slot, nil
}

// AllocateProxyID follows the same contiguous-with-recycle pattern as
// servers under the fixed fulcrum-proxy- prefix.
func (a *Allocator) AllocateProxyID(ctx context.Context) (ProxyID, error) {
	n, err := a.st.AllocateOrRecycle(ctx, store.KeyRecyclePool(proxyIDGroup), store.KeyCounter(proxyIDGroup))
	if err != nil {
		return ProxyID{}, fmt.Errorf("allocate proxy id: %w", err)
	}
	id := ProxyID{Number: int(n)}
	log.Debug().Str("id", id.String()).Msg("allocated proxy id")
	return id, nil
}

// ReleaseServerID frees an identifier. For a slot id only that letter
// is returned to its base server's pool. For a base id the number goes
// back to the family recycle pool and every slot letter still
// allocated under it is freed in the same atomic unit.
func (a *Allocator) ReleaseServerID(ctx context.Context, id ServerID) error {
	if id.HasLetter() {
		letter := string(id.Letter)
		if err := a.st.ReleaseSlotLetter(ctx, store.KeySlotLetters(id.Base().String()), letter); err != nil {
			return fmt.Errorf("release slot letter %s: %w", id, err)
		}
		log.Debug().Str("id", id.String()).Msg("released slot letter")
		return nil
	}
	err := a.st.ReleaseID(ctx,
		store.KeyRecyclePool(id.Family),
		store.KeyCounter(id.Family),
		store.KeySlotLetters(id.String()),
		int64(id.Number))
	if err != nil {
		return fmt.Errorf("release server id %s: %w", id, err)
	}
	log.Debug().Str("id", id.String()).Msg("released server id")
	return nil
}

// ReleaseProxyID is the only path that returns a proxy number to the
// recycle pool. Ordinary disconnect handling must never call it; a
// proxy that drops its connection keeps its number until an explicit
// confirmed-dead decision. Without force the release is refused while
// a registration record still exists for the id.
func (a *Allocator) ReleaseProxyID(ctx context.Context, id ProxyID, force bool) error {
	if !force {
		for _, key := range []string{store.KeyProxyActive(id.String()), store.KeyProxyUnavailable(id.String())} {
			exists, err := a.st.Exists(ctx, key)
			if err != nil {
				return fmt.Errorf("check proxy %s liveness: %w", id, err)
			}
			if exists {
				return fmt.Errorf("%w: %s", ErrIDInUse, id)
			}
		}
	}
	err := a.st.ReleaseID(ctx,
		store.KeyRecyclePool(proxyIDGroup),
		store.KeyCounter(proxyIDGroup),
		"",
		int64(id.Number))
	if err != nil {
		return fmt.Errorf("release proxy id %s: %w", id, err)
	}
	log.Info().Str("id", id.String()).Bool("force", force).Msg("released proxy id")
	return nil
}

// ClaimServerID removes an externally-known id from the recycle pool
// without issuing a new allocation, so a later AllocateServerID cannot
// hand it out again. Idempotent.
func (a *Allocator) ClaimServerID(ctx context.Context, id ServerID) error {
	if id.HasLetter() {
		return fmt.Errorf("%w: cannot claim slot id %s", ErrInvalidIdentifier, id)
	}
	err := a.st.ClaimID(ctx, store.KeyRecyclePool(id.Family), store.KeyCounter(id.Family), int64(id.Number))
	if err != nil {
		return fmt.Errorf("claim server id %s: %w", id, err)
	}
	log.Debug().Str("id", id.String()).Msg("claimed server id")
	return nil
}
