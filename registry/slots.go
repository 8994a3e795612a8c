package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"fulcrum-registry/store"
)

// SlotStore tracks per-(slot, family) capacity counters, the advertiser
// sets routing consults, and logical slot metadata. Reserve and release
// are single scripted units in the store: two concurrent reservations
// can never both win the last unit of capacity.
type SlotStore struct {
	st *store.Store
}

func NewSlotStore(st *store.Store) *SlotStore {
	return &SlotStore{st: st}
}

// SetFamilyCapacity declares the capacity a slot offers for a family
// and advertises it when positive.
func (s *SlotStore) SetFamilyCapacity(ctx context.Context, slotID, family string, capacity int) error {
	if capacity < 0 {
		return fmt.Errorf("negative capacity %d for %s/%s", capacity, slotID, family)
	}
	if err := s.st.HSet(ctx, store.KeyCapacity(family), slotID, strconv.Itoa(capacity)); err != nil {
		return fmt.Errorf("set capacity %s/%s: %w", slotID, family, err)
	}
	if capacity > 0 {
		if err := s.st.SAdd(ctx, store.KeyAdvertisers(family), slotID); err != nil {
			return fmt.Errorf("advertise %s for %s: %w", slotID, family, err)
		}
	} else {
		if err := s.st.SRem(ctx, store.KeyAdvertisers(family), slotID); err != nil {
			return fmt.Errorf("unadvertise %s for %s: %w", slotID, family, err)
		}
	}
	return nil
}

// ReserveFamilyCapacity consumes one unit of capacity. Returns the new
// remaining count, or ErrCapacityExhausted when the counter is absent
// or already zero; nothing is mutated in that case.
func (s *SlotStore) ReserveFamilyCapacity(ctx context.Context, slotID, family string) (int, error) {
	rem, err := s.st.ReserveCapacity(ctx, store.KeyCapacity(family), store.KeyAdvertisers(family), slotID)
	if err != nil {
		return 0, fmt.Errorf("reserve capacity %s/%s: %w", slotID, family, err)
	}
	if rem == store.NoCapacity {
		return 0, fmt.Errorf("%w: %s/%s", ErrCapacityExhausted, slotID, family)
	}
	return int(rem), nil
}

// ReleaseFamilyCapacity returns one unit of capacity and re-advertises
// the slot when the counter becomes positive.
func (s *SlotStore) ReleaseFamilyCapacity(ctx context.Context, slotID, family string) (int, error) {
	rem, err := s.st.ReleaseCapacity(ctx, store.KeyCapacity(family), store.KeyAdvertisers(family), slotID)
	if err != nil {
		return 0, fmt.Errorf("release capacity %s/%s: %w", slotID, family, err)
	}
	return int(rem), nil
}

// RemoveFamilyCapacity withdraws a slot's family offering entirely.
func (s *SlotStore) RemoveFamilyCapacity(ctx context.Context, slotID, family string) error {
	if err := s.st.HDel(ctx, store.KeyCapacity(family), slotID); err != nil {
		return fmt.Errorf("remove capacity %s/%s: %w", slotID, family, err)
	}
	if err := s.st.SRem(ctx, store.KeyAdvertisers(family), slotID); err != nil {
		return fmt.Errorf("unadvertise %s for %s: %w", slotID, family, err)
	}
	return nil
}

// AdvertisedSlots lists the slots currently offering a family.
func (s *SlotStore) AdvertisedSlots(ctx context.Context, family string) ([]string, error) {
	members, err := s.st.SMembers(ctx, store.KeyAdvertisers(family))
	if err != nil {
		return nil, fmt.Errorf("list advertisers for %s: %w", family, err)
	}
	return members, nil
}

// RemainingCapacity returns slot id to remaining count for a family.
// This is a consistent-enough snapshot for candidate ordering; the
// reservation script is the authority on whether a unit is actually
// available.
func (s *SlotStore) RemainingCapacity(ctx context.Context, family string) (map[string]int, error) {
	raw, err := s.st.HGetAll(ctx, store.KeyCapacity(family))
	if err != nil {
		return nil, fmt.Errorf("read capacity for %s: %w", family, err)
	}
	out := make(map[string]int, len(raw))
	for slotID, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Warn().Str("slot", slotID).Str("value", v).Msg("skipping non-numeric capacity counter")
			continue
		}
		out[slotID] = n
	}
	return out, nil
}

func (s *SlotStore) StoreSlot(ctx context.Context, slot *LogicalSlot) error {
	slot.Version = recordVersion
	b, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("encode slot %s: %w", slot.ID, err)
	}
	if err := s.st.Set(ctx, store.KeySlot(slot.ID), string(b)); err != nil {
		return fmt.Errorf("store slot %s: %w", slot.ID, err)
	}
	return nil
}

func (s *SlotStore) GetSlot(ctx context.Context, slotID string) (*LogicalSlot, error) {
	raw, ok, err := s.st.Get(ctx, store.KeySlot(slotID))
	if err != nil {
		return nil, fmt.Errorf("load slot %s: %w", slotID, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var slot LogicalSlot
	if err := json.Unmarshal([]byte(raw), &slot); err != nil {
		return nil, fmt.Errorf("%w: slot %s: %v", ErrCorruptRecord, slotID, err)
	}
	return &slot, nil
}

// RemoveSlot deletes a slot's metadata and withdraws the capacity
// bookkeeping it contributed, including its player member set.
func (s *SlotStore) RemoveSlot(ctx context.Context, slotID string) error {
	slot, err := s.GetSlot(ctx, slotID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if slot != nil {
		if err := s.RemoveFamilyCapacity(ctx, slotID, slot.Family); err != nil {
			return err
		}
	}
	if err := s.st.Delete(ctx, store.KeySlot(slotID), store.KeySlotPlayers(slotID)); err != nil {
		return fmt.Errorf("delete slot %s: %w", slotID, err)
	}
	return nil
}

// ReassignPlayer atomically moves a player onto a slot and returns the
// slot they previously occupied ("" for a first placement).
func (s *SlotStore) ReassignPlayer(ctx context.Context, playerID, slotID string) (string, error) {
	prev, err := s.st.ReassignPlayerSlot(ctx,
		store.KeyPlayerSlots,
		store.KeySlotPlayers(slotID),
		playerID,
		slotID,
		store.KeySlotPlayersPrefix)
	if err != nil {
		return "", fmt.Errorf("reassign player %s to %s: %w", playerID, slotID, err)
	}
	return prev, nil
}
