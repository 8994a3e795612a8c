package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fulcrum-registry/store"
)

// lockTTL bounds the advisory lock taken while a reservation is
// validated and consumed. Consumption is a short two-step read plus
// delete, so the lock only needs to survive one store round-trip.
const lockTTL = 5 * time.Second

// Reservation is one unit of consumed capacity tied to a specific
// player and slot, pending confirmation by the hosting server.
type Reservation struct {
	Token    string    `json:"token"`
	PlayerID string    `json:"playerId"`
	SlotID   string    `json:"slotId"`
	Family   string    `json:"family"`
	IssuedAt time.Time `json:"issuedAt"`
}

// ReservationStore issues and consumes reservation tokens. A token is
// written with a TTL when a player is routed; the hosting server
// consumes it when the player actually arrives. Consumption is guarded
// by a short advisory lock so two arrivals cannot both validate the
// same token.
type ReservationStore struct {
	st  *store.Store
	ttl time.Duration
	now func() time.Time
}

func NewReservationStore(st *store.Store, ttl time.Duration) *ReservationStore {
	return &ReservationStore{st: st, ttl: ttl, now: time.Now}
}

// Create issues a token for a placement. The token expires on its own
// if the player never arrives; the capacity unit is then reconciled by
// the slot's next heartbeat.
func (r *ReservationStore) Create(ctx context.Context, playerID, slotID, family string) (*Reservation, error) {
	res := &Reservation{
		Token:    uuid.NewString(),
		PlayerID: playerID,
		SlotID:   slotID,
		Family:   family,
		IssuedAt: r.now(),
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode reservation for %s: %w", playerID, err)
	}
	if err := r.st.SetEx(ctx, store.KeyReservation(res.Token), string(b), r.ttl); err != nil {
		return nil, fmt.Errorf("%w: store reservation: %v", ErrStoreUnavailable, err)
	}
	log.Debug().Str("token", res.Token).Str("player", playerID).Str("slot", slotID).Msg("reservation issued")
	return res, nil
}

// Consume validates and burns a token. The claimed player and slot
// must match what the token was issued for. The advisory lock is
// released on every path once taken.
func (r *ReservationStore) Consume(ctx context.Context, token, playerID, slotID string) (*Reservation, error) {
	lockKey := store.KeyReservationLock(token)
	won, err := r.st.SetNX(ctx, lockKey, playerID, lockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: lock reservation: %v", ErrStoreUnavailable, err)
	}
	if !won {
		return nil, fmt.Errorf("%w: %s", ErrReservationLocked, token)
	}
	defer func() {
		if err := r.st.Delete(ctx, lockKey); err != nil {
			log.Warn().Err(err).Str("token", token).Msg("reservation lock release failed; ttl will clear it")
		}
	}()

	raw, ok, err := r.st.Get(ctx, store.KeyReservation(token))
	if err != nil {
		return nil, fmt.Errorf("%w: load reservation: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReservationExpired, token)
	}
	var res Reservation
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("%w: reservation %s: %v", ErrCorruptRecord, token, err)
	}
	if res.PlayerID != playerID || NormalizeSlotID(res.SlotID) != NormalizeSlotID(slotID) {
		return nil, fmt.Errorf("%w: token %s issued for %s@%s", ErrReservationMismatch, token, res.PlayerID, res.SlotID)
	}
	if err := r.st.Delete(ctx, store.KeyReservation(token)); err != nil {
		return nil, fmt.Errorf("%w: burn reservation: %v", ErrStoreUnavailable, err)
	}
	log.Debug().Str("token", token).Str("player", playerID).Msg("reservation consumed")
	return &res, nil
}
