package registry

import "errors"

var (
	// ErrSlotLimitExceeded means all 26 slot letters under a base id
	// are in use. The caller must pick a different base server.
	ErrSlotLimitExceeded = errors.New("slot letter limit exceeded for base id")

	// ErrCapacityExhausted means a family has no remaining capacity on
	// the requested server. Non-fatal; callers requeue or try another
	// candidate.
	ErrCapacityExhausted = errors.New("no remaining capacity for family")

	// Reservation token validation failures.
	ErrReservationLocked   = errors.New("reservation is locked by another consumer")
	ErrReservationExpired  = errors.New("reservation has expired")
	ErrReservationMismatch = errors.New("reservation token does not match")

	// ErrStoreUnavailable wraps transient store connectivity failures.
	// Operations fail closed rather than approving unsafe mutations.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrCorruptRecord marks a record that failed to deserialize during
	// load. The record is skipped; startup continues.
	ErrCorruptRecord = errors.New("corrupt registry record")

	// ErrIllegalTransition is returned when a requested lifecycle
	// transition is not legal from the current state.
	ErrIllegalTransition = errors.New("illegal registration state transition")

	// ErrIDInUse is returned when releasing an identifier that still has
	// a live registration behind it.
	ErrIDInUse = errors.New("identifier still in use")

	// ErrNotFound is returned when an entity is in neither partition.
	ErrNotFound = errors.New("entity not registered")

	// ErrInvalidIdentifier covers malformed server/proxy id strings.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)
