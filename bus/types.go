// Package bus defines the message envelopes and transport interfaces
// the registry uses to talk to the rest of the fleet.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Channel names. Request/response pairs are correlated by the envelope
// correlation id.
const (
	ChannelRegistrationRequest  = "fulcrum:registry:registration:request"
	ChannelRegistrationResponse = "fulcrum:registry:registration:response"
	ChannelHeartbeat            = "fulcrum:registry:heartbeat"
	ChannelRouteRequest         = "fulcrum:registry:route:request"
	ChannelRouteResponse        = "fulcrum:registry:route:response"
	ChannelCapacity             = "fulcrum:registry:capacity"
	ChannelReservationConsume   = "fulcrum:registry:reservation:consume"
	ChannelReservationResult    = "fulcrum:registry:reservation:result"
	ChannelControl              = "fulcrum:registry:control"
)

// Envelope wraps every bus message with a correlation id for
// request/response pairing and the sender identity for self-message
// filtering.
type Envelope struct {
	CorrelationID string          `json:"correlationId"`
	Sender        string          `json:"sender"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload with a fresh correlation id.
func NewEnvelope(sender, msgType string, payload any) (*Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return &Envelope{
		CorrelationID: uuid.NewString(),
		Sender:        sender,
		Type:          msgType,
		Payload:       b,
	}, nil
}

// Reply wraps a payload reusing this envelope's correlation id.
func (e *Envelope) Reply(sender, msgType string, payload any) (*Envelope, error) {
	env, err := NewEnvelope(sender, msgType, payload)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = e.CorrelationID
	return env, nil
}

func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type Status string

const (
	StatusSuccess Status = "Success"
	StatusQueued  Status = "Queued"
	StatusFailure Status = "Failure"
)

// Message type tags carried in Envelope.Type.
const (
	TypeRegistrationRequest  = "registration-request"
	TypeRegistrationResponse = "registration-response"
	TypeHeartbeat            = "heartbeat"
	TypeRouteRequest         = "route-request"
	TypeRouteResponse        = "route-response"
	TypeCapacityChanged      = "capacity-changed"
	TypeReservationConsume   = "reservation-consume"
	TypeReservationResult    = "reservation-result"
	TypeControl              = "control"
)

// EntityKind distinguishes servers from proxies in registration.
type EntityKind string

const (
	KindServer EntityKind = "server"
	KindProxy  EntityKind = "proxy"
)

type RegistrationRequest struct {
	// TempID is the bootstrap-phase identifier the entity calls itself
	// until a permanent id is assigned.
	TempID   string         `json:"tempId"`
	Kind     EntityKind     `json:"kind"`
	Family   string         `json:"family,omitempty"`
	Address  string         `json:"address"`
	Port     int            `json:"port"`
	Capacity map[string]int `json:"capacity,omitempty"`
}

type RegistrationResponse struct {
	TempID     string  `json:"tempId"`
	AssignedID string  `json:"assignedId,omitempty"`
	Status     Status  `json:"status"`
	Error      *string `json:"error,omitempty"`
}

type Heartbeat struct {
	ID string `json:"id"`
	// Players maps slot id to current online count.
	Players map[string]int `json:"players,omitempty"`
}

type RouteRequest struct {
	PlayerID      string   `json:"playerId"`
	Family        string   `json:"family"`
	Variant       string   `json:"variant,omitempty"`
	PreferredSlot string   `json:"preferredSlot,omitempty"`
	Rejoin        bool     `json:"rejoin,omitempty"`
	BlockedSlots  []string `json:"blockedSlots,omitempty"`
}

type RouteResponse struct {
	PlayerID string `json:"playerId"`
	SlotID   string `json:"slotId,omitempty"`
	Address  string `json:"address,omitempty"`
	Port     int    `json:"port,omitempty"`
	// Token is the reservation the hosting server consumes when the
	// player arrives.
	Token  string  `json:"token,omitempty"`
	Status Status  `json:"status"`
	Error  *string `json:"error,omitempty"`
}

// ReservationConsume is sent by a hosting server when a routed player
// arrives, to validate and burn the reservation token.
type ReservationConsume struct {
	Token    string `json:"token"`
	PlayerID string `json:"playerId"`
	SlotID   string `json:"slotId"`
}

type ReservationResult struct {
	Token  string  `json:"token"`
	Status Status  `json:"status"`
	Error  *string `json:"error,omitempty"`
}

type CapacityChanged struct {
	SlotID    string `json:"slotId"`
	Family    string `json:"family"`
	Remaining int    `json:"remaining"`
}

// ControlCommand carries operator-initiated actions.
type ControlCommand struct {
	// Action is one of "shutdown" or "release-proxy".
	Action string `json:"action"`
	ID     string `json:"id"`
	Force  bool   `json:"force,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, channel string, env *Envelope) error
}

type Subscriber interface {
	Start(ctx context.Context, handler func(ctx context.Context, channel string, env *Envelope) error) error
}
