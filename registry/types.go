package registry

import (
	"fmt"
	"time"
)

// recordVersion is written into every persisted record. Unknown fields
// in stored records are ignored on decode and missing ones take their
// zero value, so bumping the version only matters for incompatible
// reshapes.
const recordVersion = 1

// RegisteredServer is the persisted state of one backend server.
type RegisteredServer struct {
	Version int    `json:"version"`
	ID      string `json:"id"`
	Address string `json:"address"`
	Port    int    `json:"port"`

	// Capacity is the declared player capacity per slot family.
	Capacity map[string]int `json:"capacity,omitempty"`
	// SlotIDs are the logical slots currently allocated on this server.
	SlotIDs []string `json:"slotIds,omitempty"`

	State            State     `json:"state"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
	UnavailableSince time.Time `json:"unavailableSince,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Transition validates and applies a lifecycle transition. On an
// illegal request the record keeps its prior state.
func (s *RegisteredServer) Transition(to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s: %s -> %s", ErrIllegalTransition, s.ID, s.State, to)
	}
	s.State = to
	return nil
}

// RegisteredProxy is the persisted state of one proxy process.
type RegisteredProxy struct {
	Version int    `json:"version"`
	ID      string `json:"id"`
	Address string `json:"address"`
	Port    int    `json:"port"`

	State            State     `json:"state"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
	UnavailableSince time.Time `json:"unavailableSince,omitempty"`
}

func (p *RegisteredProxy) Transition(to State) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("%w: %s: %s -> %s", ErrIllegalTransition, p.ID, p.State, to)
	}
	p.State = to
	return nil
}

// LogicalSlot is one hosted instance of a family on a base server.
type LogicalSlot struct {
	Version  int    `json:"version"`
	ID       string `json:"id"`
	ServerID string `json:"serverId"`
	Family   string `json:"family"`

	MaxPlayers    int `json:"maxPlayers"`
	OnlinePlayers int `json:"onlinePlayers"`

	Metadata map[string]string `json:"metadata,omitempty"`
}
