package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// ProxyPrefix is the fixed prefix for proxy identifiers.
const ProxyPrefix = "fulcrum-proxy-"

// maxSlotLetters caps the number of concurrent slot suffixes per base
// server id (A through Z).
const maxSlotLetters = 26

// ServerID identifies a backend server (mini1), optionally narrowed to
// a single logical slot on it by an uppercase letter suffix (mini1A).
// The zero Letter means the id refers to the base server.
type ServerID struct {
	Family string
	Number int
	Letter byte
}

func (s ServerID) String() string {
	if s.Letter == 0 {
		return s.Family + strconv.Itoa(s.Number)
	}
	return s.Family + strconv.Itoa(s.Number) + string(s.Letter)
}

// Base strips the slot letter, returning the physical server id.
func (s ServerID) Base() ServerID {
	s.Letter = 0
	return s
}

func (s ServerID) HasLetter() bool { return s.Letter != 0 }

// ParseServerID parses ids of the form {family}{number} or
// {family}{number}{letter}. Input is case-insensitive: the family is
// normalized to lower case and the slot letter to upper case.
func ParseServerID(raw string) (ServerID, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return ServerID{}, fmt.Errorf("%w: empty server id", ErrInvalidIdentifier)
	}

	letter := byte(0)
	last := id[len(id)-1]
	if isAlpha(last) && len(id) > 1 && isDigit(id[len(id)-2]) {
		letter = upper(last)
		id = id[:len(id)-1]
	}

	digitStart := len(id)
	for digitStart > 0 && isDigit(id[digitStart-1]) {
		digitStart--
	}
	if digitStart == len(id) {
		return ServerID{}, fmt.Errorf("%w: %q has no number", ErrInvalidIdentifier, raw)
	}
	family := id[:digitStart]
	if family == "" {
		return ServerID{}, fmt.Errorf("%w: %q has no family", ErrInvalidIdentifier, raw)
	}
	for i := 0; i < len(family); i++ {
		if !isAlpha(family[i]) {
			return ServerID{}, fmt.Errorf("%w: family %q has non-letter characters", ErrInvalidIdentifier, family)
		}
	}

	number, err := strconv.Atoi(id[digitStart:])
	if err != nil || number < 1 {
		return ServerID{}, fmt.Errorf("%w: %q has invalid number", ErrInvalidIdentifier, raw)
	}

	return ServerID{Family: strings.ToLower(family), Number: number, Letter: letter}, nil
}

// ProxyID identifies a proxy process. Formats as fulcrum-proxy-{n}.
type ProxyID struct {
	Number int
}

func (p ProxyID) String() string {
	return ProxyPrefix + strconv.Itoa(p.Number)
}

func ParseProxyID(raw string) (ProxyID, error) {
	id := strings.TrimSpace(strings.ToLower(raw))
	if !strings.HasPrefix(id, ProxyPrefix) {
		return ProxyID{}, fmt.Errorf("%w: %q is not a proxy id", ErrInvalidIdentifier, raw)
	}
	number, err := strconv.Atoi(id[len(ProxyPrefix):])
	if err != nil || number < 1 {
		return ProxyID{}, fmt.Errorf("%w: %q has invalid proxy number", ErrInvalidIdentifier, raw)
	}
	return ProxyID{Number: number}, nil
}

// NormalizeSlotID lower-cases the family/number part and upper-cases
// any slot letter so ids compare consistently regardless of source.
func NormalizeSlotID(raw string) string {
	id, err := ParseServerID(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return id.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}
