package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"fulcrum-registry/store"
)

// ServerStore persists registered servers across process restarts. The
// keyspace is split into an active partition and an unavailable
// partition; an entity lives in exactly one at a time. A reverse
// address index and a temp-id index support lookup during routing and
// bootstrap-phase registration.
type ServerStore struct {
	st  *store.Store
	now func() time.Time
}

func NewServerStore(st *store.Store) *ServerStore {
	return &ServerStore{st: st, now: time.Now}
}

func (s *ServerStore) SaveActive(ctx context.Context, srv *RegisteredServer) error {
	srv.Version = recordVersion
	srv.UnavailableSince = time.Time{}
	addr := ""
	if srv.Address != "" {
		addr = net.JoinHostPort(srv.Address, strconv.Itoa(srv.Port))
	}
	if err := s.dropStaleAddress(ctx, srv.ID, addr); err != nil {
		return err
	}
	b, err := json.Marshal(srv)
	if err != nil {
		return fmt.Errorf("encode server %s: %w", srv.ID, err)
	}
	if err := s.st.Set(ctx, store.KeyServerActive(srv.ID), string(b)); err != nil {
		return fmt.Errorf("save active server %s: %w", srv.ID, err)
	}
	if err := s.st.Delete(ctx, store.KeyServerUnavailable(srv.ID)); err != nil {
		return fmt.Errorf("clear unavailable server %s: %w", srv.ID, err)
	}
	if addr != "" {
		if err := s.st.HSet(ctx, store.KeyAddressIndex, addr, srv.ID); err != nil {
			return fmt.Errorf("index server address %s: %w", addr, err)
		}
	}
	return nil
}

// dropStaleAddress removes the previous address index entry when a
// server comes back on a different address.
func (s *ServerStore) dropStaleAddress(ctx context.Context, id, addr string) error {
	for _, key := range []string{store.KeyServerActive(id), store.KeyServerUnavailable(id)} {
		prev, err := s.get(ctx, key)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorruptRecord) {
			continue
		}
		if err != nil {
			return err
		}
		if prev.Address == "" {
			continue
		}
		prevAddr := net.JoinHostPort(prev.Address, strconv.Itoa(prev.Port))
		if prevAddr == addr {
			continue
		}
		if err := s.st.HDel(ctx, store.KeyAddressIndex, prevAddr); err != nil {
			return fmt.Errorf("drop stale address index %s: %w", prevAddr, err)
		}
	}
	return nil
}

func (s *ServerStore) SaveUnavailable(ctx context.Context, srv *RegisteredServer) error {
	srv.Version = recordVersion
	if srv.UnavailableSince.IsZero() {
		srv.UnavailableSince = s.now()
	}
	b, err := json.Marshal(srv)
	if err != nil {
		return fmt.Errorf("encode server %s: %w", srv.ID, err)
	}
	if err := s.st.Set(ctx, store.KeyServerUnavailable(srv.ID), string(b)); err != nil {
		return fmt.Errorf("save unavailable server %s: %w", srv.ID, err)
	}
	if err := s.st.Delete(ctx, store.KeyServerActive(srv.ID)); err != nil {
		return fmt.Errorf("clear active server %s: %w", srv.ID, err)
	}
	return nil
}

func (s *ServerStore) DeleteActive(ctx context.Context, srv *RegisteredServer) error {
	if err := s.st.Delete(ctx, store.KeyServerActive(srv.ID)); err != nil {
		return fmt.Errorf("delete active server %s: %w", srv.ID, err)
	}
	return s.dropAddressIndex(ctx, srv)
}

func (s *ServerStore) DeleteUnavailable(ctx context.Context, srv *RegisteredServer) error {
	if err := s.st.Delete(ctx, store.KeyServerUnavailable(srv.ID)); err != nil {
		return fmt.Errorf("delete unavailable server %s: %w", srv.ID, err)
	}
	return s.dropAddressIndex(ctx, srv)
}

func (s *ServerStore) dropAddressIndex(ctx context.Context, srv *RegisteredServer) error {
	if srv.Address == "" {
		return nil
	}
	addr := net.JoinHostPort(srv.Address, strconv.Itoa(srv.Port))
	if err := s.st.HDel(ctx, store.KeyAddressIndex, addr); err != nil {
		return fmt.Errorf("drop address index %s: %w", addr, err)
	}
	return nil
}

func (s *ServerStore) GetActive(ctx context.Context, id string) (*RegisteredServer, error) {
	return s.get(ctx, store.KeyServerActive(id))
}

func (s *ServerStore) GetUnavailable(ctx context.Context, id string) (*RegisteredServer, error) {
	return s.get(ctx, store.KeyServerUnavailable(id))
}

func (s *ServerStore) get(ctx context.Context, key string) (*RegisteredServer, error) {
	raw, ok, err := s.st.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	srv, err := decodeServer(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return srv, nil
}

// LoadActive reconstructs the active partition by scanning persisted
// keys. A record that fails to decode is logged and skipped; one
// corrupt entry must not abort the whole load. The persisted lifecycle
// state is restored as-is, without re-running transition logic.
func (s *ServerStore) LoadActive(ctx context.Context) ([]*RegisteredServer, error) {
	return s.load(ctx, store.KeyServerActivePattern())
}

func (s *ServerStore) LoadUnavailable(ctx context.Context) ([]*RegisteredServer, error) {
	return s.load(ctx, store.KeyServerUnavailablePattern())
}

func (s *ServerStore) load(ctx context.Context, pattern string) ([]*RegisteredServer, error) {
	keys, err := s.st.ScanKeys(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	servers := make([]*RegisteredServer, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := s.st.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		if !ok {
			continue
		}
		srv, err := decodeServer(raw)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("skipping corrupt server record")
			continue
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

func decodeServer(raw string) (*RegisteredServer, error) {
	var srv RegisteredServer
	if err := json.Unmarshal([]byte(raw), &srv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if srv.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrCorruptRecord)
	}
	machine := NewStateMachine()
	machine.ForceSet(srv.State)
	srv.State = machine.Current()
	return &srv, nil
}

// BindTempID records the bootstrap-phase temp id to permanent id
// mapping assigned during registration.
func (s *ServerStore) BindTempID(ctx context.Context, tempID, permID string) error {
	if tempID == "" {
		return nil
	}
	if err := s.st.HSet(ctx, store.KeyTempIndex, tempID, permID); err != nil {
		return fmt.Errorf("bind temp id %s: %w", tempID, err)
	}
	return nil
}

// ResolveTempID returns the permanent id previously bound to a temp
// id, or "" when the temp id is unknown.
func (s *ServerStore) ResolveTempID(ctx context.Context, tempID string) (string, error) {
	perm, ok, err := s.st.HGet(ctx, store.KeyTempIndex, tempID)
	if err != nil {
		return "", fmt.Errorf("resolve temp id %s: %w", tempID, err)
	}
	if !ok {
		return "", nil
	}
	return perm, nil
}

// LookupAddress resolves "host:port" to the registered id.
func (s *ServerStore) LookupAddress(ctx context.Context, addr string) (string, error) {
	id, ok, err := s.st.HGet(ctx, store.KeyAddressIndex, addr)
	if err != nil {
		return "", fmt.Errorf("lookup address %s: %w", addr, err)
	}
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}
