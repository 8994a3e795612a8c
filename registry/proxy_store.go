package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"fulcrum-registry/store"
)

// ProxyStore is the proxy variant of ServerStore. Proxies carry no
// slots or capacity, so the record is smaller, but the partition and
// index handling mirrors the server side.
type ProxyStore struct {
	st  *store.Store
	now func() time.Time
}

func NewProxyStore(st *store.Store) *ProxyStore {
	return &ProxyStore{st: st, now: time.Now}
}

func (s *ProxyStore) SaveActive(ctx context.Context, p *RegisteredProxy) error {
	p.Version = recordVersion
	p.UnavailableSince = time.Time{}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proxy %s: %w", p.ID, err)
	}
	if err := s.st.Set(ctx, store.KeyProxyActive(p.ID), string(b)); err != nil {
		return fmt.Errorf("save active proxy %s: %w", p.ID, err)
	}
	if err := s.st.Delete(ctx, store.KeyProxyUnavailable(p.ID)); err != nil {
		return fmt.Errorf("clear unavailable proxy %s: %w", p.ID, err)
	}
	return nil
}

func (s *ProxyStore) SaveUnavailable(ctx context.Context, p *RegisteredProxy) error {
	p.Version = recordVersion
	if p.UnavailableSince.IsZero() {
		p.UnavailableSince = s.now()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proxy %s: %w", p.ID, err)
	}
	if err := s.st.Set(ctx, store.KeyProxyUnavailable(p.ID), string(b)); err != nil {
		return fmt.Errorf("save unavailable proxy %s: %w", p.ID, err)
	}
	if err := s.st.Delete(ctx, store.KeyProxyActive(p.ID)); err != nil {
		return fmt.Errorf("clear active proxy %s: %w", p.ID, err)
	}
	return nil
}

func (s *ProxyStore) DeleteActive(ctx context.Context, id string) error {
	if err := s.st.Delete(ctx, store.KeyProxyActive(id)); err != nil {
		return fmt.Errorf("delete active proxy %s: %w", id, err)
	}
	return nil
}

func (s *ProxyStore) DeleteUnavailable(ctx context.Context, id string) error {
	if err := s.st.Delete(ctx, store.KeyProxyUnavailable(id)); err != nil {
		return fmt.Errorf("delete unavailable proxy %s: %w", id, err)
	}
	return nil
}

func (s *ProxyStore) GetActive(ctx context.Context, id string) (*RegisteredProxy, error) {
	return s.get(ctx, store.KeyProxyActive(id))
}

func (s *ProxyStore) GetUnavailable(ctx context.Context, id string) (*RegisteredProxy, error) {
	return s.get(ctx, store.KeyProxyUnavailable(id))
}

func (s *ProxyStore) get(ctx context.Context, key string) (*RegisteredProxy, error) {
	raw, ok, err := s.st.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	p, err := decodeProxy(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return p, nil
}

func (s *ProxyStore) LoadActive(ctx context.Context) ([]*RegisteredProxy, error) {
	return s.load(ctx, store.KeyProxyActivePattern())
}

func (s *ProxyStore) LoadUnavailable(ctx context.Context) ([]*RegisteredProxy, error) {
	return s.load(ctx, store.KeyProxyUnavailablePattern())
}

func (s *ProxyStore) load(ctx context.Context, pattern string) ([]*RegisteredProxy, error) {
	keys, err := s.st.ScanKeys(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	proxies := make([]*RegisteredProxy, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := s.st.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		if !ok {
			continue
		}
		p, err := decodeProxy(raw)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("skipping corrupt proxy record")
			continue
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}

func decodeProxy(raw string) (*RegisteredProxy, error) {
	var p RegisteredProxy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrCorruptRecord)
	}
	machine := NewStateMachine()
	machine.ForceSet(p.State)
	p.State = machine.Current()
	return &p, nil
}
