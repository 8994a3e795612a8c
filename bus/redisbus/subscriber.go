package redisbus

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fulcrum-registry/bus"
	"fulcrum-registry/store"
)

// Subscriber consumes registry channels over Redis pub/sub. Handlers
// run on a bounded worker pool so one slow store round-trip cannot
// stall message delivery on the receiving goroutine.
type Subscriber struct {
	st       *store.Store
	sender   string
	workers  int
	channels []string
	ready    atomic.Bool
}

func NewSubscriber(st *store.Store, sender string, workers int, channels ...string) *Subscriber {
	if workers < 1 {
		workers = 1
	}
	return &Subscriber{st: st, sender: sender, workers: workers, channels: channels}
}

// Ready reports whether the subscription is established and consuming.
func (s *Subscriber) Ready() bool { return s.ready.Load() }

// Start blocks consuming messages until the context is cancelled or
// the subscription closes. Handler errors are logged, never fatal;
// malformed payloads are dropped as poison.
func (s *Subscriber) Start(ctx context.Context, handler func(ctx context.Context, channel string, env *bus.Envelope) error) error {
	pubsub := s.st.Subscribe(ctx, s.channels...)
	defer pubsub.Close()

	// Confirm the subscription before consuming.
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Error().Err(err).Strs("channels", s.channels).Msg("failed to subscribe")
		return err
	}
	s.ready.Store(true)
	defer s.ready.Store(false)
	log.Info().Strs("channels", s.channels).Int("workers", s.workers).Msg("subscriber started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				_ = g.Wait()
				return nil
			}
			var env bus.Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				log.Error().Err(err).Str("channel", m.Channel).Msg("dropping malformed envelope")
				continue
			}
			if env.Sender == s.sender {
				continue
			}
			channel := m.Channel
			g.Go(func() error {
				if err := handler(gctx, channel, &env); err != nil {
					log.Error().Err(err).
						Str("channel", channel).
						Str("type", env.Type).
						Str("correlationId", env.CorrelationID).
						Msg("handler failed")
				}
				return nil
			})
		}
	}
}
