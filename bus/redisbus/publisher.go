// Package redisbus carries registry bus traffic over Redis pub/sub,
// the same deployment that backs the registry store.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"fulcrum-registry/bus"
	"fulcrum-registry/store"
)

type Publisher struct {
	st     *store.Store
	sender string
}

func NewPublisher(st *store.Store, sender string) *Publisher {
	return &Publisher{st: st, sender: sender}
}

func (p *Publisher) Publish(ctx context.Context, channel string, env *bus.Envelope) error {
	if env.Sender == "" {
		env.Sender = p.sender
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Str("type", env.Type).Msg("failed to marshal envelope")
		return fmt.Errorf("marshal %s envelope: %w", env.Type, err)
	}
	receivers, err := p.st.Publish(ctx, channel, string(b))
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Str("correlationId", env.CorrelationID).Msg("failed to publish envelope")
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	log.Debug().
		Str("channel", channel).
		Str("type", env.Type).
		Str("correlationId", env.CorrelationID).
		Int64("receivers", receivers).
		Msg("published envelope")
	return nil
}
