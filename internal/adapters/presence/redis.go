// Package presence mirrors the online set to Redis for services outside this process.
package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/Chatline/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisMirror keeps a Redis set equal to the online users and publishes each
// change on a channel. PresenceChanged never blocks: pending updates coalesce
// to the newest snapshot and a single worker writes them.
type RedisMirror struct {
	client  redis.UniversalClient
	key     string
	channel string
	updates chan []domain.UserID
}

func NewRedisMirror(client redis.UniversalClient, key, channel string) *RedisMirror {
	return &RedisMirror{
		client:  client,
		key:     key,
		channel: channel,
		updates: make(chan []domain.UserID, 1),
	}
}

// PresenceChanged is called by the registry with its lock held.
func (m *RedisMirror) PresenceChanged(online []domain.UserID) {
	select {
	case m.updates <- online:
		return
	default:
	}
	select {
	case <-m.updates:
	default:
	}
	select {
	case m.updates <- online:
	default:
	}
}

// Run writes snapshots until ctx is done, then removes the mirrored set.
func (m *RedisMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			cleanup := context.WithoutCancel(ctx)
			if err := m.client.Del(cleanup, m.key).Err(); err != nil {
				log.Warn().Err(err).Str("module", "presence.redis").Msg("clear online set")
			}
			return nil
		case online := <-m.updates:
			if err := m.write(ctx, online); err != nil {
				log.Warn().Err(err).Str("module", "presence.redis").Int("online", len(online)).Msg("mirror presence")
			}
		}
	}
}

func (m *RedisMirror) write(ctx context.Context, online []domain.UserID) error {
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, m.key)
		if len(online) > 0 {
			members := make([]any, len(online))
			for i, uid := range online {
				members[i] = string(uid)
			}
			p.SAdd(ctx, m.key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", m.key, err)
	}

	payload, err := json.Marshal(domain.OnlineUsers{UserIDs: online})
	if err != nil {
		return err
	}
	if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", m.channel, err)
	}
	log.Debug().Str("module", "presence.redis").Int("online", len(online)).Msg("mirrored presence")
	return nil
}
