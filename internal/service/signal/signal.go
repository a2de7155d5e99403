// Package signal fans application events out over redis pub/sub so other
// processes (and the websocket endpoint) can observe content changes, scan
// verdicts and index updates as they happen.
package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/virelle/corpus/internal/domain"
)

const channel = "corpus:events"

type Service struct {
	rdb *redis.Client
}

func NewService(redisClient *redis.Client) *Service {
	return &Service{
		rdb: redisClient,
	}
}

func (s *Service) Publish(ctx context.Context, event domain.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	jsonstr, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = s.rdb.Publish(ctx, channel, jsonstr).Err()
	if err != nil {
		return err
	}

	return nil
}

// Subscribe opens the event stream. The caller owns the subscription and
// must close it.
func (s *Service) Subscribe(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, channel)
}
