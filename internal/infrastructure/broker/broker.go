// Package broker is a small redis-backed task queue: named actors, at
// least once delivery, declarative retry policies with exponential
// backoff, and a dead-letter list for messages that exhausted their
// retries. A direct mode runs actors synchronously for tests.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("broker")

const (
	queueKey      = "corpus:queue"
	delayedKey    = "corpus:delayed"
	deadLetterKey = "corpus:dead"
)

// Policy declares how an actor's failures are retried. Backoff doubles
// from MinBackoff per attempt, capped at MaxBackoff, with jitter.
type Policy struct {
	MaxRetries int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// DefaultPolicy mirrors the queue's defaults for actors that do not care.
var DefaultPolicy = Policy{
	MaxRetries: 5,
	MinBackoff: 15 * time.Second,
	MaxBackoff: 30 * time.Minute,
}

func (p Policy) backoff(retries int) time.Duration {
	d := p.MinBackoff << uint(retries)
	if d <= 0 || d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	// Jitter spreads retry storms out.
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// ActorFunc handles one message. A nil return acknowledges the message;
// an error reschedules it under the actor's policy.
type ActorFunc func(ctx context.Context, payload json.RawMessage) error

type actor struct {
	fn     ActorFunc
	policy Policy
}

type message struct {
	ID      string          `json:"id"`
	Actor   string          `json:"actor"`
	Payload json.RawMessage `json:"payload"`
	Retries int             `json:"retries"`
}

// Broker routes messages to registered actors. Registration must finish
// before Send or Run is called.
type Broker struct {
	rdb    *redis.Client
	direct bool

	mu     sync.RWMutex
	actors map[string]actor
}

// New builds a broker on the given redis client. With direct set, Send
// invokes the actor inline and retries never happen; tests use this to
// keep the pipeline synchronous.
func New(rdb *redis.Client, direct bool) *Broker {
	return &Broker{
		rdb:    rdb,
		direct: direct,
		actors: map[string]actor{},
	}
}

// Register binds an actor name to its handler and retry policy.
func (b *Broker) Register(name string, policy Policy, fn ActorFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actors[name] = actor{fn: fn, policy: policy}
}

// Send enqueues a message for an actor. The payload must marshal to JSON.
func (b *Broker) Send(ctx context.Context, name string, payload any) error {
	ctx, span := tracer.Start(ctx, "Broker.Send")
	defer span.End()

	encoded, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}

	if b.direct {
		a, ok := b.lookup(name)
		if !ok {
			return errors.Errorf("unknown actor %q", name)
		}
		return a.fn(ctx, encoded)
	}

	msg := message{ID: uuid.NewString(), Actor: name, Payload: encoded}
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	if err := b.rdb.LPush(ctx, queueKey, raw).Err(); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "enqueue message")
	}
	return nil
}

func (b *Broker) lookup(name string) (actor, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.actors[name]
	return a, ok
}

// Run consumes the queue until the context is canceled. Call it from a
// worker process; multiple workers may share the queue.
func (b *Broker) Run(ctx context.Context) error {
	go b.promoteLoop(ctx)

	for {
		res, err := b.rdb.BRPop(ctx, 5*time.Second, queueKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("queue pop failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		b.handle(ctx, []byte(res[1]))
	}
}

func (b *Broker) handle(ctx context.Context, raw []byte) {
	ctx, span := tracer.Start(ctx, "Broker.handle")
	defer span.End()

	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Error("dropping undecodable message", slog.String("error", err.Error()))
		return
	}

	a, ok := b.lookup(msg.Actor)
	if !ok {
		slog.Error("dropping message for unknown actor", slog.String("actor", msg.Actor))
		return
	}

	err := a.fn(ctx, msg.Payload)
	if err == nil {
		return
	}
	span.RecordError(err)

	if msg.Retries >= a.policy.MaxRetries {
		slog.Error("message exhausted retries, dead-lettering",
			slog.String("actor", msg.Actor),
			slog.String("id", msg.ID),
			slog.String("error", err.Error()))
		if raw, merr := json.Marshal(msg); merr == nil {
			if derr := b.rdb.LPush(ctx, deadLetterKey, raw).Err(); derr != nil {
				slog.Error("dead-letter push failed", slog.String("error", derr.Error()))
			}
		}
		return
	}

	msg.Retries++
	delay := a.policy.backoff(msg.Retries)
	slog.Warn("actor failed, rescheduling",
		slog.String("actor", msg.Actor),
		slog.String("id", msg.ID),
		slog.Int("retries", msg.Retries),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()))

	raw, merr := json.Marshal(msg)
	if merr != nil {
		return
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if zerr := b.rdb.ZAdd(ctx, delayedKey, redis.Z{Score: due, Member: string(raw)}).Err(); zerr != nil {
		slog.Error("reschedule failed", slog.String("error", zerr.Error()))
	}
}

// promoteLoop moves due delayed messages back onto the queue.
func (b *Broker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		due, err := b.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
			Min: "-inf", Max: now, Count: 100,
		}).Result()
		if err != nil || len(due) == 0 {
			continue
		}
		for _, raw := range due {
			removed, err := b.rdb.ZRem(ctx, delayedKey, raw).Result()
			if err != nil || removed == 0 {
				// Another worker promoted it first.
				continue
			}
			if err := b.rdb.LPush(ctx, queueKey, raw).Err(); err != nil {
				slog.Error("promote failed", slog.String("error", err.Error()))
			}
		}
	}
}

// DeadLetters returns up to limit messages from the dead-letter list
// without consuming them.
func (b *Broker) DeadLetters(ctx context.Context, limit int64) ([]string, error) {
	return b.rdb.LRange(ctx, deadLetterKey, 0, limit-1).Result()
}
