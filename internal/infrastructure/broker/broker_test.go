package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestDirectSendInvokesActor(t *testing.T) {
	b := New(nil, true)

	var got string
	b.Register("echo", DefaultPolicy, func(ctx context.Context, payload json.RawMessage) error {
		var msg struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		got = msg.Value
		return nil
	})

	err := b.Send(context.Background(), "echo", map[string]string{"value": "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello" {
		t.Errorf("actor saw %q", got)
	}
}

func TestDirectSendUnknownActor(t *testing.T) {
	b := New(nil, true)

	err := b.Send(context.Background(), "nobody", struct{}{})
	if err == nil {
		t.Fatal("expected an error for an unregistered actor")
	}
}

func TestDirectSendPropagatesActorError(t *testing.T) {
	b := New(nil, true)
	b.Register("boom", DefaultPolicy, func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("boom")
	})

	err := b.Send(context.Background(), "boom", struct{}{})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected actor error, got %v", err)
	}
}

func TestPolicyBackoffDoublesAndCaps(t *testing.T) {
	p := Policy{MaxRetries: 10, MinBackoff: time.Second, MaxBackoff: 8 * time.Second}

	for retries, want := range map[int]time.Duration{
		0: time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		4: 8 * time.Second, // capped
		9: 8 * time.Second, // shift overflow falls back to the cap
	} {
		d := p.backoff(retries)
		if d < want/2 || d > want {
			t.Errorf("backoff(%d) = %v, want within [%v, %v]", retries, d, want/2, want)
		}
	}
}
