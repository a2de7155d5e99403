package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/virelle/corpus/internal/domain"
	"github.com/virelle/corpus/internal/infrastructure/broker"
)

// recordingBroker counts fan-out sends per actor using direct mode.
func recordingBroker(t *testing.T) (*broker.Broker, map[string][]uint) {
	t.Helper()
	b := broker.New(nil, true)
	seen := map[string][]uint{}
	for _, name := range []string{ActorPreview, ActorConvert} {
		name := name
		b.Register(name, broker.DefaultPolicy, func(ctx context.Context, payload json.RawMessage) error {
			var msg Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				return err
			}
			seen[name] = append(seen[name], msg.ID)
			return nil
		})
	}
	return b, seen
}

func TestFanOutSchedulesDerivationStages(t *testing.T) {
	b, seen := recordingBroker(t)
	p := &Pipeline{broker: b}

	if err := p.fanOut(context.Background(), 7, domain.VerdictClean); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen[ActorPreview]) != 1 || seen[ActorPreview][0] != 7 {
		t.Errorf("preview stage not scheduled: %v", seen[ActorPreview])
	}
	if len(seen[ActorConvert]) != 1 || seen[ActorConvert][0] != 7 {
		t.Errorf("conversion stage not scheduled: %v", seen[ActorConvert])
	}
}

func TestFanOutContinuesOnUnknownVerdict(t *testing.T) {
	b, seen := recordingBroker(t)
	p := &Pipeline{broker: b}

	if err := p.fanOut(context.Background(), 7, domain.VerdictUnknown); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen[ActorPreview]) != 1 || len(seen[ActorConvert]) != 1 {
		t.Errorf("unknown verdict should still fan out, got %v", seen)
	}
}

func TestFanOutAbortsOnInfectedContent(t *testing.T) {
	b, seen := recordingBroker(t)
	p := &Pipeline{broker: b}

	if err := p.fanOut(context.Background(), 7, domain.VerdictInfected); err != nil {
		t.Fatalf("infected content is final, not retryable: %v", err)
	}
	if len(seen) != 0 {
		t.Errorf("no stage should run for infected content, got %v", seen)
	}
}

func TestActorDropsMalformedPayload(t *testing.T) {
	p := &Pipeline{}
	called := false
	fn := p.actor(func(ctx context.Context, id uint) error {
		called = true
		return nil
	})

	if err := fn(context.Background(), json.RawMessage(`{`)); err != nil {
		t.Fatalf("malformed payloads must be dropped, not retried: %v", err)
	}
	if called {
		t.Error("handler should not run for a malformed payload")
	}
}

func TestActorDecodesMessage(t *testing.T) {
	p := &Pipeline{}
	var got uint
	fn := p.actor(func(ctx context.Context, id uint) error {
		got = id
		return nil
	})

	if err := fn(context.Background(), json.RawMessage(`{"id":42}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("decoded id = %d", got)
	}
}
