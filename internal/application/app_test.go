package application

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/virelle/corpus/internal/infrastructure/broker"
	"github.com/virelle/corpus/internal/infrastructure/database"
)

func captureLogs(t *testing.T) *strings.Builder {
	t.Helper()
	var buf strings.Builder
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestDispatchIndexUpdatesLogsSendFailure(t *testing.T) {
	logs := captureLogs(t)

	// A direct broker with no registered actor makes every Send fail.
	app := &App{Broker: broker.New(nil, true)}
	app.dispatchIndexUpdates(context.Background(), []database.Change{
		{Op: database.OpChanged, ObjectType: "document", ObjectID: 7},
	})

	assert.Contains(t, logs.String(), "failed to dispatch index update")
}
