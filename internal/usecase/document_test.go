package usecase

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/virelle/corpus/internal/domain"
	"github.com/virelle/corpus/internal/infrastructure/database/models"
)

func TestActiveLockDiscardsCorruptEntryWithWarning(t *testing.T) {
	var logs strings.Builder
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	uc := &DocumentUsecase{lockLifetime: time.Hour}
	doc := &models.Document{
		Entity: models.Entity{
			ID:   7,
			Meta: datatypes.JSONMap{"lock": map[string]any{"user_id": float64(3), "user": "alice"}},
		},
	}

	// A lock entry with no date cannot be parsed; the document counts as
	// unlocked, but the discard shows up in the log.
	if lock := uc.activeLock(doc); lock != nil {
		t.Errorf("corrupt lock should be discarded, got %+v", lock)
	}
	if !strings.Contains(logs.String(), "discarding corrupt document lock") {
		t.Error("expected a warning about the corrupt lock")
	}
}

func TestActiveLockReturnsLiveLock(t *testing.T) {
	uc := &DocumentUsecase{lockLifetime: time.Hour}
	lock := domain.NewLock(domain.Principal{UserID: 3, Name: "alice"}, time.Now())
	doc := &models.Document{
		Entity: models.Entity{
			ID:   7,
			Meta: datatypes.JSONMap{"lock": lock.AsMap()},
		},
	}

	got := uc.activeLock(doc)
	if got == nil || got.UserID != 3 {
		t.Fatalf("expected the live lock back, got %+v", got)
	}
}

func TestRepairContentTypeKeepsDeclaredType(t *testing.T) {
	got := repairContentType("application/vnd.oasis.opendocument.text", "report.bin", nil)
	if got != "application/vnd.oasis.opendocument.text" {
		t.Errorf("got %q", got)
	}
}

func TestRepairContentTypeGuessesFromExtension(t *testing.T) {
	cases := map[string]string{
		"report.pdf": "application/pdf",
		"photo.png":  "image/png",
		"notes.html": "text/html",
	}
	for filename, want := range cases {
		if got := repairContentType("application/octet-stream", filename, nil); got != want {
			t.Errorf("repairContentType(%q) = %q, want %q", filename, got, want)
		}
	}
}

func TestRepairContentTypeSniffsContent(t *testing.T) {
	got := repairContentType("", "noext", []byte("%PDF-1.7 ..."))
	if got != "application/pdf" {
		t.Errorf("got %q", got)
	}

	got = repairContentType("", "noext", []byte("plain words, nothing else"))
	if got != "text/plain" {
		t.Errorf("got %q", got)
	}
}

func TestRepairContentTypeFallsBackToOctetStream(t *testing.T) {
	if got := repairContentType("", "noext", nil); got != "application/octet-stream" {
		t.Errorf("got %q", got)
	}
}
