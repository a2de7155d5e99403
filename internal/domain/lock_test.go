package domain

import (
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"
)

func TestLockMapRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	lock := NewLock(Principal{UserID: 3, Name: "dana"}, now)

	restored, err := LockFromMap(lock.AsMap())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored.UserID != 3 || restored.UserName != "dana" || !restored.Date.Equal(now) {
		t.Errorf("restored lock = %+v", restored)
	}
}

func TestLockSurvivesJSONMetadata(t *testing.T) {
	// Entity metadata passes through JSON, turning uints into float64s.
	lock := NewLock(Principal{UserID: 3, Name: "dana"}, time.Now())
	encoded, err := json.Marshal(lock.AsMap())
	if err != nil {
		t.Fatal(err)
	}
	decoded := map[string]any{}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatal(err)
	}

	restored, err := LockFromMap(decoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if restored.UserID != 3 {
		t.Errorf("user id = %d", restored.UserID)
	}
}

func TestLockFromMapRejectsBadDate(t *testing.T) {
	_, err := LockFromMap(map[string]any{"user_id": float64(1), "date": "yesterday-ish"})
	if !stderrors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = LockFromMap(map[string]any{"user_id": float64(1)})
	if !stderrors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing date, got %v", err)
	}
}

func TestLockExpiry(t *testing.T) {
	start := time.Now()
	lock := NewLock(Principal{UserID: 1}, start)

	if lock.Expired(time.Hour, start.Add(30*time.Minute)) {
		t.Error("lock should still be live")
	}
	if !lock.Expired(time.Hour, start.Add(2*time.Hour)) {
		t.Error("lock should have expired")
	}
}

func TestLockOwnership(t *testing.T) {
	lock := NewLock(Principal{UserID: 5}, time.Now())
	if !lock.OwnedBy(Principal{UserID: 5}) {
		t.Error("owner not recognized")
	}
	if lock.OwnedBy(Principal{UserID: 6}) {
		t.Error("stranger recognized as owner")
	}
}

func TestVerdictMetaRoundTrip(t *testing.T) {
	for _, v := range []Verdict{VerdictUnknown, VerdictClean, VerdictInfected} {
		value := v.MetaValue()
		if got := VerdictFromMeta(value, true); got != v {
			t.Errorf("verdict %v came back as %v", v, got)
		}
	}
	if got := VerdictFromMeta(nil, false); got != VerdictUnknown {
		t.Errorf("absent meta should be unknown, got %v", got)
	}
}
