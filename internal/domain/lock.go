package domain

import (
	"time"

	"github.com/pkg/errors"
)

// Lock represents an edit lock held by one user over a document.
type Lock struct {
	UserID   uint      `json:"user_id"`
	UserName string    `json:"user"`
	Date     time.Time `json:"date"`
}

// NewLock acquires a lock for the given principal, stamped now.
func NewLock(p Principal, now time.Time) Lock {
	return Lock{UserID: p.UserID, UserName: p.Name, Date: now.UTC()}
}

// LockFromMap deserializes a lock stored in entity metadata.
func LockFromMap(m map[string]any) (Lock, error) {
	lock := Lock{}

	if v, ok := m["user_id"].(float64); ok {
		lock.UserID = uint(v)
	}
	if v, ok := m["user"].(string); ok {
		lock.UserName = v
	}

	raw, ok := m["date"].(string)
	if !ok {
		return Lock{}, ValidationError{Reason: "lock date missing"}
	}
	date, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return Lock{}, errors.Wrap(ValidationError{Reason: "unparsable lock date"}, err.Error())
	}
	lock.Date = date

	return lock, nil
}

// AsMap serializes the lock for storage in entity metadata.
func (l Lock) AsMap() map[string]any {
	return map[string]any{
		"user_id": float64(l.UserID),
		"user":    l.UserName,
		"date":    l.Date.Format(time.RFC3339),
	}
}

// Expired reports whether the lock has outlived the given lifetime.
func (l Lock) Expired(lifetime time.Duration, now time.Time) bool {
	return now.Sub(l.Date) > lifetime
}

// OwnedBy reports whether the lock belongs to the given principal.
func (l Lock) OwnedBy(p Principal) bool {
	return l.UserID == p.UserID
}
