package todo

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/todo-sync/backend/internal/contracts"
)

var (
	// ErrNotOwner marks a mutation against a record owned by another user.
	// Security-relevant: never merged, never reported as an ordinary conflict.
	ErrNotOwner = errors.New("record belongs to a different owner")

	// ErrUnknownRecord marks a versioned mutation against an id the store has
	// never seen. The client must not resubmit it blindly.
	ErrUnknownRecord = errors.New("record does not exist")
)

// ConflictError carries the authoritative server state alongside the version
// the client believed, so the caller can retry with corrected state instead
// of resubmitting blindly.
type ConflictError struct {
	ClientVersion int64
	Server        contracts.TodoRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version mismatch: client has %d, server has %d", e.ClientVersion, e.Server.Version)
}

// Resolution is the accepted outcome of resolving one proposed change.
// ExpectedVersion is the compare-and-swap token for Store.Put: zero means the
// record must not exist yet.
type Resolution struct {
	Record          contracts.TodoRecord
	ExpectedVersion int64
	EventType       string
}

// Resolve decides whether a client-proposed change applies cleanly against
// the current stored record (nil means absent). It is a pure function: no
// storage access, no clock reads, so conflict semantics are testable in
// isolation. It never mutates current; a conflict is surfaced to the caller
// rather than resolved silently.
func Resolve(ownerID string, change Change, current *contracts.TodoRecord, now time.Time, newID func() string) (Resolution, error) {
	if err := change.Validate(); err != nil {
		return Resolution{}, err
	}

	if current == nil {
		if change.Version > 1 {
			// The client believes it saw a version of a record the store has
			// never held (or one already purged).
			return Resolution{}, ErrUnknownRecord
		}
		if change.Text == nil || strings.TrimSpace(*change.Text) == "" {
			return Resolution{}, ErrTextRequired
		}
		return resolveCreate(ownerID, change, now, newID), nil
	}

	if current.OwnerID != ownerID {
		return Resolution{}, ErrNotOwner
	}
	if change.Version != current.Version {
		return Resolution{}, &ConflictError{ClientVersion: change.Version, Server: *current}
	}

	next := *current
	if change.Text != nil {
		next.Text = *change.Text
	}
	if change.Completed != nil {
		next.Completed = *change.Completed
	}

	eventType := contracts.ChangeUpdated
	if change.Deleted != nil {
		switch {
		case *change.Deleted && current.DeletedAt == nil:
			stamp := now
			next.DeletedAt = &stamp
			eventType = contracts.ChangeDeleted
		case !*change.Deleted && current.DeletedAt != nil:
			next.DeletedAt = nil
			eventType = contracts.ChangeRestored
		}
	}

	next.Version = current.Version + 1
	next.UpdatedAt = monotonicAfter(now, current.UpdatedAt)
	next.OriginClientID = change.ClientID
	return Resolution{Record: next, ExpectedVersion: current.Version, EventType: eventType}, nil
}

func resolveCreate(ownerID string, change Change, now time.Time, newID func() string) Resolution {
	id := strings.TrimSpace(change.ID)
	if id == "" {
		id = newID()
	}
	rec := contracts.TodoRecord{
		ID:             id,
		OwnerID:        ownerID,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
		OriginClientID: change.ClientID,
	}
	if change.Text != nil {
		rec.Text = *change.Text
	}
	if change.Completed != nil {
		rec.Completed = *change.Completed
	}
	return Resolution{Record: rec, ExpectedVersion: 0, EventType: contracts.ChangeCreated}
}

// monotonicAfter keeps updated_at non-decreasing per record even if the
// server clock steps backwards between two accepted mutations.
func monotonicAfter(now, previous time.Time) time.Time {
	if now.Before(previous) {
		return previous
	}
	return now
}
