// Package snapshot persists per-session intake state: the active draft id,
// the serialized {form, progress} resume payload, the pending-work-type
// marker written just before a login redirect, and the max-completed-step
// guard. Three interchangeable drivers exist: memory, redis, and postgres.
//
// Absence of a value is never an error. Callers are expected to swallow
// storage failures: losing cached state degrades to "no draft", it must not
// block the intake flow.
package snapshot

import (
	"context"
	"strconv"
	"time"

	"github.com/taskfront/intake/model"
)

// Field names under which session values are stored.
const (
	fieldDraftID  = "draft-id"
	fieldSnapshot = "snapshot"
	fieldPending  = "pending-type"
	fieldGuard    = "guard"
)

// TTLs configures per-field expiry for a store.
type TTLs struct {
	Snapshot time.Duration
	Guard    time.Duration
	Pending  time.Duration
}

// Store is the session state persistence port.
type Store interface {
	// PutDraftID remembers the active draft id for the session.
	PutDraftID(ctx context.Context, key, id string) error
	// GetDraftID returns the cached draft id, or ok=false if never set,
	// cleared, or expired.
	GetDraftID(ctx context.Context, key string) (id string, ok bool, err error)
	// ClearDraftID removes the cached draft id.
	ClearDraftID(ctx context.Context, key string) error

	// PutSnapshot stores the serialized resume payload.
	PutSnapshot(ctx context.Context, key string, p model.ResumePayload) error
	// GetSnapshot returns the stored payload. Malformed stored data reads
	// as absent.
	GetSnapshot(ctx context.Context, key string) (model.ResumePayload, bool, error)
	// ClearSnapshot removes the stored payload.
	ClearSnapshot(ctx context.Context, key string) error

	// PutPendingType marks a work type as mid-transition through a login
	// redirect.
	PutPendingType(ctx context.Context, key string, wt model.WorkType) error
	// GetPendingType returns the pending marker, if set.
	GetPendingType(ctx context.Context, key string) (model.WorkType, bool, error)
	// ClearPendingType removes the pending marker.
	ClearPendingType(ctx context.Context, key string) error

	// PutGuard records the highest completed step so replay cannot send the
	// user backward into a step already passed. Guards expire on their own.
	PutGuard(ctx context.Context, key string, maxStep int) error
	// GetGuard returns the recorded max completed step.
	GetGuard(ctx context.Context, key string) (int, bool, error)

	// ClearAll removes every stored value for the session. Used when the
	// flow completes or is abandoned.
	ClearAll(ctx context.Context, key string) error
}

// encodeSnapshot and friends keep the wire format identical across drivers
// so the driver can be swapped without migration of semantics.

func encodeSnapshot(p model.ResumePayload) ([]byte, error) {
	return p.Encode()
}

func decodeSnapshot(data []byte) (model.ResumePayload, bool) {
	p, err := model.ParseResumePayload(data)
	if err != nil {
		return model.ResumePayload{}, false
	}
	return p, true
}

func decodePendingType(data []byte) (model.WorkType, bool) {
	wt, err := model.ParseWorkType(string(data))
	if err != nil {
		return "", false
	}
	return wt, true
}

func decodeGuard(data []byte) (int, bool) {
	n, err := strconv.Atoi(string(data))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
