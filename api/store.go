// Package api defines public API contracts for component-runtime.
package api

import (
	"context"
	"time"
)

// SnapshotRecord is the persisted artifact of a state capture. It is
// opaque to external callers: the payload is a CBOR document the
// runtime's codec produced from the component's state value.
type SnapshotRecord struct {
	ComponentID string
	Version     uint64
	Payload     []byte
	CreatedAt   time.Time
}

// SnapshotStore persists versioned component state. Versions are
// allocated by the store and strictly increase per component; a save
// is atomic, so a crash mid-write never corrupts the latest readable
// version.
//
// Pinned versions survive Prune; the migration coordinator pins the
// pre-cutover snapshot of every affected component so rollback always
// has a known-good restore point.
type SnapshotStore interface {
	// Save persists payload under the next version for id and returns
	// the version it allocated.
	Save(ctx context.Context, id string, payload []byte) (uint64, error)

	// Load returns the record at an exact version.
	Load(ctx context.Context, id string, version uint64) (SnapshotRecord, error)

	// Latest returns the highest-version record for id.
	Latest(ctx context.Context, id string) (SnapshotRecord, error)

	// Versions lists all retained versions for id in ascending order.
	Versions(ctx context.Context, id string) ([]uint64, error)

	// Pin marks a version exempt from pruning. Unpin removes every
	// pin held for id.
	Pin(ctx context.Context, id string, version uint64) error
	Unpin(ctx context.Context, id string) error

	// Prune drops all but the newest keep versions per component,
	// skipping pinned versions. keep <= 0 means unbounded retention.
	Prune(ctx context.Context, keep int) error

	Close() error
}

// HealthSink receives health metric reports. The runtime's health
// recorder implements it; components and internal subsystems (such as
// the snapshot write path) report through it.
type HealthSink interface {
	Report(componentID, metric string, value float64)
}
