// Package state persists the last-applied record of every managed resource.
// The store is the only durable artifact the engine owns: the planner reads
// it to compute diffs and the executor is its only writer, updating a record
// strictly after a provider operation reached a terminal outcome.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when no record exists for a node.
var ErrNotFound = errors.New("state record not found")

// ErrVersionConflict is returned by Put when the record's version does not
// follow the stored version. Each node's record is owned by exactly one
// worker during an apply, so a conflict indicates a concurrency bug or a
// second apply run mutating the same records.
var ErrVersionConflict = errors.New("state record version conflict")

// LockContentionError reports that another apply run holds the advisory
// run-level lock. Fatal for the contending run, non-destructive.
type LockContentionError struct {
	// Holder is the owner identifier of the current lock holder.
	Holder string

	// AcquiredAt is when the holder took the lock.
	AcquiredAt time.Time
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("apply lock held by %s since %s", e.Holder, e.AcquiredAt.Format(time.RFC3339))
}

// Record is the durable per-node snapshot: the attributes last applied, the
// outputs the provider reported, and a monotonically increasing version.
type Record struct {
	// NodeID is the graph identity, "type.name".
	NodeID string `json:"node_id"`

	// Type and Name split the identity for listing and queries.
	Type string `json:"type"`
	Name string `json:"name"`

	// Attributes is the fully resolved desired attribute set that was
	// applied. References have been replaced by their concrete values.
	Attributes map[string]any `json:"attributes"`

	// Outputs holds the provider-computed attributes of the resource,
	// consulted when other nodes reference this node.
	Outputs map[string]any `json:"outputs"`

	// Version increments on every successful apply. The first apply writes
	// version 1.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the boundary to the durable medium. Get/Put/Delete must be
// atomic per node; cross-node atomicity is not required. Lock/Unlock
// implement the advisory run-level lock that prevents two concurrent apply
// runs against the same record set.
type Store interface {
	// Get returns the record for a node, or ErrNotFound.
	Get(ctx context.Context, nodeID string) (*Record, error)

	// Put writes a record. The record's Version must be exactly one more
	// than the stored version (or 1 when absent); otherwise the store
	// returns ErrVersionConflict and leaves the stored record untouched.
	Put(ctx context.Context, rec *Record) error

	// Delete removes a node's record. Deleting an absent record is not an
	// error.
	Delete(ctx context.Context, nodeID string) error

	// List returns every record, ordered by node ID.
	List(ctx context.Context) ([]*Record, error)

	// Lock acquires the advisory run lock for owner, or returns a
	// LockContentionError naming the current holder.
	Lock(ctx context.Context, owner string) error

	// Unlock releases the advisory run lock if held by owner.
	Unlock(ctx context.Context, owner string) error

	// Close releases the underlying medium.
	Close() error
}
