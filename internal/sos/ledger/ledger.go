// Package ledger is the authoritative request-to-driver binding store.
//
// Every implementation exposes one indivisible insert-if-absent primitive
// (TryLock); callers never combine a read with a separate write to claim a
// request.
package ledger

import (
	"context"

	"github.com/google/uuid"
)

// LockResult reports the outcome of TryLock. HeldBy is the winner in both
// cases: the caller when Granted, the current holder otherwise.
type LockResult struct {
	Granted bool
	HeldBy  uuid.UUID
}

type Ledger interface {
	TryLock(ctx context.Context, requestID, driverID uuid.UUID) (LockResult, error)
	// Release removes any entry for requestID and reports whether one existed.
	Release(ctx context.Context, requestID uuid.UUID) (bool, error)
	// ReleaseHeld removes the entry only while driverID still holds it.
	ReleaseHeld(ctx context.Context, requestID, driverID uuid.UUID) (bool, error)
	IsLocked(ctx context.Context, requestID uuid.UUID) (bool, error)
	Holder(ctx context.Context, requestID uuid.UUID) (uuid.UUID, bool, error)
}
