package leasestore

import (
	"context"

	"github.com/pixperk/fencelock/pkg/types"
)

// Backend is the record storage a Store runs its protocol against.
//
// Implementations must provide two guarantees:
//   - Commit is atomic: the lock record and its lease are written together, and
//     only if the stored record version still equals ExpectVersion
//     (zero meaning "no record yet"). A mismatch returns types.ErrVersionConflict.
//   - Expiry is backend-enforced: Load never returns a lease whose TTL has elapsed
//     since its last write. The backend stamps the write time itself.
type Backend interface {
	// Name identifies the backend in metrics and logs.
	Name() string
	Load(ctx context.Context, name string) (types.Snapshot, error)
	Commit(ctx context.Context, cmd types.CommitCmd) error
	// DeleteLease removes the lease only if ownerID holds it. It reports false,
	// not an error, when there is nothing to delete.
	DeleteLease(ctx context.Context, name, ownerID string) (bool, error)
}
