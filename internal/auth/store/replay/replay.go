// Package replay remembers one-shot identifiers (access-token jtis and
// authorization-code digests) until they expire.
package replay

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock func() time.Time

// Store is implemented by every backing.
type Store interface {
	// Exists reports whether id is recorded and not yet expired.
	Exists(ctx context.Context, id string) (bool, error)
	// Store records id until expiresAt. An already expired id is ignored.
	Store(ctx context.Context, id string, expiresAt time.Time) error
	// MarkUsed records id atomically and reports whether this call was the
	// first to do so. An already expired id is never fresh.
	MarkUsed(ctx context.Context, id string, expiresAt time.Time) (bool, error)
}
