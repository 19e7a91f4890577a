package ledger

import (
	"context"
	"time"

	"billingledger/internal/types"
)

// Tx is the view of one owner's credit stream available while the owner
// lock is held. Every method runs in the same database transaction.
type Tx interface {
	// LastEntry returns the newest entry, or nil when the owner has none.
	LastEntry(ctx context.Context, tenantID string, owner types.OwnerRef) (*types.CreditTransaction, error)

	// Append inserts entry and fills in ID and CreatedAt.
	Append(ctx context.Context, entry *types.CreditTransaction) error

	// ListExpirable returns positive entries with remaining > 0 and
	// expires_at <= asOf, oldest first.
	ListExpirable(ctx context.Context, tenantID string, owner types.OwnerRef, asOf time.Time) ([]types.CreditTransaction, error)

	// ListConsumable returns entries with remaining > 0 in consumption
	// order: earliest expiry first, non-expiring last, then oldest first.
	ListConsumable(ctx context.Context, tenantID string, owner types.OwnerRef) ([]types.CreditTransaction, error)

	// SetRemaining updates the unconsumed portion of a positive entry.
	SetRemaining(ctx context.Context, id int64, remaining int64) error
}

// Store gives the ledger serialized access to a credit stream plus
// lock-free reads.
type Store interface {
	// WithOwnerLock runs fn in a transaction holding the exclusive lock for
	// (tenantID, owner). fn's error rolls the transaction back.
	WithOwnerLock(ctx context.Context, tenantID string, owner types.OwnerRef, fn func(ctx context.Context, tx Tx) error) error

	// LastEntry reads the newest entry without locking.
	LastEntry(ctx context.Context, tenantID string, owner types.OwnerRef) (*types.CreditTransaction, error)

	// History returns up to limit entries, newest first.
	History(ctx context.Context, tenantID string, owner types.OwnerRef, limit int) ([]types.CreditTransaction, error)
}
