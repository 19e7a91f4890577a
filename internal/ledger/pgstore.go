package ledger

import (
	"context"

	"github.com/jackc/pgx/v5"

	"billingledger/internal/db"
	"billingledger/internal/types"
)

// Pool is satisfied by *pgxpool.Pool.
type Pool interface {
	db.DBTX
	db.TxBeginner
}

// PgStore is the PostgreSQL Store. The owner lock is a transaction-scoped
// advisory lock, so it is released by commit or rollback.
type PgStore struct {
	pool Pool
}

// NewPgStore creates a PgStore over pool.
func NewPgStore(pool Pool) *PgStore {
	return &PgStore{pool: pool}
}

var _ Store = (*PgStore)(nil)

func (s *PgStore) WithOwnerLock(ctx context.Context, tenantID string, owner types.OwnerRef, fn func(ctx context.Context, tx Tx) error) error {
	return db.RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		repo := db.NewCreditLedgerRepository(tx)
		if err := repo.LockOwner(ctx, tenantID, owner); err != nil {
			return err
		}
		return fn(ctx, repo)
	})
}

func (s *PgStore) LastEntry(ctx context.Context, tenantID string, owner types.OwnerRef) (*types.CreditTransaction, error) {
	return db.NewCreditLedgerRepository(s.pool).LastEntry(ctx, tenantID, owner)
}

func (s *PgStore) History(ctx context.Context, tenantID string, owner types.OwnerRef, limit int) ([]types.CreditTransaction, error) {
	return db.NewCreditLedgerRepository(s.pool).History(ctx, tenantID, owner, limit)
}
