package scheduler

import (
	"context"

	"github.com/jackc/pgx/v5"

	"billingledger/internal/db"
)

// Pool is the connection pool surface needed to open transactions.
type Pool interface {
	db.DBTX
	db.TxBeginner
}

// PgDunningStore implements DunningStore on failed_payment_attempts.
type PgDunningStore struct {
	*db.FailedPaymentRepository
	pool Pool
}

func NewPgDunningStore(pool Pool) *PgDunningStore {
	return &PgDunningStore{
		FailedPaymentRepository: db.NewFailedPaymentRepository(pool),
		pool:                    pool,
	}
}

func (s *PgDunningStore) InTx(ctx context.Context, fn func(ctx context.Context, tx DunningTx) error) error {
	return db.RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, db.NewFailedPaymentRepository(tx))
	})
}
