package reconcile

import (
	"context"

	"github.com/jackc/pgx/v5"

	"billingledger/internal/db"
)

// Pool is the subset of *pgxpool.Pool the Postgres store needs.
type Pool interface {
	db.DBTX
	db.TxBeginner
}

// PgStore implements Store over the db repositories.
type PgStore struct {
	*db.WebhookLogRepository
	pool Pool
}

func NewPgStore(pool Pool) *PgStore {
	return &PgStore{
		WebhookLogRepository: db.NewWebhookLogRepository(pool),
		pool:                 pool,
	}
}

type pgTx struct {
	*db.CustomerRepository
	*db.WebhookEventRepository
	*db.SubscriptionRepository
	*db.InvoiceRepository
	*db.FailedPaymentRepository
	*db.WebhookLogRepository
}

func (s *PgStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return db.RunInTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, pgTx{
			CustomerRepository:      db.NewCustomerRepository(tx),
			WebhookEventRepository:  db.NewWebhookEventRepository(tx),
			SubscriptionRepository:  db.NewSubscriptionRepository(tx),
			InvoiceRepository:       db.NewInvoiceRepository(tx),
			FailedPaymentRepository: db.NewFailedPaymentRepository(tx),
			WebhookLogRepository:    db.NewWebhookLogRepository(tx),
		})
	})
}
