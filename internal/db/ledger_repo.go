package db

import (
	"context"
	"errors"

	"time"

	"github.com/jackc/pgx/v5"

	"billingledger/internal/types"
)

// CreditLedgerRepository provides data access for credit_transactions.
//
// The table is append-only except for the remaining column. Writers must
// call LockOwner first inside their transaction; every per-owner mutation
// relies on that advisory lock for serialization.
type CreditLedgerRepository struct {
	db DBTX
}

// NewCreditLedgerRepository creates a new CreditLedgerRepository backed by the
// given database connection (pool or transaction).
func NewCreditLedgerRepository(db DBTX) *CreditLedgerRepository {
	return &CreditLedgerRepository{db: db}
}

const creditTxColumns = `id, tenant_id, owner_type, owner_id, amount, remaining,
	running_balance, kind, description, metadata, expires_at, created_at`

func scanCreditTx(row pgx.Row) (*types.CreditTransaction, error) {
	var tx types.CreditTransaction
	err := row.Scan(
		&tx.ID,
		&tx.TenantID,
		&tx.Owner.Type,
		&tx.Owner.ID,
		&tx.Amount,
		&tx.Remaining,
		&tx.RunningBalance,
		&tx.Kind,
		&tx.Description,
		&tx.Metadata,
		&tx.ExpiresAt,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func collectCreditTxs(rows pgx.Rows) ([]types.CreditTransaction, error) {
	defer rows.Close()
	var out []types.CreditTransaction
	for rows.Next() {
		tx, err := scanCreditTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

// ownerLockKey is hashed into the advisory lock key space.
func ownerLockKey(tenantID string, owner types.OwnerRef) string {
	return "credit_ledger:" + tenantID + ":" + owner.String()
}

// LockOwner takes a transaction-scoped advisory lock for the owner's credit
// stream. It blocks until the lock is granted and is released on commit or
// rollback. Calling it outside a transaction releases immediately.
func (r *CreditLedgerRepository) LockOwner(ctx context.Context, tenantID string, owner types.OwnerRef) error {
	_, err := r.db.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		ownerLockKey(tenantID, owner),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to lock credit ledger owner", err)
	}
	return nil
}

// LastEntry returns the newest entry for the owner, or nil when the owner
// has no history.
func (r *CreditLedgerRepository) LastEntry(ctx context.Context, tenantID string, owner types.OwnerRef) (*types.CreditTransaction, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+creditTxColumns+`
		 FROM credit_transactions
		 WHERE tenant_id = $1 AND owner_type = $2 AND owner_id = $3
		 ORDER BY id DESC
		 LIMIT 1`,
		tenantID, owner.Type, owner.ID,
	)
	tx, err := scanCreditTx(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read last credit transaction", err)
	}
	return tx, nil
}

// Append inserts entry and fills in its ID and CreatedAt.
func (r *CreditLedgerRepository) Append(ctx context.Context, entry *types.CreditTransaction) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO credit_transactions (tenant_id, owner_type, owner_id, amount, remaining,
		 running_balance, kind, description, metadata, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, NOW()))
		 RETURNING id, created_at`,
		entry.TenantID,
		entry.Owner.Type,
		entry.Owner.ID,
		entry.Amount,
		entry.Remaining,
		entry.RunningBalance,
		entry.Kind,
		entry.Description,
		entry.Metadata,
		entry.ExpiresAt,
		nilIfZeroTime(entry.CreatedAt),
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append credit transaction", err)
	}
	return nil
}

// ListExpirable returns positive entries with unconsumed credit whose expiry
// is at or before asOf, oldest first, locked for update.
func (r *CreditLedgerRepository) ListExpirable(ctx context.Context, tenantID string, owner types.OwnerRef, asOf time.Time) ([]types.CreditTransaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+creditTxColumns+`
		 FROM credit_transactions
		 WHERE tenant_id = $1 AND owner_type = $2 AND owner_id = $3
		   AND remaining > 0
		   AND expires_at IS NOT NULL AND expires_at <= $4
		 ORDER BY id
		 FOR UPDATE`,
		tenantID, owner.Type, owner.ID, asOf,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expirable credits", err)
	}
	txs, err := collectCreditTxs(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan expirable credits", err)
	}
	return txs, nil
}

// ListConsumable returns entries with unconsumed credit in the order debits
// draw from them: earliest expiry first, non-expiring last, then by age.
func (r *CreditLedgerRepository) ListConsumable(ctx context.Context, tenantID string, owner types.OwnerRef) ([]types.CreditTransaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+creditTxColumns+`
		 FROM credit_transactions
		 WHERE tenant_id = $1 AND owner_type = $2 AND owner_id = $3
		   AND remaining > 0
		 ORDER BY expires_at ASC NULLS LAST, id ASC
		 FOR UPDATE`,
		tenantID, owner.Type, owner.ID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list consumable credits", err)
	}
	txs, err := collectCreditTxs(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan consumable credits", err)
	}
	return txs, nil
}

// SetRemaining records how much of a positive entry is still unconsumed.
func (r *CreditLedgerRepository) SetRemaining(ctx context.Context, id int64, remaining int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE credit_transactions SET remaining = $2 WHERE id = $1`,
		id, remaining,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update remaining credit", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "credit transaction not found", nil)
	}
	return nil
}

// History returns the owner's entries newest first.
func (r *CreditLedgerRepository) History(ctx context.Context, tenantID string, owner types.OwnerRef, limit int) ([]types.CreditTransaction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+creditTxColumns+`
		 FROM credit_transactions
		 WHERE tenant_id = $1 AND owner_type = $2 AND owner_id = $3
		 ORDER BY id DESC
		 LIMIT $4`,
		tenantID, owner.Type, owner.ID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list credit history", err)
	}
	txs, err := collectCreditTxs(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan credit history", err)
	}
	return txs, nil
}

// ListOwnersWithExpirable pages through the distinct owners holding credit
// that has expired as of asOf. Pass the last owner of the previous page as
// after (nil for the first page).
func (r *CreditLedgerRepository) ListOwnersWithExpirable(ctx context.Context, asOf time.Time, after *types.LedgerOwner, limit int) ([]types.LedgerOwner, error) {
	var afterTenant, afterType, afterID string
	if after != nil {
		afterTenant, afterType, afterID = after.TenantID, after.Owner.Type, after.Owner.ID
	}

	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT tenant_id, owner_type, owner_id
		 FROM credit_transactions
		 WHERE remaining > 0
		   AND expires_at IS NOT NULL AND expires_at <= $1
		   AND (tenant_id, owner_type, owner_id) > ($2, $3, $4)
		 ORDER BY tenant_id, owner_type, owner_id
		 LIMIT $5`,
		asOf, afterTenant, afterType, afterID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list owners with expirable credits", err)
	}
	defer rows.Close()

	var owners []types.LedgerOwner
	for rows.Next() {
		var o types.LedgerOwner
		if err := rows.Scan(&o.TenantID, &o.Owner.Type, &o.Owner.ID); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger owner", err)
		}
		owners = append(owners, o)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate ledger owners", err)
	}
	return owners, nil
}
