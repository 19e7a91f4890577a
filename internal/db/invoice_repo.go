package db

import (
	"context"

	"billingledger/internal/types"
)

// InvoiceRepository provides data access for the invoices table. Rows are
// unique per (gateway_name, gateway_invoice_id), which is what makes
// duplicate InvoicePaid deliveries collapse to one row.
type InvoiceRepository struct {
	db DBTX
}

// NewInvoiceRepository creates a new InvoiceRepository backed by the given
// database connection (pool or transaction).
func NewInvoiceRepository(db DBTX) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// UpsertPaidInvoice inserts the invoice as paid, or marks the existing row
// paid and refreshes its amounts. It reports whether a new row was created.
// paid_at keeps its first value across redeliveries.
func (r *InvoiceRepository) UpsertPaidInvoice(ctx context.Context, inv *types.Invoice) (bool, error) {
	var inserted bool
	err := r.db.QueryRow(ctx,
		`INSERT INTO invoices (tenant_id, gateway_name, gateway_invoice_id, gateway_subscription_id,
		 status, subtotal, tax, total, currency, paid_at)
		 VALUES ($1, $2, $3, $4, 'paid', $5, $6, $7, $8, $9)
		 ON CONFLICT (gateway_name, gateway_invoice_id) DO UPDATE
		   SET status = 'paid',
		       subtotal = EXCLUDED.subtotal,
		       tax = EXCLUDED.tax,
		       total = EXCLUDED.total,
		       currency = EXCLUDED.currency,
		       gateway_subscription_id = COALESCE(EXCLUDED.gateway_subscription_id, invoices.gateway_subscription_id),
		       paid_at = COALESCE(invoices.paid_at, EXCLUDED.paid_at),
		       updated_at = NOW()
		 RETURNING id, status, paid_at, (xmax = 0) AS inserted`,
		inv.TenantID,
		inv.GatewayName,
		inv.GatewayInvoiceID,
		nilIfEmpty(inv.GatewaySubscriptionID),
		inv.Subtotal,
		inv.Tax,
		inv.Total,
		inv.Currency,
		inv.PaidAt,
	).Scan(&inv.ID, &inv.Status, &inv.PaidAt, &inserted)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert invoice", err)
	}
	return inserted, nil
}
