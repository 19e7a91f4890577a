package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"billingledger/internal/types"
)

// CustomerRepository maps provider customer ids to tenants. It is the only
// way the reconciler learns which tenant a webhook belongs to.
type CustomerRepository struct {
	db DBTX
}

// NewCustomerRepository creates a new CustomerRepository backed by the given
// database connection (pool or transaction).
func NewCustomerRepository(db DBTX) *CustomerRepository {
	return &CustomerRepository{db: db}
}

// ResolveTenant returns the tenant owning customerID at gateway. The bool is
// false when no mapping exists.
func (r *CustomerRepository) ResolveTenant(ctx context.Context, gateway types.GatewayName, customerID string) (string, bool, error) {
	var tenantID string
	err := r.db.QueryRow(ctx,
		`SELECT tenant_id FROM tenant_gateway_customers
		 WHERE gateway_name = $1 AND customer_id = $2`,
		gateway, customerID,
	).Scan(&tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve tenant from customer", err)
	}
	return tenantID, true, nil
}

// GetCustomerID returns the tenant's customer id at gateway, if one exists.
func (r *CustomerRepository) GetCustomerID(ctx context.Context, tenantID string, gateway types.GatewayName) (string, bool, error) {
	var customerID string
	err := r.db.QueryRow(ctx,
		`SELECT customer_id FROM tenant_gateway_customers
		 WHERE tenant_id = $1 AND gateway_name = $2`,
		tenantID, gateway,
	).Scan(&customerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, types.NewAppError(types.ErrCodeInternalDB, "failed to read gateway customer", err)
	}
	return customerID, true, nil
}

// SaveCustomerID records the mapping. A tenant keeps its first customer id
// per gateway; saving again is a no-op.
func (r *CustomerRepository) SaveCustomerID(ctx context.Context, tenantID string, gateway types.GatewayName, customerID string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO tenant_gateway_customers (tenant_id, gateway_name, customer_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, gateway_name) DO NOTHING`,
		tenantID, gateway, customerID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictAlreadyProcessed, "customer id already mapped to another tenant", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save gateway customer", err)
	}
	return nil
}
