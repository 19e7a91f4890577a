// Package ledger implements the append-only prepaid credit ledger.
//
// Each (tenant, owner) pair is an independent stream of entries ordered by
// id. An entry's running balance is the previous entry's running balance
// plus its amount. Positive entries additionally track how much of their
// amount is still unconsumed (remaining), which is what expiry removes and
// what debits draw down.
//
// Every mutation runs under the owner lock provided by the Store, so
// concurrent debits against one owner are serialized and can never
// overdraw it.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"billingledger/internal/types"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// GrantRequest describes credits being added to an owner.
type GrantRequest struct {
	Amount      int64
	Kind        types.CreditKind
	Description string
	Metadata    types.Metadata
	ExpiresAt   *time.Time
}

// DebitRequest describes credits being consumed.
type DebitRequest struct {
	Amount      int64
	Description string
	Metadata    types.Metadata
}

// Ledger is the credit ledger service.
type Ledger struct {
	store     Store
	publisher types.EventPublisher
	clock     types.Clock
	logger    *slog.Logger
}

// New creates a Ledger. publisher may be nil, in which case no domain
// events are emitted.
func New(store Store, publisher types.EventPublisher, clock types.Clock, logger *slog.Logger) *Ledger {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:     store,
		publisher: publisher,
		clock:     clock,
		logger:    logger,
	}
}

// expiryResult summarizes the expiry entries written in one locked
// section.
type expiryResult struct {
	amount  int64
	entries int
	balance int64
}

// Grant appends a positive entry for owner. The zero OwnerRef means the
// tenant itself.
func (l *Ledger) Grant(ctx context.Context, tenantID string, owner types.OwnerRef, req GrantRequest) (*types.CreditTransaction, error) {
	owner, err := resolveOwner(tenantID, owner)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAmount, "grant amount must be positive", nil)
	}
	if !req.Kind.IsGrant() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidKind,
			"grant kind must be purchase, subscription or bonus", nil,
			map[string]any{"kind": req.Kind})
	}

	var entry *types.CreditTransaction
	err = l.store.WithOwnerLock(ctx, tenantID, owner, func(ctx context.Context, tx Tx) error {
		prev, err := tailBalance(ctx, tx, tenantID, owner)
		if err != nil {
			return err
		}

		entry = &types.CreditTransaction{
			TenantID:    tenantID,
			Owner:       owner,
			Amount:      req.Amount,
			Remaining:   req.Amount,
			Kind:        req.Kind,
			Description: req.Description,
			Metadata:    req.Metadata,
			ExpiresAt:   req.ExpiresAt,
		}
		if entry.RunningBalance, err = chain(prev, entry.Amount); err != nil {
			return err
		}
		return tx.Append(ctx, entry)
	})
	if err != nil {
		l.logFailure(ctx, "credit grant failed", tenantID, owner, err)
		return nil, err
	}

	l.logger.InfoContext(ctx, "credits granted",
		"tenant_id", tenantID,
		"owner", owner.String(),
		"amount", entry.Amount,
		"kind", entry.Kind,
		"running_balance", entry.RunningBalance,
	)
	l.publish(ctx, types.DomainEventCreditsAdded, tenantID, types.CreditsAddedPayload{
		Owner:          owner,
		TransactionID:  entry.ID,
		Amount:         entry.Amount,
		Kind:           entry.Kind,
		RunningBalance: entry.RunningBalance,
		ExpiresAt:      entry.ExpiresAt,
	})
	return entry, nil
}

// Debit consumes req.Amount credits if the owner has that many available.
// It returns false, without writing a usage entry, when funds are
// insufficient. Credits that have already expired are expired first and
// are never spendable.
func (l *Ledger) Debit(ctx context.Context, tenantID string, owner types.OwnerRef, req DebitRequest) (bool, error) {
	owner, err := resolveOwner(tenantID, owner)
	if err != nil {
		return false, err
	}
	if req.Amount <= 0 {
		return false, types.NewAppError(types.ErrCodeValidationInvalidAmount, "debit amount must be positive", nil)
	}

	now := l.clock.Now()
	var (
		applied bool
		expired expiryResult
		balance int64
	)
	err = l.store.WithOwnerLock(ctx, tenantID, owner, func(ctx context.Context, tx Tx) error {
		var err error
		if expired, err = expireLocked(ctx, tx, tenantID, owner, now); err != nil {
			return err
		}

		available, err := tailBalance(ctx, tx, tenantID, owner)
		if err != nil {
			return err
		}
		consumable, err := tx.ListConsumable(ctx, tenantID, owner)
		if err != nil {
			return err
		}
		if err := checkRemaining(consumable, available); err != nil {
			return err
		}

		balance = available
		if available < req.Amount {
			return nil
		}

		left := req.Amount
		for _, e := range consumable {
			if left == 0 {
				break
			}
			take := min(e.Remaining, left)
			if err := tx.SetRemaining(ctx, e.ID, e.Remaining-take); err != nil {
				return err
			}
			left -= take
		}

		usage := &types.CreditTransaction{
			TenantID:    tenantID,
			Owner:       owner,
			Amount:      -req.Amount,
			Kind:        types.CreditKindUsage,
			Description: req.Description,
			Metadata:    req.Metadata,
		}
		if usage.RunningBalance, err = chain(available, usage.Amount); err != nil {
			return err
		}
		if err := tx.Append(ctx, usage); err != nil {
			return err
		}
		balance = usage.RunningBalance
		applied = true
		return nil
	})
	if err != nil {
		l.logFailure(ctx, "credit debit failed", tenantID, owner, err)
		return false, err
	}

	l.afterExpiry(ctx, tenantID, owner, expired)
	if !applied {
		l.logger.InfoContext(ctx, "credit debit rejected: insufficient credits",
			"tenant_id", tenantID,
			"owner", owner.String(),
			"amount", req.Amount,
			"available", balance,
		)
		return false, nil
	}

	l.logger.InfoContext(ctx, "credits debited",
		"tenant_id", tenantID,
		"owner", owner.String(),
		"amount", req.Amount,
		"running_balance", balance,
	)
	return true, nil
}

// CurrentBalance returns the running balance of the owner's newest entry,
// or 0 when the owner has no history.
func (l *Ledger) CurrentBalance(ctx context.Context, tenantID string, owner types.OwnerRef) (int64, error) {
	owner, err := resolveOwner(tenantID, owner)
	if err != nil {
		return 0, err
	}
	last, err := l.store.LastEntry(ctx, tenantID, owner)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 0, nil
	}
	return last.RunningBalance, nil
}

// Expire writes an expiry entry for every positive entry whose credit is
// still unconsumed at its expiry time (expires_at <= asOf) and returns the
// total amount expired. Running it again for the same asOf expires nothing.
func (l *Ledger) Expire(ctx context.Context, tenantID string, owner types.OwnerRef, asOf time.Time) (int64, error) {
	owner, err := resolveOwner(tenantID, owner)
	if err != nil {
		return 0, err
	}

	var res expiryResult
	err = l.store.WithOwnerLock(ctx, tenantID, owner, func(ctx context.Context, tx Tx) error {
		var err error
		res, err = expireLocked(ctx, tx, tenantID, owner, asOf)
		return err
	})
	if err != nil {
		l.logFailure(ctx, "credit expiry failed", tenantID, owner, err)
		return 0, err
	}

	l.afterExpiry(ctx, tenantID, owner, res)
	return res.amount, nil
}

// History returns the owner's entries newest first. limit is clamped to
// [1, MaxHistoryLimit]; 0 selects DefaultHistoryLimit.
func (l *Ledger) History(ctx context.Context, tenantID string, owner types.OwnerRef, limit int) ([]types.CreditTransaction, error) {
	owner, err := resolveOwner(tenantID, owner)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	return l.store.History(ctx, tenantID, owner, limit)
}

// expireLocked must run under the owner lock.
func expireLocked(ctx context.Context, tx Tx, tenantID string, owner types.OwnerRef, asOf time.Time) (expiryResult, error) {
	due, err := tx.ListExpirable(ctx, tenantID, owner, asOf)
	if err != nil {
		return expiryResult{}, err
	}
	if len(due) == 0 {
		return expiryResult{}, nil
	}

	balance, err := tailBalance(ctx, tx, tenantID, owner)
	if err != nil {
		return expiryResult{}, err
	}

	res := expiryResult{balance: balance}
	for _, src := range due {
		entry := &types.CreditTransaction{
			TenantID:    tenantID,
			Owner:       owner,
			Amount:      -src.Remaining,
			Kind:        types.CreditKindExpiry,
			Description: fmt.Sprintf("expired credits from transaction %d", src.ID),
			Metadata:    types.Metadata{"source_transaction_id": src.ID},
		}
		if entry.RunningBalance, err = chain(res.balance, entry.Amount); err != nil {
			return expiryResult{}, err
		}
		if err := tx.Append(ctx, entry); err != nil {
			return expiryResult{}, err
		}
		if err := tx.SetRemaining(ctx, src.ID, 0); err != nil {
			return expiryResult{}, err
		}
		res.amount += src.Remaining
		res.entries++
		res.balance = entry.RunningBalance
	}
	return res, nil
}

// tailBalance returns the newest running balance, rejecting a negative
// tail.
func tailBalance(ctx context.Context, tx Tx, tenantID string, owner types.OwnerRef) (int64, error) {
	last, err := tx.LastEntry(ctx, tenantID, owner)
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 0, nil
	}
	if last.RunningBalance < 0 {
		return 0, invariantError("running balance is negative", map[string]any{
			"transaction_id":  last.ID,
			"running_balance": last.RunningBalance,
		})
	}
	return last.RunningBalance, nil
}

// chain computes the running balance following prev, rejecting overflow
// and negative results.
func chain(prev, amount int64) (int64, error) {
	next := prev + amount
	if (amount > 0 && next < prev) || (amount < 0 && next > prev) {
		return 0, invariantError("running balance overflow", map[string]any{
			"previous": prev,
			"amount":   amount,
		})
	}
	if next < 0 {
		return 0, invariantError("running balance would become negative", map[string]any{
			"previous": prev,
			"amount":   amount,
		})
	}
	return next, nil
}

// checkRemaining verifies that the unconsumed credit equals the balance.
func checkRemaining(consumable []types.CreditTransaction, balance int64) error {
	var sum int64
	for _, e := range consumable {
		sum += e.Remaining
	}
	if sum != balance {
		return invariantError("unconsumed credit does not match running balance", map[string]any{
			"remaining_sum":   sum,
			"running_balance": balance,
		})
	}
	return nil
}

func invariantError(msg string, details map[string]any) *types.AppError {
	return types.NewAppErrorWithDetails(types.ErrCodeInternalLedgerInvariant, msg, nil, details)
}

func resolveOwner(tenantID string, owner types.OwnerRef) (types.OwnerRef, error) {
	if tenantID == "" {
		return owner, types.NewAppError(types.ErrCodeValidationMissingField, "tenant id is required", nil)
	}
	if owner.IsZero() {
		return types.TenantOwner(tenantID), nil
	}
	if owner.Type == "" || owner.ID == "" {
		return owner, types.NewAppError(types.ErrCodeValidationMissingField, "owner type and id are both required", nil)
	}
	return owner, nil
}

func (l *Ledger) afterExpiry(ctx context.Context, tenantID string, owner types.OwnerRef, res expiryResult) {
	if res.amount == 0 {
		return
	}
	l.logger.InfoContext(ctx, "credits expired",
		"tenant_id", tenantID,
		"owner", owner.String(),
		"amount", res.amount,
		"entries", res.entries,
		"running_balance", res.balance,
	)
	l.publish(ctx, types.DomainEventCreditsExpired, tenantID, types.CreditsExpiredPayload{
		Owner:          owner,
		Amount:         res.amount,
		Entries:        res.entries,
		RunningBalance: res.balance,
	})
}

// publish emits an event for an already committed change. A publish
// failure is logged and does not fail the operation.
func (l *Ledger) publish(ctx context.Context, eventType types.DomainEventType, tenantID string, payload any) {
	if l.publisher == nil {
		return
	}
	event := types.DomainEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		TenantID:   tenantID,
		OccurredAt: l.clock.Now(),
		Payload:    payload,
	}
	if err := l.publisher.Publish(ctx, event); err != nil {
		l.logger.WarnContext(ctx, "failed to publish ledger event",
			"event_type", eventType,
			"tenant_id", tenantID,
			"error", err,
		)
	}
}

func (l *Ledger) logFailure(ctx context.Context, msg, tenantID string, owner types.OwnerRef, err error) {
	level := slog.LevelWarn
	if types.CodeOf(err) == types.ErrCodeInternalLedgerInvariant {
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, msg,
		"tenant_id", tenantID,
		"owner", owner.String(),
		"error", err,
	)
}
