package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"billingledger/internal/types"
)

// WebhookLogRepository provides data access for webhook_logs, the audit
// trail of every inbound delivery.
type WebhookLogRepository struct {
	db DBTX
}

// NewWebhookLogRepository creates a new WebhookLogRepository backed by the
// given database connection (pool or transaction).
func NewWebhookLogRepository(db DBTX) *WebhookLogRepository {
	return &WebhookLogRepository{db: db}
}

const webhookLogColumns = `id, gateway_name, event_type, COALESCE(provider_event_id, ''), raw_payload,
	tenant_id, verified, processed, COALESCE(error, ''), received_at, processed_at`

func scanWebhookLog(row pgx.Row) (*types.WebhookLog, error) {
	var l types.WebhookLog
	err := row.Scan(
		&l.ID,
		&l.GatewayName,
		&l.EventType,
		&l.ProviderEventID,
		&l.RawPayload,
		&l.TenantID,
		&l.Verified,
		&l.Processed,
		&l.Error,
		&l.ReceivedAt,
		&l.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// InsertWebhookLog stores a new delivery. RawPayload must be valid JSON.
func (r *WebhookLogRepository) InsertWebhookLog(ctx context.Context, l *types.WebhookLog) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO webhook_logs (gateway_name, event_type, raw_payload, processed, verified, received_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		 RETURNING id, received_at`,
		l.GatewayName,
		l.EventType,
		string(l.RawPayload),
		l.Processed,
		l.Verified,
		nilIfZeroTime(l.ReceivedAt),
	).Scan(&l.ID, &l.ReceivedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert webhook log", err)
	}
	return nil
}

// SetWebhookLogEventType overwrites event_type only.
func (r *WebhookLogRepository) SetWebhookLogEventType(ctx context.Context, id int64, eventType string) error {
	return r.exec(ctx, "update webhook log event type",
		`UPDATE webhook_logs SET event_type = $2 WHERE id = $1`,
		id, eventType,
	)
}

// MarkWebhookVerified records a passed signature check and the normalized
// identity of the event.
func (r *WebhookLogRepository) MarkWebhookVerified(ctx context.Context, id int64, providerEventID string, eventType string) error {
	return r.exec(ctx, "mark webhook log verified",
		`UPDATE webhook_logs
		 SET verified = TRUE, provider_event_id = $2, event_type = $3
		 WHERE id = $1`,
		id, nilIfEmpty(providerEventID), eventType,
	)
}

// RecordWebhookError stores the last processing failure. processed stays
// false so the delivery is eligible for replay.
func (r *WebhookLogRepository) RecordWebhookError(ctx context.Context, id int64, message string) error {
	return r.exec(ctx, "record webhook log error",
		`UPDATE webhook_logs SET error = $2 WHERE id = $1`,
		id, message,
	)
}

// FinalizeWebhookLog marks the delivery processed.
func (r *WebhookLogRepository) FinalizeWebhookLog(ctx context.Context, id int64, tenantID *string, eventType string, at time.Time) error {
	return r.exec(ctx, "finalize webhook log",
		`UPDATE webhook_logs
		 SET tenant_id = $2, event_type = $3, processed = TRUE, processed_at = $4, error = NULL
		 WHERE id = $1`,
		id, tenantID, eventType, at,
	)
}

// GetWebhookLog returns one delivery by id.
func (r *WebhookLogRepository) GetWebhookLog(ctx context.Context, id int64) (*types.WebhookLog, error) {
	l, err := scanWebhookLog(r.db.QueryRow(ctx,
		`SELECT `+webhookLogColumns+` FROM webhook_logs WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWebhookLog, "webhook log not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read webhook log", err)
	}
	return l, nil
}

// ListReplayable returns ids of verified deliveries whose processing failed
// and that were received before olderThan, oldest first. Deliveries left
// unprocessed for an unknown tenant carry no error and are not returned.
func (r *WebhookLogRepository) ListReplayable(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM webhook_logs
		 WHERE processed = FALSE AND verified = TRUE AND error IS NOT NULL
		   AND received_at < $1
		 ORDER BY received_at
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list replayable webhook logs", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan replayable webhook logs", err)
	}
	return ids, nil
}

// ListArchivable returns processed deliveries received before cutoff,
// oldest first.
func (r *WebhookLogRepository) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]types.WebhookLog, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+webhookLogColumns+`
		 FROM webhook_logs
		 WHERE processed = TRUE AND received_at < $1
		 ORDER BY received_at, id
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list archivable webhook logs", err)
	}
	defer rows.Close()

	var out []types.WebhookLog
	for rows.Next() {
		l, err := scanWebhookLog(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan webhook log", err)
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate webhook logs", err)
	}
	return out, nil
}

// DeleteWebhookLogs removes the given processed deliveries.
func (r *WebhookLogRepository) DeleteWebhookLogs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_logs WHERE id = ANY($1) AND processed = TRUE`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete webhook logs", err)
	}
	return tag.RowsAffected(), nil
}

func (r *WebhookLogRepository) exec(ctx context.Context, op string, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to "+op, err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundWebhookLog, "webhook log not found", nil)
	}
	return nil
}

// WebhookEventRepository is the provider event-id dedup ledger.
type WebhookEventRepository struct {
	db DBTX
}

// NewWebhookEventRepository creates a new WebhookEventRepository backed by
// the given database connection (pool or transaction).
func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// RecordEvent claims (gateway, eventID). It returns false when the event was
// already recorded, meaning this delivery is a duplicate.
func (r *WebhookEventRepository) RecordEvent(ctx context.Context, gateway types.GatewayName, eventID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (gateway_name, provider_event_id)
		 VALUES ($1, $2)
		 ON CONFLICT (gateway_name, provider_event_id) DO NOTHING`,
		gateway, eventID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return tag.RowsAffected() > 0, nil
}
