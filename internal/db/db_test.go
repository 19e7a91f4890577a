package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestRunInTx_CommitsOnSuccess(t *testing.T) {
	tx := &fakeTx{}
	err := RunInTx(context.Background(), &fakeBeginner{tx: tx}, func(pgx.Tx) error { return nil })

	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
}

func TestRunInTx_RollsBackOnError(t *testing.T) {
	tx := &fakeTx{}
	boom := errors.New("boom")

	err := RunInTx(context.Background(), &fakeBeginner{tx: tx}, func(pgx.Tx) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestRunInTx_CommitFailureRollsBack(t *testing.T) {
	tx := &fakeTx{commitErr: errors.New("serialization failure")}

	err := RunInTx(context.Background(), &fakeBeginner{tx: tx}, func(pgx.Tx) error { return nil })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit transaction")
	assert.True(t, tx.rolledBack)
}

func TestRunInTx_RollsBackOnPanic(t *testing.T) {
	tx := &fakeTx{}

	assert.Panics(t, func() {
		_ = RunInTx(context.Background(), &fakeBeginner{tx: tx}, func(pgx.Tx) error { panic("bad") })
	})
	assert.True(t, tx.rolledBack)
}

func TestRunInTx_BeginError(t *testing.T) {
	called := false
	err := RunInTx(context.Background(), &fakeBeginner{beginErr: errors.New("pool closed")}, func(pgx.Tx) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
}

func TestMigrate_AppliesEmbeddedSchema(t *testing.T) {
	db := new(mockDBTX)
	ctx := context.Background()

	db.On("Exec", ctx, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "credit_transactions", "webhook_events", "failed_payment_attempts", "job_locks")
	}), mock.Anything).Return(pgconn.NewCommandTag("CREATE TABLE"), nil).Once()

	require.NoError(t, Migrate(ctx, db))
	db.AssertExpectations(t)
}

func TestMigrate_PropagatesError(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("permission denied"))

	err := Migrate(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_billing.sql")
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
