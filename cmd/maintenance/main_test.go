package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingledger/internal/scheduler"
)

type fakeRunner struct {
	payloads []scheduler.MaintenancePayload
	result   string
	err      error
}

func (f *fakeRunner) Run(_ context.Context, p scheduler.MaintenancePayload) (string, error) {
	f.payloads = append(f.payloads, p)
	return f.result, f.err
}

func TestHandle_DelegatesToRunner(t *testing.T) {
	runner := &fakeRunner{result: "task expire_credits complete: 3 items processed"}
	h := &Handler{Runner: runner, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	ctx := lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{AwsRequestID: "req-1"})
	out, err := h.Handle(ctx, scheduler.MaintenancePayload{Task: scheduler.TaskExpireCredits})

	require.NoError(t, err)
	assert.Equal(t, runner.result, out)
	require.Len(t, runner.payloads, 1)
	assert.Equal(t, scheduler.TaskExpireCredits, runner.payloads[0].Task)
}

func TestHandle_PropagatesFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("task replay_webhooks failed: db down")}
	h := &Handler{Runner: runner}

	_, err := h.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskReplayWebhooks})

	assert.ErrorIs(t, err, runner.err)
}
