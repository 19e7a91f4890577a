package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingledger/internal/config"
	"billingledger/internal/metrics"
	"billingledger/internal/types"
)

func testDeps(bucket string) *Deps {
	return &Deps{
		Config: &config.Config{
			Environment: "local",
			AWS:         config.AWSConfig{Region: "us-east-1", ArchiveBucket: bucket},
			Dunning:     config.DunningConfig{IntervalDays: []int{3, 7, 14}},
			Jobs: config.JobsConfig{
				BatchLimit:          10,
				SweeperConcurrency:  2,
				WebhookLogRetention: 90 * 24 * time.Hour,
				ReplayAfter:         10 * time.Minute,
			},
		},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:   types.RealClock{},
		Metrics: metrics.NopRecorder{},
	}
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestMaintenanceRunner_WiresEveryTask(t *testing.T) {
	d := testDeps("")
	d.wireServices()

	runner := d.MaintenanceRunner("worker-1")

	assert.Equal(t, "worker-1", runner.WorkerID)
	assert.NotNil(t, runner.Tasks.Dunning)
	assert.NotNil(t, runner.Tasks.Expiration)
	assert.NotNil(t, runner.Tasks.Replay)
	assert.NotNil(t, runner.Tasks.Archive)
	assert.NotNil(t, runner.JobLock)
	assert.NotNil(t, runner.JobHistory)
}

func TestMaintenanceRunner_ArchiveWithoutBucketIsNoop(t *testing.T) {
	d := testDeps("")
	d.wireServices()

	n, err := d.MaintenanceRunner("w").Tasks.Archive.Archive(context.Background(), time.Now())

	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewRecorder_LocalIsNop(t *testing.T) {
	d := testDeps("")
	d.Config.Observability.EnableMetrics = true

	assert.IsType(t, metrics.NopRecorder{}, d.newRecorder())
}

func TestEndpoint(t *testing.T) {
	assert.Nil(t, endpoint(config.AWSConfig{}))

	got := endpoint(config.AWSConfig{EndpointURL: "http://localhost:4566"})
	require.NotNil(t, got)
	assert.Equal(t, "http://localhost:4566", *got)
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level     string
		debugSeen bool
		infoSeen  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"bogus", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)

			logger.Debug("debug line")
			assert.Equal(t, tt.debugSeen, bytes.Contains(buf.Bytes(), []byte("debug line")))

			logger.Info("info line")
			assert.Equal(t, tt.infoSeen, bytes.Contains(buf.Bytes(), []byte("info line")))
		})
	}
}
