// Package app assembles the long-lived dependencies shared by the API server,
// the maintenance Lambda and the local job runner.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"billingledger/internal/billing"
	"billingledger/internal/config"
	"billingledger/internal/db"
	"billingledger/internal/events"
	"billingledger/internal/gateway"
	"billingledger/internal/ledger"
	"billingledger/internal/metrics"
	"billingledger/internal/reconcile"
	"billingledger/internal/scheduler"
	"billingledger/internal/types"
)

// Deps holds every component built from a Config. Close releases the pool.
type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Clock      types.Clock
	Pool       *pgxpool.Pool
	AWS        aws.Config
	Gateways   *gateway.Registry
	Publisher  types.EventPublisher
	Metrics    metrics.Recorder
	Ledger     *ledger.Ledger
	Reconciler *reconcile.Reconciler
	Billing    *billing.Service
}

// New opens the database pool and AWS clients and builds the services on
// top of them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	gateways, err := gateway.NewRegistry(cfg.Gateways, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("building gateway registry: %w", err)
	}

	d := &Deps{
		Config:   cfg,
		Logger:   logger,
		Clock:    types.RealClock{},
		Pool:     pool,
		AWS:      awsCfg,
		Gateways: gateways,
	}

	var queue events.SQSSender
	if cfg.AWS.EventQueueURL != "" {
		queue = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = endpoint(cfg.AWS)
		})
	}
	d.Publisher = events.NewPublisher(queue, cfg.AWS.EventQueueURL, logger)
	d.Metrics = d.newRecorder()
	d.wireServices()
	return d, nil
}

// wireServices builds the domain services from the pool, gateways and
// publisher already set on d.
func (d *Deps) wireServices() {
	d.Ledger = ledger.New(ledger.NewPgStore(d.Pool), d.Publisher, d.Clock, d.Logger)
	d.Reconciler = reconcile.New(reconcile.NewPgStore(d.Pool), d.Gateways, d.Publisher, d.Clock, d.Logger)
	d.Billing = billing.NewService(
		d.Gateways,
		db.NewCustomerRepository(d.Pool),
		db.NewSubscriptionRepository(d.Pool),
		d.Config.Gateways,
		d.Clock,
		d.Logger,
	)
}

func (d *Deps) newRecorder() metrics.Recorder {
	if !d.Config.Observability.EnableMetrics || d.Config.Environment == "local" {
		return metrics.NopRecorder{}
	}
	client := cloudwatch.NewFromConfig(d.AWS, func(o *cloudwatch.Options) {
		o.BaseEndpoint = endpoint(d.Config.AWS)
	})
	return metrics.NewCloudWatchRecorder(client, d.Config.Observability.MetricNamespace, d.Logger)
}

// MaintenanceRunner wires every scheduler task. Archival is left without an
// uploader when no bucket is configured.
func (d *Deps) MaintenanceRunner(workerID string) *scheduler.Runner {
	jobs := d.Config.Jobs
	webhookLogs := db.NewWebhookLogRepository(d.Pool)

	var uploader scheduler.ArchiveUploader
	if d.Config.AWS.ArchiveBucket != "" {
		client := s3.NewFromConfig(d.AWS, func(o *s3.Options) {
			o.BaseEndpoint = endpoint(d.Config.AWS)
			o.UsePathStyle = d.Config.AWS.EndpointURL != ""
		})
		uploader = scheduler.NewS3Archiver(client, d.Config.AWS.ArchiveBucket)
	}

	return &scheduler.Runner{
		Tasks: scheduler.Tasks{
			Dunning: scheduler.NewDunningService(scheduler.NewPgDunningStore(d.Pool), d.Publisher,
				d.Config.Dunning.IntervalDays, jobs.BatchLimit, d.Metrics, d.Logger),
			Expiration: scheduler.NewExpirationSweeper(db.NewCreditLedgerRepository(d.Pool), d.Ledger,
				jobs.SweeperConcurrency, jobs.BatchLimit, d.Metrics, d.Logger),
			Replay: scheduler.NewReplayService(webhookLogs, d.Reconciler,
				jobs.ReplayAfter, jobs.BatchLimit, d.Metrics, d.Logger),
			Archive: scheduler.NewWebhookLogArchiver(webhookLogs, uploader,
				jobs.WebhookLogRetention, d.Clock, d.Metrics, d.Logger),
		},
		JobLock:    db.NewJobLockRepository(d.Pool),
		JobHistory: db.NewJobHistoryRepository(d.Pool),
		WorkerID:   workerID,
		Metrics:    d.Metrics,
		Clock:      d.Clock,
		Logger:     d.Logger,
	}
}

func (d *Deps) Close() {
	if d.Pool != nil {
		d.Pool.Close()
	}
}

// LoadAWSConfig loads the default credential chain for cfg.Region.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config (region=%s): %w", cfg.Region, err)
	}
	return awsCfg, nil
}

// endpoint returns the LocalStack override, or nil for the real endpoints.
func endpoint(cfg config.AWSConfig) *string {
	if cfg.EndpointURL == "" {
		return nil
	}
	return aws.String(cfg.EndpointURL)
}

// NewLogger returns a JSON logger at level. Unknown levels fall back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
