package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"

	"billingledger/internal/metrics"
	"billingledger/internal/types"
)

const archiveBatchSize = 500

// WebhookLogArchiveStore lists and removes processed webhook logs.
type WebhookLogArchiveStore interface {
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]types.WebhookLog, error)
	DeleteWebhookLogs(ctx context.Context, ids []int64) (int64, error)
}

// ArchiveUploader writes one archive object.
type ArchiveUploader interface {
	UploadArchive(ctx context.Context, key string, data []byte) error
}

// S3PutObjectAPI is the subset of the S3 client used for uploads.
type S3PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads archives to a single bucket.
type S3Archiver struct {
	client S3PutObjectAPI
	bucket string
}

func NewS3Archiver(client S3PutObjectAPI, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket}
}

func (a *S3Archiver) UploadArchive(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(data),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

// WebhookLogArchiver moves processed webhook logs past retention into
// zstd-compressed JSONL objects and deletes them from the database.
type WebhookLogArchiver struct {
	store     WebhookLogArchiveStore
	uploader  ArchiveUploader
	retention time.Duration
	clock     types.Clock
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewWebhookLogArchiver returns an archiver. uploader may be nil when no
// bucket is configured; Archive then does nothing.
func NewWebhookLogArchiver(store WebhookLogArchiveStore, uploader ArchiveUploader, retention time.Duration, clock types.Clock, rec metrics.Recorder, logger *slog.Logger) *WebhookLogArchiver {
	if clock == nil {
		clock = types.RealClock{}
	}
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookLogArchiver{
		store:     store,
		uploader:  uploader,
		retention: retention,
		clock:     clock,
		metrics:   rec,
		logger:    logger,
	}
}

// Archive processes batches until none remain and returns the number of
// logs deleted. A batch is deleted only after its upload succeeds.
func (a *WebhookLogArchiver) Archive(ctx context.Context, now time.Time) (int, error) {
	if a.uploader == nil {
		a.logger.WarnContext(ctx, "webhook log archive bucket not configured, skipping")
		return 0, nil
	}

	cutoff := now.Add(-a.retention)
	total := 0
	defer func() {
		a.metrics.Count(ctx, types.MetricWebhookLogsArchived, float64(total),
			metrics.Dims{types.DimTask: string(TaskArchiveWebhookLogs)})
	}()

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		logs, err := a.store.ListArchivable(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return total, fmt.Errorf("listing archivable webhook logs: %w", err)
		}
		if len(logs) == 0 {
			break
		}

		data, err := encodeArchive(logs)
		if err != nil {
			return total, fmt.Errorf("encoding webhook log archive: %w", err)
		}

		stamp := a.clock.Now()
		key := fmt.Sprintf("webhook-logs/%04d/%02d/batch_%d.jsonl.zst", stamp.Year(), stamp.Month(), stamp.UnixNano())
		if err := a.uploader.UploadArchive(ctx, key, data); err != nil {
			return total, fmt.Errorf("uploading webhook log archive %s: %w", key, err)
		}

		ids := make([]int64, len(logs))
		for i, l := range logs {
			ids[i] = l.ID
		}
		deleted, err := a.store.DeleteWebhookLogs(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("deleting archived webhook logs: %w", err)
		}
		total += int(deleted)

		a.logger.InfoContext(ctx, "archived webhook log batch",
			"batch_size", deleted,
			"s3_key", key,
			"total_archived", total,
		)

		if len(logs) < archiveBatchSize {
			break
		}
	}
	return total, nil
}

// encodeArchive writes one JSON object per line through a zstd encoder.
func encodeArchive(logs []types.WebhookLog) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(zw)
	for i := range logs {
		if err := enc.Encode(&logs[i]); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
