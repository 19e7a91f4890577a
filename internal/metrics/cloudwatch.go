// Package metrics reports operational metrics: CloudWatch for the scheduled
// maintenance tasks, Prometheus for the HTTP API and webhook intake.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"billingledger/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Dims are metric dimensions keyed by name (types.DimTask, ...).
type Dims map[string]string

// Recorder is the metric sink used by the maintenance tasks. Recording is
// best-effort: failures are logged, never returned.
type Recorder interface {
	Count(ctx context.Context, metric string, value float64, dims Dims)
	Duration(ctx context.Context, metric string, d time.Duration, dims Dims)
}

var _ Recorder = (*CloudWatchRecorder)(nil)

// CloudWatchRecorder publishes one datum per call.
type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchRecorder creates a recorder for namespace (types.MetricNamespace
// when empty).
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{client: client, namespace: namespace, logger: logger}
}

func (r *CloudWatchRecorder) Count(ctx context.Context, metric string, value float64, dims Dims) {
	r.put(ctx, metric, value, cwtypes.StandardUnitCount, dims)
}

// Duration is recorded in milliseconds for CloudWatch precision.
func (r *CloudWatchRecorder) Duration(ctx context.Context, metric string, d time.Duration, dims Dims) {
	r.put(ctx, metric, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds, dims)
}

func (r *CloudWatchRecorder) put(ctx context.Context, metric string, value float64, unit cwtypes.StandardUnit, dims Dims) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(r.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(metric),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: dimensions(dims),
			},
		},
	}

	if _, err := r.client.PutMetricData(ctx, input); err != nil {
		r.logger.WarnContext(ctx, "failed to record metric",
			"metric", metric,
			"value", value,
			"error", err,
		)
	}
}

// dimensions sorts by name so requests are deterministic.
func dimensions(dims Dims) []cwtypes.Dimension {
	if len(dims) == 0 {
		return nil
	}
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]cwtypes.Dimension, 0, len(names))
	for _, name := range names {
		out = append(out, cwtypes.Dimension{
			Name:  aws.String(name),
			Value: aws.String(dims[name]),
		})
	}
	return out
}

// NopRecorder discards everything. Used when metrics are disabled.
type NopRecorder struct{}

func (NopRecorder) Count(context.Context, string, float64, Dims)          {}
func (NopRecorder) Duration(context.Context, string, time.Duration, Dims) {}
