package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricCreditsExpired      = "CreditsExpired"
	MetricOwnersExpired       = "OwnersExpired"
	MetricExpirationFailures  = "ExpirationFailures"
	MetricDunningReminders    = "DunningRemindersSent"
	MetricDunningFailures     = "DunningFailures"
	MetricWebhookLogsArchived = "WebhookLogsArchived"
	MetricWebhooksReplayed    = "WebhooksReplayed"
	MetricJobDuration         = "JobDuration"

	// Dimension Keys
	DimTask    = "Task"
	DimGateway = "Gateway"
	DimOutcome = "Outcome"

	// Metric Namespace
	MetricNamespace = "BillingLedger"
)
