// Package scheduler implements the periodic billing maintenance tasks:
// dunning escalation, credit expiry, webhook replay and webhook log
// archival, plus the Runner that executes one task behind a distributed
// job lock.
//
// The MaintenancePayload is the JSON structure sent by EventBridge rules to
// the maintenance Lambda; cmd/tools/job-runner builds the same payload from
// flags.
package scheduler

import "time"

// TaskType identifies which maintenance task a payload runs.
type TaskType string

const (
	TaskSendDunningReminders TaskType = "send_dunning_reminders"
	TaskExpireCredits        TaskType = "expire_credits"
	TaskReplayWebhooks       TaskType = "replay_webhooks"
	TaskArchiveWebhookLogs   TaskType = "archive_webhook_logs"
)

// AllTasks lists every TaskType in execution-independent order.
var AllTasks = []TaskType{
	TaskSendDunningReminders,
	TaskExpireCredits,
	TaskReplayWebhooks,
	TaskArchiveWebhookLogs,
}

// MaintenancePayload is the event that triggers one task run.
//
//	{
//	  "task": "expire_credits",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual runs and backfills. If nil,
	// the current UTC time is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
