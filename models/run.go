package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// RunTrigger records what started a sync run
type RunTrigger string

const (
	TriggerSchedule RunTrigger = "schedule"
	TriggerHTTP     RunTrigger = "http"
	TriggerCommand  RunTrigger = "command"
	TriggerCLI      RunTrigger = "cli"
)

type SyncRun struct {
	ID           int64      `json:"id" db:"id"`
	Trigger      RunTrigger `json:"trigger" db:"trigger"`
	BatchSize    int        `json:"batch_size" db:"batch_size"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	Status       RunStatus  `json:"status" db:"status"`
	Stats        SyncStats  `json:"stats"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
}
