package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdRunNow     CommandType = "run_now"
	CmdPauseTask  CommandType = "pause_task"
	CmdResumeTask CommandType = "resume_task"
	CmdPauseJob   CommandType = "pause_job"
	CmdResumeJob  CommandType = "resume_job"
)

// Command is an operator request queued for the daemon.
type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
}

type CommandParams struct {
	JobID  string `json:"job_id,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}
