package model

import (
	"time"
)

// ScheduledTask is a recurring task the backend runs on a cron schedule.
type ScheduledTask struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Description    *string        `json:"description,omitempty" yaml:"description,omitempty"`
	CronExpression string         `json:"cron_expression" yaml:"cron_expression"`
	Timezone       string         `json:"timezone" yaml:"timezone"`
	IsActive       bool           `json:"is_active" yaml:"is_active"`
	TaskConfig     map[string]any `json:"task_config" yaml:"task_config"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty" yaml:"next_run_at,omitempty"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"updated_at"`
}

// UpdateTaskRequest toggles a task on or off.
type UpdateTaskRequest struct {
	IsActive bool `json:"is_active"`
}

// ExecutionStatus is the outcome of a task run.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// TaskExecution is one run of a scheduled task.
type TaskExecution struct {
	ID         string          `json:"id" yaml:"id"`
	TaskID     string          `json:"task_id" yaml:"task_id"`
	Status     ExecutionStatus `json:"status" yaml:"status"`
	StartedAt  *time.Time      `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Result     *string         `json:"result,omitempty" yaml:"result,omitempty"`
	Error      *string         `json:"error,omitempty" yaml:"error,omitempty"`
	TokenUsage *int            `json:"token_usage,omitempty" yaml:"token_usage,omitempty"`
	CreatedAt  time.Time       `json:"created_at" yaml:"created_at"`
}

// Duration returns how long the run took, or zero if it has not finished.
func (e *TaskExecution) Duration() time.Duration {
	if e.StartedAt == nil || e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(*e.StartedAt)
}
