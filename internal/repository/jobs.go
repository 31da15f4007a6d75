package repository

import (
	"context"
	"encoding/json"
	"time"
)

// JobType 标识后台任务的种类。
type JobType string

const (
	JobTypeContentProcessing   JobType = "content-processing"
	JobTypeEmbeddingGeneration JobType = "embedding-generation"
	JobTypeVirusScan           JobType = "virus-scan"
	JobTypeFileDeletion        JobType = "file-deletion"
	JobTypeProgressSnapshot    JobType = "progress-snapshot"
	JobTypeLessonGeneration    JobType = "lesson-generation"
)

// JobStatus 描述任务在队列中的状态。
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job 代表一条异步工作单元的持久化记录。
// attempts 不会超过 max_attempts；completed 与耗尽重试后的 failed 为终态。
type Job struct {
	ID            string          `json:"id"`
	Type          JobType         `json:"type"`
	Priority      int             `json:"priority"` // 数值越小越先执行
	Payload       json.RawMessage `json:"payload"`
	Status        JobStatus       `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	BackoffBaseMS int64           `json:"backoff_base_ms"`
	Progress      int             `json:"progress"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *string         `json:"error,omitempty"`
}

// JobStatusCounts 汇总各状态下的任务数量。
type JobStatusCounts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobUpdate 描述一次任务记录更新可携带的字段，nil 字段不更新。
type JobUpdate struct {
	Status      *JobStatus
	Attempts    *int
	Progress    *int
	ScheduledAt *time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Result      json.RawMessage
	Error       *string
}

// JobRepository 统一任务记录持久层接口。
type JobRepository interface {
	Create(ctx context.Context, job *Job) (*Job, error)
	GetByID(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, update JobUpdate) error
	CountByStatus(ctx context.Context) (JobStatusCounts, error)
}
