package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"coursedrop/internal/repository"
)

// NewJobRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// JobRepository 实现 repository.JobRepository。
type JobRepository struct {
	db *sql.DB
}

var jobSelectColumns = []string{
	"id",
	"type",
	"priority",
	"payload",
	"status",
	"attempts",
	"max_attempts",
	"backoff_base_ms",
	"progress",
	"scheduled_at",
	"created_at",
	"started_at",
	"finished_at",
	"result",
	"error",
}

var jobInsertColumns = []string{
	"id",
	"type",
	"priority",
	"payload",
	"status",
	"attempts",
	"max_attempts",
	"backoff_base_ms",
	"scheduled_at",
}

// Create 插入任务记录并返回数据库生成字段。
func (r *JobRepository) Create(ctx context.Context, job *repository.Job) (*repository.Job, error) {
	if job == nil {
		return nil, fmt.Errorf("job is nil")
	}

	placeholders := make([]string, len(jobInsertColumns))
	for i := range jobInsertColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO jobs (%s)
	VALUES (%s)
	RETURNING %s`,
		strings.Join(jobInsertColumns, ","),
		strings.Join(placeholders, ","),
		strings.Join(jobSelectColumns, ","),
	)

	row := r.db.QueryRowContext(
		ctx,
		query,
		job.ID,
		job.Type,
		job.Priority,
		[]byte(job.Payload),
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.BackoffBaseMS,
		job.ScheduledAt,
	)

	return scanJob(row)
}

// GetByID 通过主键查询任务记录。
func (r *JobRepository) GetByID(ctx context.Context, id string) (*repository.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, strings.Join(jobSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// Update 按给定字段做部分更新，nil 字段保持不变。
func (r *JobRepository) Update(ctx context.Context, id string, update repository.JobUpdate) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.Attempts != nil {
		add("attempts", *update.Attempts)
	}
	if update.Progress != nil {
		add("progress", *update.Progress)
	}
	if update.ScheduledAt != nil {
		add("scheduled_at", *update.ScheduledAt)
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.FinishedAt != nil {
		add("finished_at", *update.FinishedAt)
	}
	if update.Result != nil {
		add("result", []byte(update.Result))
	}
	if update.Error != nil {
		add("error", *update.Error)
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountByStatus 汇总各状态下的任务数量。
func (r *JobRepository) CountByStatus(ctx context.Context) (repository.JobStatusCounts, error) {
	var counts repository.JobStatusCounts

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status repository.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		switch status {
		case repository.JobStatusWaiting:
			counts.Waiting = n
		case repository.JobStatusActive:
			counts.Active = n
		case repository.JobStatusCompleted:
			counts.Completed = n
		case repository.JobStatusFailed:
			counts.Failed = n
		}
	}

	return counts, rows.Err()
}

func scanJob(rs rowScanner) (*repository.Job, error) {
	var (
		job        repository.Job
		payload    []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		result     []byte
		errText    sql.NullString
	)

	if err := rs.Scan(
		&job.ID,
		&job.Type,
		&job.Priority,
		&payload,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.BackoffBaseMS,
		&job.Progress,
		&job.ScheduledAt,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&result,
		&errText,
	); err != nil {
		return nil, err
	}

	job.Payload = payload
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	if len(result) > 0 {
		job.Result = result
	}
	job.Error = fromNullString(errText)

	return &job, nil
}
