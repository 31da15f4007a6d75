package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"coursedrop/internal/repository"
)

// NewFileRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{db: db}
}

// FileRepository 实现 repository.FileRepository。
type FileRepository struct {
	db *sql.DB
}

var fileSelectColumns = []string{
	"id",
	"owner_id",
	"original_name",
	"sanitized_name",
	"content_type",
	"size_bytes",
	"storage_key",
	"storage_bucket",
	"storage_version",
	"upload_status",
	"processing_status",
	"course_id",
	"document_type",
	"tags",
	"description",
	"processing",
	"upload_job_id",
	"processing_job_id",
	"deletion_job_id",
	"error_text",
	"created_at",
	"updated_at",
	"processed_at",
}

var fileInsertColumns = []string{
	"id",
	"owner_id",
	"original_name",
	"sanitized_name",
	"content_type",
	"size_bytes",
	"storage_key",
	"storage_bucket",
	"storage_version",
	"upload_status",
	"processing_status",
	"course_id",
	"document_type",
	"tags",
	"description",
	"upload_job_id",
}

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// Create 插入文件记录并返回数据库生成字段（如时间戳）。
// 命中 (owner_id, original_name, size_bytes) 唯一索引时返回 ErrDuplicate。
func (r *FileRepository) Create(ctx context.Context, record *repository.FileRecord) (*repository.FileRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("file record is nil")
	}

	tagsBytes, err := encodeTags(record.Tags)
	if err != nil {
		return nil, err
	}

	placeholders := make([]string, len(fileInsertColumns))
	for i := range fileInsertColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO files (%s)
	VALUES (%s)
	RETURNING %s`,
		strings.Join(fileInsertColumns, ","),
		strings.Join(placeholders, ","),
		strings.Join(fileSelectColumns, ","),
	)

	row := r.db.QueryRowContext(
		ctx,
		query,
		record.ID,
		record.OwnerID,
		record.OriginalName,
		record.SanitizedName,
		record.ContentType,
		record.SizeBytes,
		record.StorageKey,
		record.StorageBucket,
		record.StorageVersion,
		record.UploadStatus,
		record.ProcessingStatus,
		nullString(record.CourseID),
		nullString(record.DocumentType),
		tagsBytes,
		nullString(record.Description),
		nullString(record.UploadJobID),
	)

	created, err := scanFileRecord(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrDuplicate
		}
		return nil, err
	}
	return created, nil
}

// GetByID 通过主键查询文件记录。
func (r *FileRepository) GetByID(ctx context.Context, id string) (*repository.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE id = $1`, strings.Join(fileSelectColumns, ","))
	row := r.db.QueryRowContext(ctx, query, id)
	file, err := scanFileRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

var fileSortColumns = map[string]string{
	"created_at":    "created_at",
	"size_bytes":    "size_bytes",
	"original_name": "original_name",
}

// List 按所有者分页检索，支持课程、文档类型与状态过滤，并返回过滤后的总数。
func (r *FileRepository) List(ctx context.Context, params repository.ListFilesParams) ([]repository.FileRecord, int, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	args := make([]any, 0, len(params.Statuses)+5)
	conditions := make([]string, 0, 4)

	args = append(args, params.OwnerID)
	conditions = append(conditions, fmt.Sprintf("owner_id = $%d", len(args)))

	if params.CourseID != "" {
		args = append(args, params.CourseID)
		conditions = append(conditions, fmt.Sprintf("course_id = $%d", len(args)))
	}
	if params.DocumentType != "" {
		args = append(args, params.DocumentType)
		conditions = append(conditions, fmt.Sprintf("document_type = $%d", len(args)))
	}
	if len(params.Statuses) > 0 {
		placeholders := make([]string, len(params.Statuses))
		for i, status := range params.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, "upload_status IN ("+strings.Join(placeholders, ",")+")")
	} else {
		// 默认排除已删除的文件
		args = append(args, repository.UploadStatusDeleted)
		conditions = append(conditions, fmt.Sprintf("upload_status != $%d", len(args)))
	}

	whereClause := "WHERE " + strings.Join(conditions, " AND ")

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM files %s`, whereClause)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sortColumn, ok := fileSortColumns[params.SortBy]
	if !ok {
		sortColumn = "created_at"
	}
	direction := "DESC"
	if strings.EqualFold(params.SortOrder, "asc") {
		direction = "ASC"
	}

	args = append(args, limit)
	tail := fmt.Sprintf("ORDER BY %s %s LIMIT $%d", sortColumn, direction, len(args))

	if params.Offset > 0 {
		args = append(args, params.Offset)
		tail += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	query := fmt.Sprintf(`SELECT %s FROM files %s %s`, strings.Join(fileSelectColumns, ","), whereClause, tail)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []repository.FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return result, total, nil
}

// Update 按给定字段做部分更新，nil 字段保持不变。
func (r *FileRepository) Update(ctx context.Context, id string, update repository.FileStatusUpdate) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.UploadStatus != nil {
		add("upload_status", *update.UploadStatus)
	}
	if update.ProcessingStatus != nil {
		add("processing_status", *update.ProcessingStatus)
	}
	if update.StorageVersion != nil {
		add("storage_version", *update.StorageVersion)
	}
	if update.ErrorText != nil {
		add("error_text", *update.ErrorText)
	}
	if update.UploadJobID != nil {
		add("upload_job_id", *update.UploadJobID)
	}
	if update.ProcessingJobID != nil {
		add("processing_job_id", *update.ProcessingJobID)
	}
	if update.DeletionJobID != nil {
		add("deletion_job_id", *update.DeletionJobID)
	}
	if update.Processing != nil {
		encoded, err := json.Marshal(update.Processing)
		if err != nil {
			return err
		}
		add("processing", encoded)
	}
	if update.ProcessedAt != nil {
		add("processed_at", *update.ProcessedAt)
	}

	if len(sets) == 0 {
		return nil
	}

	add("updated_at", time.Now().UTC())

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE files SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))

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

// FindDuplicate 查询同一所有者下同名同大小且未删除的记录。
func (r *FileRepository) FindDuplicate(ctx context.Context, ownerID, originalName string, sizeBytes int64) (*repository.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files
	WHERE owner_id = $1 AND original_name = $2 AND size_bytes = $3 AND upload_status != $4
	ORDER BY created_at DESC
	LIMIT 1`, strings.Join(fileSelectColumns, ","))

	row := r.db.QueryRowContext(ctx, query, ownerID, originalName, sizeBytes, repository.UploadStatusDeleted)
	file, err := scanFileRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(rs rowScanner) (*repository.FileRecord, error) {
	var (
		rec             repository.FileRecord
		storageVersion  sql.NullString
		courseID        sql.NullString
		documentType    sql.NullString
		tags            []byte
		description     sql.NullString
		processing      []byte
		uploadJobID     sql.NullString
		processingJobID sql.NullString
		deletionJobID   sql.NullString
		errorText       sql.NullString
		processedAt     sql.NullTime
	)

	if err := rs.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.OriginalName,
		&rec.SanitizedName,
		&rec.ContentType,
		&rec.SizeBytes,
		&rec.StorageKey,
		&rec.StorageBucket,
		&storageVersion,
		&rec.UploadStatus,
		&rec.ProcessingStatus,
		&courseID,
		&documentType,
		&tags,
		&description,
		&processing,
		&uploadJobID,
		&processingJobID,
		&deletionJobID,
		&errorText,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&processedAt,
	); err != nil {
		return nil, err
	}

	if storageVersion.Valid {
		rec.StorageVersion = storageVersion.String
	}
	rec.CourseID = fromNullString(courseID)
	rec.DocumentType = fromNullString(documentType)
	rec.Description = fromNullString(description)
	rec.UploadJobID = fromNullString(uploadJobID)
	rec.ProcessingJobID = fromNullString(processingJobID)
	rec.DeletionJobID = fromNullString(deletionJobID)
	rec.ErrorText = fromNullString(errorText)
	if processedAt.Valid {
		rec.ProcessedAt = &processedAt.Time
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &rec.Tags); err != nil {
			return nil, err
		}
	}
	if len(processing) > 0 {
		var metrics repository.ProcessingMetrics
		if err := json.Unmarshal(processing, &metrics); err != nil {
			return nil, err
		}
		rec.Processing = &metrics
	}

	return &rec, nil
}

func encodeTags(tags []string) ([]byte, error) {
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(tags)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
