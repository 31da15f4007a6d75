package repository

import (
	"context"
	"time"
)

// UploadStatus 描述文件上传生命周期，状态只允许向前推进。
type UploadStatus string

const (
	UploadStatusPendingValidation UploadStatus = "pending_validation"
	UploadStatusUploading         UploadStatus = "uploading"
	UploadStatusUploaded          UploadStatus = "uploaded"
	UploadStatusValidationFailed  UploadStatus = "validation_failed"
	UploadStatusDeletionScheduled UploadStatus = "deletion_scheduled"
	UploadStatusDeleted           UploadStatus = "deleted"
)

// uploadTransitions 定义允许的状态迁移矩阵。
// deleted 为终态，不出现在键中。
var uploadTransitions = map[UploadStatus][]UploadStatus{
	UploadStatusPendingValidation: {UploadStatusUploading, UploadStatusValidationFailed},
	UploadStatusUploading:         {UploadStatusUploaded, UploadStatusValidationFailed},
	UploadStatusUploaded:          {UploadStatusDeletionScheduled},
	UploadStatusDeletionScheduled: {UploadStatusDeleted},
}

// CanTransition 判断上传状态能否从 from 迁移到 to。
func CanTransition(from, to UploadStatus) bool {
	for _, allowed := range uploadTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ProcessingStatus 描述下游内容处理的独立状态。
type ProcessingStatus string

const (
	ProcessingStatusPending    ProcessingStatus = "pending"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusReady      ProcessingStatus = "ready"
	ProcessingStatusPartial    ProcessingStatus = "partial"
	ProcessingStatusFailed     ProcessingStatus = "failed"
)

// ProcessingMetrics 记录内容处理的产出指标。
type ProcessingMetrics struct {
	PagesExtracted int    `json:"pages_extracted,omitempty"`
	ChunksCreated  int    `json:"chunks_created,omitempty"`
	ProcessingMS   int64  `json:"processing_ms,omitempty"`
	ErrorText      string `json:"error_text,omitempty"`
}

// FileRecord 代表数据库中的一条已接收文件元数据。
// 创建后 owner/size/storage key 不可变。
type FileRecord struct {
	ID               string             `json:"id"`
	OwnerID          string             `json:"owner_id"`
	OriginalName     string             `json:"original_name"`
	SanitizedName    string             `json:"sanitized_name"`
	ContentType      string             `json:"content_type"`
	SizeBytes        int64              `json:"size_bytes"`
	StorageKey       string             `json:"storage_key"`
	StorageBucket    string             `json:"storage_bucket"`
	StorageVersion   string             `json:"storage_version,omitempty"`
	UploadStatus     UploadStatus       `json:"upload_status"`
	ProcessingStatus ProcessingStatus   `json:"processing_status"`
	CourseID         *string            `json:"course_id,omitempty"`
	DocumentType     *string            `json:"document_type,omitempty"`
	Tags             []string           `json:"tags,omitempty"`
	Description      *string            `json:"description,omitempty"`
	Processing       *ProcessingMetrics `json:"processing,omitempty"`
	UploadJobID      *string            `json:"upload_job_id,omitempty"`
	ProcessingJobID  *string            `json:"processing_job_id,omitempty"`
	DeletionJobID    *string            `json:"deletion_job_id,omitempty"`
	ErrorText        *string            `json:"error_text,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	ProcessedAt      *time.Time         `json:"processed_at,omitempty"`
}

// ListFilesParams 用于按所有者分页检索文件。
type ListFilesParams struct {
	OwnerID      string
	CourseID     string
	DocumentType string
	Statuses     []UploadStatus
	SortBy       string // created_at / size_bytes / original_name
	SortOrder    string // asc / desc
	Limit        int
	Offset       int
}

// FileStatusUpdate 描述一次文件状态更新可携带的字段，nil 字段不更新。
type FileStatusUpdate struct {
	UploadStatus     *UploadStatus
	ProcessingStatus *ProcessingStatus
	StorageVersion   *string
	ErrorText        *string
	UploadJobID      *string
	ProcessingJobID  *string
	DeletionJobID    *string
	Processing       *ProcessingMetrics
	ProcessedAt      *time.Time
}

// FileRepository 统一文件元数据持久层接口。
type FileRepository interface {
	Create(ctx context.Context, record *FileRecord) (*FileRecord, error)
	GetByID(ctx context.Context, id string) (*FileRecord, error)
	List(ctx context.Context, params ListFilesParams) ([]FileRecord, int, error)
	Update(ctx context.Context, id string, update FileStatusUpdate) error
	// FindDuplicate 查询同一所有者下同名同大小且未删除的记录，不存在时返回 ErrNotFound。
	FindDuplicate(ctx context.Context, ownerID, originalName string, sizeBytes int64) (*FileRecord, error)
}
