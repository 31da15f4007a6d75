package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"coursedrop/internal/errs"
	"coursedrop/internal/hub"
	"coursedrop/internal/queue"
	"coursedrop/internal/repository"
	"coursedrop/internal/storage"
	"coursedrop/internal/validation"

	"github.com/google/uuid"
)

// Notifier 是协调器依赖的实时事件出口。
type Notifier interface {
	Broadcast(event hub.Event, targetChannel string)
}

// uploadsChannel 是上传相关事件的订阅频道名。
const uploadsChannel = "uploads"

// IngestService 编排上传、批量上传、查询、删除与列表工作流。
// 单个文件内部各步骤严格串行；批量上传以固定窗口做有界并发。
type IngestService struct {
	files       repository.FileRepository
	store       storage.Storage
	jobs        queue.Enqueuer
	dedup       *DedupChecker
	notifier    Notifier
	limits      validation.Limits
	batchWindow int
	logger      *log.Logger
}

func NewIngestService(
	files repository.FileRepository,
	store storage.Storage,
	jobs queue.Enqueuer,
	dedup *DedupChecker,
	notifier Notifier,
	limits validation.Limits,
	batchWindow int,
	logger *log.Logger,
) *IngestService {
	if batchWindow <= 0 {
		batchWindow = 5
	}
	return &IngestService{
		files:       files,
		store:       store,
		jobs:        jobs,
		dedup:       dedup,
		notifier:    notifier,
		limits:      limits,
		batchWindow: batchWindow,
		logger:      logger,
	}
}

// UploadInput 描述一次单文件上传的元数据与内容流。
type UploadInput struct {
	OwnerID      string
	Filename     string
	ContentType  string
	SizeBytes    int64
	CourseID     string
	DocumentType string
	Tags         []string
	Description  string
	Reader       io.Reader
}

// UploadResult 是单文件上传成功后的返回。
type UploadResult struct {
	FileID        string                  `json:"fileId"`
	Filename      string                  `json:"filename"`
	SizeBytes     int64                   `json:"sizeBytes"`
	ContentType   string                  `json:"contentType"`
	UploadStatus  repository.UploadStatus `json:"uploadStatus"`
	JobID         string                  `json:"jobId"`
	CreatedAt     time.Time               `json:"createdAt"`
	ProcessingURL string                  `json:"processingUrl"`
	Warnings      []string                `json:"warnings,omitempty"`
}

// UploadSingleFile 执行完整的单文件上传工作流：
// 校验 → 重复检测 → 创建记录 → 入队处理任务 → 写入对象存储 → 更新记录。
// 记录创建之后的任何失败都会留下审计痕迹并广播错误事件后再向调用方抛出。
func (s *IngestService) UploadSingleFile(ctx context.Context, input UploadInput) (*UploadResult, error) {
	if s == nil || s.files == nil {
		return nil, errs.New(errs.KindInternal, "ingest service not initialized")
	}

	// 校验与重复检测失败快速返回，无任何副作用
	meta := validation.FileMeta{
		Filename:     input.Filename,
		ContentType:  input.ContentType,
		OwnerID:      input.OwnerID,
		SizeBytes:    input.SizeBytes,
		DocumentType: input.DocumentType,
		Tags:         input.Tags,
		Description:  input.Description,
	}
	vr := validation.ValidateFile(meta, s.limits)
	if !vr.Valid {
		return nil, errs.New(errs.KindValidation, "file validation failed").WithDetails(vr.Errors...)
	}

	dup, err := s.dedup.Check(ctx, input.OwnerID, input.Filename, input.SizeBytes)
	if err != nil {
		return nil, err
	}
	if dup.IsDuplicate {
		return nil, errs.Newf(errs.KindConflict, "duplicate file: an identical file already exists").
			WithDetails("existing file id: " + dup.ExistingID)
	}

	sanitized := validation.SanitizeFilename(input.Filename)
	uploadID := uuid.NewString()
	key := buildStorageKey(input.OwnerID, uploadID, sanitized)

	now := time.Now().UTC()
	record := &repository.FileRecord{
		ID:               uploadID,
		OwnerID:          input.OwnerID,
		OriginalName:     input.Filename,
		SanitizedName:    sanitized,
		ContentType:      input.ContentType,
		SizeBytes:        input.SizeBytes,
		StorageKey:       key,
		StorageBucket:    s.store.Bucket(),
		UploadStatus:     repository.UploadStatusPendingValidation,
		ProcessingStatus: repository.ProcessingStatusPending,
		CourseID:         optional(input.CourseID),
		DocumentType:     optional(input.DocumentType),
		Tags:             input.Tags,
		Description:      optional(input.Description),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	record, err = s.files.Create(ctx, record)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// 并发竞争的败者：唯一索引兜底，对调用方表现与预检命中一致
			return nil, errs.New(errs.KindConflict, "duplicate file: an identical file already exists")
		}
		return nil, errs.Wrap(errs.KindDatabase, "create file record", err)
	}

	// 记录已存在，从这里开始失败都要落审计并广播错误事件
	job, err := s.jobs.Enqueue(ctx, repository.JobTypeContentProcessing, map[string]any{
		"fileId":     record.ID,
		"ownerId":    record.OwnerID,
		"storageKey": record.StorageKey,
		"bucket":     record.StorageBucket,
	}, queue.Options{Priority: 1})
	if err != nil {
		return nil, s.failUpload(ctx, record, "enqueue processing job", err)
	}

	if err := s.transitionUpload(ctx, record, repository.UploadStatusUploading, repository.FileStatusUpdate{
		ProcessingJobID: &job.ID,
	}); err != nil {
		return nil, s.failUpload(ctx, record, "mark record uploading", err)
	}
	record.ProcessingJobID = &job.ID

	s.broadcast(hub.NewEvent(hub.EventUploadProgress, map[string]any{
		"fileId":   record.ID,
		"userId":   record.OwnerID,
		"filename": record.SanitizedName,
		"percent":  0,
	}))

	info, err := s.store.Put(ctx, key, input.Reader, input.SizeBytes, input.ContentType, map[string]string{
		"owner-id":      record.OwnerID,
		"original-name": sanitized,
	})
	if err != nil {
		return nil, s.failUpload(ctx, record, "store object", errs.Wrap(errs.KindStorage, "write object store", err))
	}

	version := info.VersionID
	if version == "" {
		version = info.ETag
	}
	if err := s.transitionUpload(ctx, record, repository.UploadStatusUploaded, repository.FileStatusUpdate{
		StorageVersion: &version,
	}); err != nil {
		return nil, s.failUpload(ctx, record, "finalize record", err)
	}

	s.broadcast(hub.NewEvent(hub.EventUploadComplete, map[string]any{
		"fileId":    record.ID,
		"userId":    record.OwnerID,
		"filename":  record.SanitizedName,
		"sizeBytes": record.SizeBytes,
		"jobId":     job.ID,
	}))

	return &UploadResult{
		FileID:        record.ID,
		Filename:      record.SanitizedName,
		SizeBytes:     record.SizeBytes,
		ContentType:   record.ContentType,
		UploadStatus:  repository.UploadStatusUploaded,
		JobID:         job.ID,
		CreatedAt:     record.CreatedAt,
		ProcessingURL: fmt.Sprintf("/files/%s/status", record.ID),
		Warnings:      vr.Warnings,
	}, nil
}

// BatchResult 是批量上传的聚合返回。
type BatchResult struct {
	Results    []UploadResult `json:"results"`
	TotalFiles int            `json:"totalFiles"`
	TotalSize  int64          `json:"totalSize"`
	BatchJobID string         `json:"batchJobId"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// UploadBatch 以固定大小的并发窗口处理一批文件。
// 窗口内各文件并发上传，窗口整体结算后才开始下一个窗口（同步屏障）。
// 窗口内任一文件失败则整个调用失败；已成功的文件保留为有效记录，不回滚。
func (s *IngestService) UploadBatch(ctx context.Context, inputs []UploadInput) (*BatchResult, error) {
	if s == nil || s.files == nil {
		return nil, errs.New(errs.KindInternal, "ingest service not initialized")
	}

	metas := make([]validation.FileMeta, len(inputs))
	for i, in := range inputs {
		metas[i] = validation.FileMeta{
			Filename:     in.Filename,
			ContentType:  in.ContentType,
			OwnerID:      in.OwnerID,
			SizeBytes:    in.SizeBytes,
			DocumentType: in.DocumentType,
			Tags:         in.Tags,
			Description:  in.Description,
		}
	}
	vr := validation.ValidateBatch(metas, s.limits)
	if !vr.Valid {
		return nil, errs.New(errs.KindValidation, "batch validation failed").WithDetails(vr.Errors...)
	}

	results := make([]*UploadResult, len(inputs))
	failures := make([]error, len(inputs))

	for start := 0; start < len(inputs); start += s.batchWindow {
		end := start + s.batchWindow
		if end > len(inputs) {
			end = len(inputs)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				result, err := s.UploadSingleFile(ctx, inputs[idx])
				results[idx] = result
				failures[idx] = err
			}(i)
		}
		// 窗口屏障：等待全部结算后才进入下一窗口
		wg.Wait()

		for i := start; i < end; i++ {
			if failures[i] != nil {
				return nil, errs.Wrap(errs.KindOf(failures[i]),
					fmt.Sprintf("batch upload failed at file %d", i), failures[i])
			}
		}
	}

	fileIDs := make([]string, len(results))
	var totalSize int64
	flat := make([]UploadResult, len(results))
	for i, r := range results {
		fileIDs[i] = r.FileID
		totalSize += r.SizeBytes
		flat[i] = *r
	}

	ownerID := ""
	if len(inputs) > 0 {
		ownerID = inputs[0].OwnerID
	}
	batchJob, err := s.jobs.Enqueue(ctx, repository.JobTypeContentProcessing, map[string]any{
		"fileIds": fileIDs,
		"ownerId": ownerID,
		"batch":   true,
	}, queue.Options{Priority: 2})
	if err != nil {
		return nil, err
	}

	// 成员记录回填聚合任务 id，任一成员都能追溯所属批次
	for _, id := range fileIDs {
		if err := s.files.Update(ctx, id, repository.FileStatusUpdate{UploadJobID: &batchJob.ID}); err != nil {
			s.logger.Printf("link file %s to batch job %s: %v", id, batchJob.ID, err)
		}
	}

	return &BatchResult{
		Results:    flat,
		TotalFiles: len(flat),
		TotalSize:  totalSize,
		BatchJobID: batchJob.ID,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// FileView 是对外返回的文件视图，可附带处理任务的当前状态。
type FileView struct {
	repository.FileRecord
	Job *repository.Job `json:"job,omitempty"`
}

// GetFile 按 id 获取文件，校验所有权并附带处理任务状态。
func (s *IngestService) GetFile(ctx context.Context, fileID, requesterID string) (*FileView, error) {
	if s == nil || s.files == nil {
		return nil, errs.New(errs.KindInternal, "ingest service not initialized")
	}

	record, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, errs.Newf(errs.KindNotFound, "file %s not found", fileID)
		}
		return nil, errs.Wrap(errs.KindDatabase, "load file record", err)
	}

	if record.OwnerID != requesterID {
		return nil, errs.New(errs.KindForbidden, "you do not own this file")
	}

	view := &FileView{FileRecord: *record}
	if record.ProcessingJobID != nil {
		if job, err := s.jobs.Status(ctx, *record.ProcessingJobID); err == nil {
			view.Job = job
		}
	}

	return view, nil
}

// OpenFile 校验所有权后返回对象内容流，供下载端点使用。
// 只有 uploaded 状态的文件可下载。
func (s *IngestService) OpenFile(ctx context.Context, fileID, requesterID string) (io.ReadCloser, *repository.FileRecord, error) {
	if s == nil || s.files == nil {
		return nil, nil, errs.New(errs.KindInternal, "ingest service not initialized")
	}

	record, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, nil, errs.Newf(errs.KindNotFound, "file %s not found", fileID)
		}
		return nil, nil, errs.Wrap(errs.KindDatabase, "load file record", err)
	}

	if record.OwnerID != requesterID {
		return nil, nil, errs.New(errs.KindForbidden, "you do not own this file")
	}
	if record.UploadStatus != repository.UploadStatusUploaded {
		return nil, nil, errs.Newf(errs.KindConflict, "file in status %q is not available for download", record.UploadStatus)
	}

	content, err := s.store.Read(ctx, record.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, errs.Newf(errs.KindNotFound, "object for file %s not found", fileID)
		}
		return nil, nil, errs.Wrap(errs.KindStorage, "read object", err)
	}

	return content, record, nil
}

// DeleteResult 是删除调度成功后的返回。
type DeleteResult struct {
	FileID        string                  `json:"fileId"`
	DeletionJobID string                  `json:"deletionJobId"`
	Status        repository.UploadStatus `json:"status"`
}

// DeleteFile 调度一次文件删除：入队删除任务并把记录置为 deletion_scheduled。
// 对象的实际移除与终态 deleted 由删除 worker 完成。
func (s *IngestService) DeleteFile(ctx context.Context, fileID, requesterID string) (*DeleteResult, error) {
	if s == nil || s.files == nil {
		return nil, errs.New(errs.KindInternal, "ingest service not initialized")
	}

	record, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, errs.Newf(errs.KindNotFound, "file %s not found", fileID)
		}
		return nil, errs.Wrap(errs.KindDatabase, "load file record", err)
	}

	if record.OwnerID != requesterID {
		return nil, errs.New(errs.KindForbidden, "you do not own this file")
	}

	if !repository.CanTransition(record.UploadStatus, repository.UploadStatusDeletionScheduled) {
		return nil, errs.Newf(errs.KindConflict, "file in status %q cannot be deleted", record.UploadStatus)
	}

	job, err := s.jobs.Enqueue(ctx, repository.JobTypeFileDeletion, map[string]any{
		"fileId":         record.ID,
		"ownerId":        record.OwnerID,
		"storageKey":     record.StorageKey,
		"storageBucket":  record.StorageBucket,
		"storageVersion": record.StorageVersion,
		"originalName":   record.OriginalName,
		"sizeBytes":      record.SizeBytes,
	}, queue.Options{Priority: 3})
	if err != nil {
		return nil, err
	}

	if err := s.transitionUpload(ctx, record, repository.UploadStatusDeletionScheduled, repository.FileStatusUpdate{
		DeletionJobID: &job.ID,
	}); err != nil {
		return nil, err
	}

	s.dedup.Invalidate(ctx, record.OwnerID, record.OriginalName, record.SizeBytes)

	s.broadcast(hub.NewEvent(hub.EventFileDeleted, map[string]any{
		"fileId":        record.ID,
		"userId":        record.OwnerID,
		"deletionJobId": job.ID,
		"status":        string(repository.UploadStatusDeletionScheduled),
	}))

	return &DeleteResult{
		FileID:        record.ID,
		DeletionJobID: job.ID,
		Status:        repository.UploadStatusDeletionScheduled,
	}, nil
}

// ListResult 是分页列表的返回。
type ListResult struct {
	Files   []repository.FileRecord `json:"files"`
	Total   int                     `json:"total"`
	HasMore bool                    `json:"hasMore"`
}

// allowedSortFields 是列表接口可用的排序字段白名单。
var allowedSortFields = map[string]struct{}{
	"created_at":    {},
	"size_bytes":    {},
	"original_name": {},
}

// ListUserFiles 按所有者分页检索文件，支持课程/类型/状态过滤与显式排序。
func (s *IngestService) ListUserFiles(ctx context.Context, params repository.ListFilesParams) (*ListResult, error) {
	if s == nil || s.files == nil {
		return nil, errs.New(errs.KindInternal, "ingest service not initialized")
	}
	if params.OwnerID == "" {
		return nil, errs.New(errs.KindValidation, "owner id is required")
	}

	if params.Limit <= 0 {
		params.Limit = 20
	}
	if params.Limit > 100 {
		params.Limit = 100
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	if _, ok := allowedSortFields[params.SortBy]; !ok {
		params.SortBy = "created_at"
	}
	if params.SortOrder != "asc" {
		params.SortOrder = "desc"
	}

	files, total, err := s.files.List(ctx, params)
	if err != nil {
		return nil, errs.Wrap(errs.KindDatabase, "list files", err)
	}

	return &ListResult{
		Files:   files,
		Total:   total,
		HasMore: params.Offset+len(files) < total,
	}, nil
}

// transitionUpload 在校验迁移矩阵后更新记录的上传状态。
func (s *IngestService) transitionUpload(ctx context.Context, record *repository.FileRecord, to repository.UploadStatus, extra repository.FileStatusUpdate) error {
	if !repository.CanTransition(record.UploadStatus, to) {
		return errs.Newf(errs.KindInternal, "illegal upload status transition %s -> %s", record.UploadStatus, to)
	}

	extra.UploadStatus = &to
	if err := s.files.Update(ctx, record.ID, extra); err != nil {
		return errs.Wrap(errs.KindDatabase, "update file record", err)
	}

	record.UploadStatus = to
	return nil
}

// failUpload 把记录置为 validation_failed、广播错误事件，并返回包好的错误。
// 记录本身保留，作为失败上传的审计痕迹。
func (s *IngestService) failUpload(ctx context.Context, record *repository.FileRecord, step string, cause error) error {
	errText := cause.Error()
	failed := repository.UploadStatusValidationFailed
	if repository.CanTransition(record.UploadStatus, failed) {
		if err := s.files.Update(ctx, record.ID, repository.FileStatusUpdate{
			UploadStatus: &failed,
			ErrorText:    &errText,
		}); err != nil {
			s.logger.Printf("mark file %s as failed: %v", record.ID, err)
		}
	}

	s.broadcast(hub.NewEvent(hub.EventUploadError, map[string]any{
		"fileId":   record.ID,
		"userId":   record.OwnerID,
		"filename": record.SanitizedName,
		"error":    errText,
	}))

	var typed *errs.Error
	if errors.As(cause, &typed) {
		return typed
	}
	return errs.Wrap(errs.KindInternal, step, cause)
}

func (s *IngestService) broadcast(event hub.Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Broadcast(event, uploadsChannel)
}

// buildStorageKey 由所有者、日期与新上传 id 确定性地构造存储 key。
func buildStorageKey(ownerID, uploadID, sanitizedName string) string {
	ext := filepath.Ext(sanitizedName)
	date := time.Now().UTC().Format("2006/01/02")
	return fmt.Sprintf("uploads/%s/%s/%s%s", ownerID, date, uploadID, ext)
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
