package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"coursedrop/internal/errs"
	"coursedrop/internal/hub"
	"coursedrop/internal/queue"
	"coursedrop/internal/repository"
	"coursedrop/internal/storage"
	"coursedrop/internal/validation"
)

type mockFileRepo struct {
	mu      sync.Mutex
	records map[string]*repository.FileRecord
	updates []repository.FileStatusUpdate

	createErr error
	listTotal int
}

func newMockFileRepo() *mockFileRepo {
	return &mockFileRepo{records: make(map[string]*repository.FileRecord)}
}

func (m *mockFileRepo) Create(ctx context.Context, record *repository.FileRecord) (*repository.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	clone := *record
	m.records[record.ID] = &clone
	return record, nil
}

func (m *mockFileRepo) GetByID(ctx context.Context, id string) (*repository.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *mockFileRepo) List(ctx context.Context, params repository.ListFilesParams) ([]repository.FileRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.FileRecord
	for _, rec := range m.records {
		if rec.OwnerID == params.OwnerID {
			out = append(out, *rec)
		}
	}
	total := m.listTotal
	if total == 0 {
		total = len(out)
	}
	return out, total, nil
}

func (m *mockFileRepo) Update(ctx context.Context, id string, update repository.FileStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	m.updates = append(m.updates, update)
	if update.UploadStatus != nil {
		rec.UploadStatus = *update.UploadStatus
	}
	if update.StorageVersion != nil {
		rec.StorageVersion = *update.StorageVersion
	}
	if update.ErrorText != nil {
		rec.ErrorText = update.ErrorText
	}
	if update.UploadJobID != nil {
		rec.UploadJobID = update.UploadJobID
	}
	if update.ProcessingJobID != nil {
		rec.ProcessingJobID = update.ProcessingJobID
	}
	if update.DeletionJobID != nil {
		rec.DeletionJobID = update.DeletionJobID
	}
	return nil
}

func (m *mockFileRepo) FindDuplicate(ctx context.Context, ownerID, originalName string, sizeBytes int64) (*repository.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.OwnerID == ownerID && rec.OriginalName == originalName &&
			rec.SizeBytes == sizeBytes && rec.UploadStatus != repository.UploadStatusDeleted {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *mockFileRepo) get(id string) *repository.FileRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

type mockEnqueuer struct {
	mu         sync.Mutex
	jobs       []*repository.Job
	enqueueErr error
	statusJob  *repository.Job
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, jobType repository.JobType, payload any, opts queue.Options) (*repository.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return nil, m.enqueueErr
	}
	job := &repository.Job{
		ID:       "job-" + string(jobType),
		Type:     jobType,
		Priority: opts.Priority,
		Status:   repository.JobStatusWaiting,
	}
	m.jobs = append(m.jobs, job)
	return job, nil
}

func (m *mockEnqueuer) Status(ctx context.Context, jobID string) (*repository.Job, error) {
	if m.statusJob == nil {
		return nil, errs.New(errs.KindNotFound, "job not found")
	}
	return m.statusJob, nil
}

func (m *mockEnqueuer) jobTypes() []repository.JobType {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]repository.JobType, len(m.jobs))
	for i, j := range m.jobs {
		types[i] = j.Type
	}
	return types
}

type mockStore struct {
	mu      sync.Mutex
	puts    map[string][]byte
	deletes []string
	putErr  error
}

func newMockStore() *mockStore {
	return &mockStore{puts: make(map[string][]byte)}
}

func (m *mockStore) Bucket() string { return "test-bucket" }

func (m *mockStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return storage.ObjectInfo{}, m.putErr
	}
	m.puts[key] = data
	return storage.ObjectInfo{ETag: "etag-1", VersionID: "v1"}, nil
}

func (m *mockStore) Delete(ctx context.Context, key, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, key)
	return nil
}

func (m *mockStore) Head(ctx context.Context, key string) (storage.HeadInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.puts[key]
	if !ok {
		return storage.HeadInfo{}, storage.ErrNotFound
	}
	return storage.HeadInfo{SizeBytes: int64(len(data))}, nil
}

func (m *mockStore) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.puts[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type mockNotifier struct {
	mu     sync.Mutex
	events []hub.Event
}

func (m *mockNotifier) Broadcast(event hub.Event, targetChannel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockNotifier) eventTypes() []hub.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]hub.EventType, len(m.events))
	for i, ev := range m.events {
		types[i] = ev.Type
	}
	return types
}

type fixture struct {
	repo     *mockFileRepo
	store    *mockStore
	enqueuer *mockEnqueuer
	notifier *mockNotifier
	svc      *IngestService
}

func newFixture() *fixture {
	repo := newMockFileRepo()
	store := newMockStore()
	enqueuer := &mockEnqueuer{}
	notifier := &mockNotifier{}
	limits := validation.Limits{
		MaxFileSizeBytes:    100 * 1024 * 1024,
		MaxBatchSizeBytes:   500 * 1024 * 1024,
		MaxBatchFiles:       50,
		AllowedContentTypes: []string{"text/plain", "application/pdf"},
	}
	svc := NewIngestService(
		repo, store, enqueuer,
		NewDedupChecker(repo, nil),
		notifier, limits, 2,
		log.New(io.Discard, "", 0),
	)
	return &fixture{repo: repo, store: store, enqueuer: enqueuer, notifier: notifier, svc: svc}
}

func textInput(owner, name string, content []byte) UploadInput {
	return UploadInput{
		OwnerID:     owner,
		Filename:    name,
		ContentType: "text/plain",
		SizeBytes:   int64(len(content)),
		Reader:      bytes.NewReader(content),
	}
}

func TestUploadSingleFile_Success(t *testing.T) {
	f := newFixture()
	content := []byte("17 bytes of text!")

	result, err := f.svc.UploadSingleFile(context.Background(), textInput("u1", "test.txt", content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.SizeBytes != 17 {
		t.Fatalf("expected sizeBytes 17, got %d", result.SizeBytes)
	}
	if result.ContentType != "text/plain" {
		t.Fatalf("unexpected content type %q", result.ContentType)
	}
	if result.UploadStatus != repository.UploadStatusUploaded {
		t.Fatalf("expected uploaded, got %s", result.UploadStatus)
	}
	if result.JobID == "" || result.ProcessingURL == "" {
		t.Fatalf("expected job id and processing url, got %+v", result)
	}

	rec := f.repo.get(result.FileID)
	if rec == nil {
		t.Fatal("record not persisted")
	}
	if rec.UploadStatus != repository.UploadStatusUploaded {
		t.Fatalf("record status %s, want uploaded", rec.UploadStatus)
	}
	if rec.StorageVersion != "v1" {
		t.Fatalf("storage version not recorded: %q", rec.StorageVersion)
	}
	if len(f.store.puts) != 1 {
		t.Fatalf("expected one stored object, got %d", len(f.store.puts))
	}
	if !strings.HasPrefix(rec.StorageKey, "uploads/u1/") {
		t.Fatalf("unexpected storage key %q", rec.StorageKey)
	}

	// 进度事件 + 完成事件
	types := f.notifier.eventTypes()
	if len(types) != 2 || types[0] != hub.EventUploadProgress || types[1] != hub.EventUploadComplete {
		t.Fatalf("unexpected event sequence: %v", types)
	}
}

func TestUploadSingleFile_ValidationFailsWithoutSideEffects(t *testing.T) {
	f := newFixture()

	input := textInput("u1", "malware.exe", []byte("x"))
	input.ContentType = "application/x-msdownload"

	_, err := f.svc.UploadSingleFile(context.Background(), input)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation kind, got %s", errs.KindOf(err))
	}
	if !hasDetailContaining(errs.Details(err), "content type") {
		t.Fatalf("expected content-type detail, got %v", errs.Details(err))
	}

	if len(f.repo.records) != 0 {
		t.Fatal("no record should be created on validation failure")
	}
	if len(f.store.puts) != 0 || len(f.enqueuer.jobs) != 0 || len(f.notifier.events) != 0 {
		t.Fatal("validation failure must have no side effects")
	}
}

func TestUploadSingleFile_DuplicateRejected(t *testing.T) {
	f := newFixture()

	first, err := f.svc.UploadSingleFile(context.Background(), textInput("u1", "notes.txt", []byte("hello")))
	if err != nil {
		t.Fatalf("first upload failed: %v", err)
	}

	_, err = f.svc.UploadSingleFile(context.Background(), textInput("u1", "notes.txt", []byte("hello")))
	if err == nil {
		t.Fatal("expected duplicate rejection")
	}
	if errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("expected conflict kind, got %s", errs.KindOf(err))
	}
	if !hasDetailContaining(errs.Details(err), first.FileID) {
		t.Fatalf("expected existing id in details, got %v", errs.Details(err))
	}

	// 不同所有者的同名文件不算重复
	if _, err := f.svc.UploadSingleFile(context.Background(), textInput("u2", "notes.txt", []byte("hello"))); err != nil {
		t.Fatalf("different owner should not conflict: %v", err)
	}
}

func TestUploadSingleFile_StorageFailureLeavesAuditTrail(t *testing.T) {
	f := newFixture()
	f.store.putErr = errors.New("s3 down")

	_, err := f.svc.UploadSingleFile(context.Background(), textInput("u1", "doc.txt", []byte("data")))
	if err == nil {
		t.Fatal("expected storage error to propagate")
	}
	if errs.KindOf(err) != errs.KindStorage {
		t.Fatalf("expected storage kind, got %s", errs.KindOf(err))
	}

	// 记录保留为审计痕迹，状态为 validation_failed 且带错误文本
	var failed *repository.FileRecord
	for _, rec := range f.repo.records {
		failed = rec
	}
	if failed == nil {
		t.Fatal("record should remain for audit")
	}
	if failed.UploadStatus != repository.UploadStatusValidationFailed {
		t.Fatalf("record status %s, want validation_failed", failed.UploadStatus)
	}
	if failed.ErrorText == nil || *failed.ErrorText == "" {
		t.Fatal("error text should be captured")
	}

	types := f.notifier.eventTypes()
	if len(types) == 0 || types[len(types)-1] != hub.EventUploadError {
		t.Fatalf("expected trailing upload:error event, got %v", types)
	}
}

func TestUploadSingleFile_EnqueueFailure(t *testing.T) {
	f := newFixture()
	f.enqueuer.enqueueErr = errs.New(errs.KindQueue, "broker unavailable")

	_, err := f.svc.UploadSingleFile(context.Background(), textInput("u1", "doc.txt", []byte("data")))
	if err == nil {
		t.Fatal("expected queue error")
	}
	if errs.KindOf(err) != errs.KindQueue {
		t.Fatalf("expected queue kind, got %s", errs.KindOf(err))
	}
	if len(f.store.puts) != 0 {
		t.Fatal("nothing should be written to storage when enqueue fails")
	}
}

func TestUploadBatch_Success(t *testing.T) {
	f := newFixture()

	inputs := []UploadInput{
		textInput("u1", "a.txt", []byte("aaa")),
		textInput("u1", "b.txt", []byte("bbbb")),
	}

	result, err := f.svc.UploadBatch(context.Background(), inputs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalFiles != 2 {
		t.Fatalf("expected totalFiles 2, got %d", result.TotalFiles)
	}
	if result.TotalSize != 7 {
		t.Fatalf("expected totalSize 7, got %d", result.TotalSize)
	}
	if result.BatchJobID == "" {
		t.Fatal("expected aggregate batch job id")
	}

	// 两条记录可独立查询，且都回填了聚合任务 id
	for _, r := range result.Results {
		view, err := f.svc.GetFile(context.Background(), r.FileID, "u1")
		if err != nil {
			t.Fatalf("file %s not queryable: %v", r.FileID, err)
		}
		if view.UploadStatus != repository.UploadStatusUploaded {
			t.Fatalf("file %s status %s", r.FileID, view.UploadStatus)
		}
		if view.UploadJobID == nil || *view.UploadJobID != result.BatchJobID {
			t.Fatalf("file %s not linked to batch job %s: %v", r.FileID, result.BatchJobID, view.UploadJobID)
		}
	}

	// 逐文件任务 + 聚合任务
	types := f.enqueuer.jobTypes()
	if len(types) != 3 {
		t.Fatalf("expected 3 enqueued jobs, got %d", len(types))
	}
}

func TestUploadBatch_TooManyFiles(t *testing.T) {
	f := newFixture()

	inputs := make([]UploadInput, 51)
	for i := range inputs {
		inputs[i] = textInput("u1", "f.txt", []byte("x"))
	}

	_, err := f.svc.UploadBatch(context.Background(), inputs)
	if err == nil {
		t.Fatal("expected batch validation error")
	}
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation kind, got %s", errs.KindOf(err))
	}
	if len(f.repo.records) != 0 {
		t.Fatal("no records should be created for an oversized batch")
	}
}

func TestUploadBatch_WindowFailureFailsCall(t *testing.T) {
	f := newFixture()
	f.store.putErr = errors.New("s3 down")

	inputs := []UploadInput{
		textInput("u1", "a.txt", []byte("aaa")),
		textInput("u1", "b.txt", []byte("bbb")),
	}

	_, err := f.svc.UploadBatch(context.Background(), inputs)
	if err == nil {
		t.Fatal("expected batch failure")
	}
	// 失败文件的记录保留（审计），但没有聚合任务
	for _, jt := range f.enqueuer.jobTypes() {
		if jt != repository.JobTypeContentProcessing {
			t.Fatalf("unexpected job type %s", jt)
		}
	}
}

func TestGetFile_OwnershipEnforced(t *testing.T) {
	f := newFixture()

	result, err := f.svc.UploadSingleFile(context.Background(), textInput("u2", "theirs.txt", []byte("data")))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	_, err = f.svc.GetFile(context.Background(), result.FileID, "u1")
	if errs.KindOf(err) != errs.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}

	view, err := f.svc.GetFile(context.Background(), result.FileID, "u2")
	if err != nil {
		t.Fatalf("owner should read own file: %v", err)
	}
	if view.ID != result.FileID {
		t.Fatalf("unexpected view id %s", view.ID)
	}
}

func TestGetFile_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.svc.GetFile(context.Background(), "missing", "u1")
	if errs.KindOf(err) != errs.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteFile_SchedulesDeletion(t *testing.T) {
	f := newFixture()

	uploaded, err := f.svc.UploadSingleFile(context.Background(), textInput("u1", "gone.txt", []byte("data")))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	result, err := f.svc.DeleteFile(context.Background(), uploaded.FileID, "u1")
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if result.Status != repository.UploadStatusDeletionScheduled {
		t.Fatalf("expected deletion_scheduled, got %s", result.Status)
	}
	if result.DeletionJobID == "" {
		t.Fatal("expected deletion job id")
	}

	rec := f.repo.get(uploaded.FileID)
	if rec.UploadStatus != repository.UploadStatusDeletionScheduled {
		t.Fatalf("record status %s", rec.UploadStatus)
	}
	// 协调器只负责调度，不直接删对象
	if len(f.store.deletes) != 0 {
		t.Fatal("coordinator must not delete the object itself")
	}

	types := f.notifier.eventTypes()
	if types[len(types)-1] != hub.EventFileDeleted {
		t.Fatalf("expected file:deleted event, got %v", types)
	}
}

func TestDeleteFile_ForbiddenLeavesStatusUnchanged(t *testing.T) {
	f := newFixture()

	uploaded, err := f.svc.UploadSingleFile(context.Background(), textInput("u2", "theirs.txt", []byte("data")))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	_, err = f.svc.DeleteFile(context.Background(), uploaded.FileID, "u1")
	if errs.KindOf(err) != errs.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}

	rec := f.repo.get(uploaded.FileID)
	if rec.UploadStatus != repository.UploadStatusUploaded {
		t.Fatalf("status must stay uploaded, got %s", rec.UploadStatus)
	}
}

func TestListUserFiles_Defaults(t *testing.T) {
	f := newFixture()

	for _, name := range []string{"a.txt", "b.txt"} {
		if _, err := f.svc.UploadSingleFile(context.Background(), textInput("u1", name, []byte(name))); err != nil {
			t.Fatalf("upload %s: %v", name, err)
		}
	}

	result, err := f.svc.ListUserFiles(context.Background(), repository.ListFilesParams{OwnerID: "u1"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if result.Total != 2 || len(result.Files) != 2 {
		t.Fatalf("expected 2 files, got total=%d len=%d", result.Total, len(result.Files))
	}
	if result.HasMore {
		t.Fatal("hasMore should be false")
	}
}

func TestListUserFiles_RequiresOwner(t *testing.T) {
	f := newFixture()
	_, err := f.svc.ListUserFiles(context.Background(), repository.ListFilesParams{})
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildStorageKey_Deterministic(t *testing.T) {
	key := buildStorageKey("u1", "id-123", "notes.pdf")
	if !strings.HasPrefix(key, "uploads/u1/") {
		t.Fatalf("unexpected prefix: %q", key)
	}
	if !strings.HasSuffix(key, "id-123.pdf") {
		t.Fatalf("expected upload id and extension in key: %q", key)
	}
	wantDate := time.Now().UTC().Format("2006/01/02")
	if !strings.Contains(key, wantDate) {
		t.Fatalf("expected date segment %q in key %q", wantDate, key)
	}
}

func hasDetailContaining(details []string, substr string) bool {
	for _, d := range details {
		if strings.Contains(d, substr) {
			return true
		}
	}
	return false
}
