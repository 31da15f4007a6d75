package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"testing"

	"coursedrop/internal/hub"
	"coursedrop/internal/repository"
	"coursedrop/internal/storage"
)

type workerRepo struct {
	updates   map[string]repository.UploadStatus
	updateErr error
}

func (m *workerRepo) Create(ctx context.Context, record *repository.FileRecord) (*repository.FileRecord, error) {
	return record, nil
}

func (m *workerRepo) GetByID(ctx context.Context, id string) (*repository.FileRecord, error) {
	return nil, repository.ErrNotFound
}

func (m *workerRepo) List(ctx context.Context, params repository.ListFilesParams) ([]repository.FileRecord, int, error) {
	return nil, 0, nil
}

func (m *workerRepo) Update(ctx context.Context, id string, update repository.FileStatusUpdate) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	if update.UploadStatus != nil {
		if m.updates == nil {
			m.updates = make(map[string]repository.UploadStatus)
		}
		m.updates[id] = *update.UploadStatus
	}
	return nil
}

func (m *workerRepo) FindDuplicate(ctx context.Context, ownerID, originalName string, sizeBytes int64) (*repository.FileRecord, error) {
	return nil, repository.ErrNotFound
}

type workerStore struct {
	deleted   []string
	deleteErr error
}

func (s *workerStore) Delete(ctx context.Context, key, versionID string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, key)
	return nil
}

func (s *workerStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, nil
}

func (s *workerStore) Head(ctx context.Context, key string) (storage.HeadInfo, error) {
	return storage.HeadInfo{}, storage.ErrNotFound
}

type workerNotifier struct {
	events []hub.Event
}

func (n *workerNotifier) Broadcast(event hub.Event, targetChannel string) {
	n.events = append(n.events, event)
}

func deletionJob(t *testing.T, payload map[string]any) *repository.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &repository.Job{ID: "j1", Type: repository.JobTypeFileDeletion, Payload: raw}
}

func TestDeletionWorker_DeletesObjectAndFinalizesRecord(t *testing.T) {
	repo := &workerRepo{}
	store := &workerStore{}
	notifier := &workerNotifier{}
	w := NewDeletionWorker(repo, store, notifier, log.New(io.Discard, "", 0))

	job := deletionJob(t, map[string]any{
		"fileId":     "f1",
		"ownerId":    "u1",
		"storageKey": "uploads/u1/2026/08/23/f1.pdf",
	})

	result, err := w.Handle(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) == 0 {
		t.Fatal("expected non-empty result")
	}

	if len(store.deleted) != 1 || store.deleted[0] != "uploads/u1/2026/08/23/f1.pdf" {
		t.Fatalf("object not deleted: %v", store.deleted)
	}
	if repo.updates["f1"] != repository.UploadStatusDeleted {
		t.Fatalf("record not finalized: %v", repo.updates)
	}
	if len(notifier.events) != 1 || notifier.events[0].Type != hub.EventFileDeleted {
		t.Fatalf("expected file:deleted event, got %v", notifier.events)
	}
}

func TestDeletionWorker_MissingObjectIsIdempotent(t *testing.T) {
	repo := &workerRepo{}
	store := &workerStore{deleteErr: storage.ErrNotFound}
	w := NewDeletionWorker(repo, store, nil, log.New(io.Discard, "", 0))

	job := deletionJob(t, map[string]any{
		"fileId":     "f1",
		"ownerId":    "u1",
		"storageKey": "uploads/u1/2026/08/23/f1.pdf",
	})

	if _, err := w.Handle(context.Background(), job); err != nil {
		t.Fatalf("missing object should not fail the job: %v", err)
	}
	if repo.updates["f1"] != repository.UploadStatusDeleted {
		t.Fatal("record should still be finalized")
	}
}

func TestDeletionWorker_StorageFailurePropagates(t *testing.T) {
	repo := &workerRepo{}
	store := &workerStore{deleteErr: errors.New("s3 down")}
	w := NewDeletionWorker(repo, store, nil, log.New(io.Discard, "", 0))

	job := deletionJob(t, map[string]any{
		"fileId":     "f1",
		"storageKey": "k",
	})

	if _, err := w.Handle(context.Background(), job); err == nil {
		t.Fatal("expected error so the job can be retried")
	}
	if len(repo.updates) != 0 {
		t.Fatal("record must not be finalized on storage failure")
	}
}

func TestDeletionWorker_RejectsMalformedPayload(t *testing.T) {
	w := NewDeletionWorker(&workerRepo{}, &workerStore{}, nil, log.New(io.Discard, "", 0))

	job := &repository.Job{ID: "j1", Payload: json.RawMessage(`{"fileId":""}`)}
	if _, err := w.Handle(context.Background(), job); err == nil {
		t.Fatal("expected payload validation error")
	}
}
