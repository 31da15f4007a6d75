package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"coursedrop/internal/hub"
	"coursedrop/internal/repository"
	"coursedrop/internal/storage"
)

// Notifier 是删除工作器对通知中枢的最小依赖。
type Notifier interface {
	Broadcast(event hub.Event, targetChannel string)
}

// DeletionWorker 消费 file-deletion 任务：
// 删除对象存储中的文件，然后把记录推进到终态 deleted。
type DeletionWorker struct {
	files    repository.FileRepository
	store    storage.ObjectStore
	notifier Notifier
	logger   *log.Logger
}

func NewDeletionWorker(files repository.FileRepository, store storage.ObjectStore, notifier Notifier, logger *log.Logger) *DeletionWorker {
	return &DeletionWorker{files: files, store: store, notifier: notifier, logger: logger}
}

type deletionPayload struct {
	FileID         string `json:"fileId"`
	OwnerID        string `json:"ownerId"`
	StorageKey     string `json:"storageKey"`
	StorageVersion string `json:"storageVersion"`
}

// Handle 实现 queue.Handler。对象已不存在时视为成功，保证重试幂等。
func (w *DeletionWorker) Handle(ctx context.Context, job *repository.Job) (json.RawMessage, error) {
	var payload deletionPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode deletion payload: %w", err)
	}
	if payload.FileID == "" || payload.StorageKey == "" {
		return nil, fmt.Errorf("deletion payload missing file id or storage key")
	}

	if err := w.store.Delete(ctx, payload.StorageKey, payload.StorageVersion); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("delete object %s: %w", payload.StorageKey, err)
		}
		w.logger.Printf("deletion worker: object %s already gone", payload.StorageKey)
	}

	status := repository.UploadStatusDeleted
	if err := w.files.Update(ctx, payload.FileID, repository.FileStatusUpdate{UploadStatus: &status}); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 记录已不存在：对象已删，无事可做
			return json.RawMessage(`{"deleted":true,"recordMissing":true}`), nil
		}
		return nil, fmt.Errorf("mark file %s deleted: %w", payload.FileID, err)
	}

	if w.notifier != nil {
		w.notifier.Broadcast(hub.NewEvent(hub.EventFileDeleted, map[string]any{
			"fileId": payload.FileID,
			"userId": payload.OwnerID,
			"final":  true,
		}), "uploads")
	}

	return json.RawMessage(`{"deleted":true}`), nil
}
