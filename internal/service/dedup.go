package service

import (
	"context"
	"time"

	"coursedrop/internal/cache"
	"coursedrop/internal/errs"
	"coursedrop/internal/repository"
)

// DuplicateInfo 是一次重复检测的结果。
type DuplicateInfo struct {
	IsDuplicate bool   `json:"is_duplicate"`
	ExistingID  string `json:"existing_id,omitempty"`
}

// DedupChecker 在任何存储副作用之前检测重复上传：
// 同一所有者下存在同名同大小且未删除的记录即视为重复。
// 检测与记录创建不是事务原子的，并发竞争由记录存储的唯一索引兜底。
type DedupChecker struct {
	files repository.FileRepository
	cache *cache.Cache
}

func NewDedupChecker(files repository.FileRepository, c *cache.Cache) *DedupChecker {
	return &DedupChecker{files: files, cache: c}
}

const dedupCacheTTL = 10 * time.Minute

// Check 查询是否存在重复文件。
func (d *DedupChecker) Check(ctx context.Context, ownerID, filename string, sizeBytes int64) (DuplicateInfo, error) {
	if d == nil || d.files == nil {
		return DuplicateInfo{}, errs.New(errs.KindInternal, "dedup checker not initialized")
	}

	// Redis 快路径
	if cached, err := d.cache.GetDuplicate(ctx, ownerID, filename, sizeBytes); err == nil && cached != "" {
		return DuplicateInfo{IsDuplicate: true, ExistingID: cached}, nil
	}

	existing, err := d.files.FindDuplicate(ctx, ownerID, filename, sizeBytes)
	if err != nil {
		if err == repository.ErrNotFound {
			return DuplicateInfo{}, nil
		}
		return DuplicateInfo{}, errs.Wrap(errs.KindDatabase, "duplicate lookup", err)
	}

	_ = d.cache.SetDuplicate(ctx, ownerID, filename, sizeBytes, existing.ID, dedupCacheTTL)

	return DuplicateInfo{IsDuplicate: true, ExistingID: existing.ID}, nil
}

// Invalidate 在文件删除后清掉对应的缓存条目。
func (d *DedupChecker) Invalidate(ctx context.Context, ownerID, filename string, sizeBytes int64) {
	if d == nil {
		return
	}
	_ = d.cache.InvalidateDuplicate(ctx, ownerID, filename, sizeBytes)
}
