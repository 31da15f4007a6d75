package local

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"coursedrop/internal/storage"
)

// Storage 将对象写入本地文件系统，用于开发与测试。
// 本地驱动没有版本语义，VersionID 恒为空。
type Storage struct {
	BaseDir string
	BaseURL string
}

func New(baseDir, baseURL string) *Storage {
	return &Storage{BaseDir: baseDir, BaseURL: baseURL}
}

// Bucket 返回本地根目录名，占位 storage_bucket 字段。
func (s *Storage) Bucket() string {
	if s == nil {
		return ""
	}
	return filepath.Base(s.BaseDir)
}

// Put 以临时文件加重命名的方式原子写入对象。
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (storage.ObjectInfo, error) {
	if s == nil {
		return storage.ObjectInfo{}, fmt.Errorf("local storage uninitialized")
	}

	select {
	case <-ctx.Done():
		return storage.ObjectInfo{}, ctx.Err()
	default:
	}

	targetPath := filepath.Join(s.BaseDir, filepath.Clean(key))
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("ensure dir: %w", err)
	}

	tempPath := targetPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("create temp file: %w", err)
	}
	defer file.Close()

	hasher := md5.New()
	if _, err := io.Copy(io.MultiWriter(file, hasher), r); err != nil {
		file.Close()
		os.Remove(tempPath)
		return storage.ObjectInfo{}, fmt.Errorf("write file: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return storage.ObjectInfo{}, fmt.Errorf("sync file: %w", err)
	}

	if err := file.Close(); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("rename temp file: %w", err)
	}

	info := storage.ObjectInfo{
		ETag:     hex.EncodeToString(hasher.Sum(nil)),
		Location: targetPath,
	}
	if s.BaseURL != "" {
		if u, err := url.JoinPath(s.BaseURL, filepath.ToSlash(key)); err == nil {
			info.Location = u
		}
	}

	return info, nil
}

// Head 返回对象大小，不存在时返回 storage.ErrNotFound。
// 本地驱动不保存内容类型。
func (s *Storage) Head(ctx context.Context, key string) (storage.HeadInfo, error) {
	if s == nil {
		return storage.HeadInfo{}, fmt.Errorf("local storage uninitialized")
	}

	targetPath := filepath.Join(s.BaseDir, filepath.Clean(key))
	stat, err := os.Stat(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.HeadInfo{}, storage.ErrNotFound
		}
		return storage.HeadInfo{}, fmt.Errorf("stat file: %w", err)
	}

	return storage.HeadInfo{
		SizeBytes:   stat.Size(),
		ContentType: "application/octet-stream",
	}, nil
}

// Read 打开并返回指定 key 对应的文件内容。
func (s *Storage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if s == nil {
		return nil, fmt.Errorf("local storage uninitialized")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	targetPath := filepath.Join(s.BaseDir, filepath.Clean(key))
	file, err := os.Open(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("open file: %w", err)
	}

	return file, nil
}

// Delete 删除本地对象，versionID 被忽略。
func (s *Storage) Delete(ctx context.Context, key, versionID string) error {
	if s == nil {
		return fmt.Errorf("local storage uninitialized")
	}

	targetPath := filepath.Join(s.BaseDir, filepath.Clean(key))
	if err := os.Remove(targetPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}
