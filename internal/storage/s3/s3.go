package s3

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"coursedrop/internal/storage"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config 包含 S3/MinIO 存储所需的配置。
type Config struct {
	Endpoint  string // 不含协议，如 "localhost:9000" 或 "s3.amazonaws.com"
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool // 是否使用 HTTPS
	PathStyle bool // 是否使用路径风格（MinIO 需要 true）
}

// Storage 实现了 storage.Storage 接口，使用 S3 兼容存储。
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New 创建新的 S3 存储实例。
func New(ctx context.Context, cfg Config) (*Storage, error) {
	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	// 检查 bucket 是否存在，不存在则创建
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{
			Region: cfg.Region,
		}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Storage{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
	}, nil
}

// Bucket 返回当前使用的桶名。
func (s *Storage) Bucket() string {
	if s == nil {
		return ""
	}
	return s.bucket
}

// Put 将文件流写入 S3 存储并返回版本信息。
func (s *Storage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (storage.ObjectInfo, error) {
	if s == nil || s.client == nil {
		return storage.ObjectInfo{}, fmt.Errorf("s3 storage uninitialized")
	}

	// 清理 key 路径
	cleanKey := filepath.ToSlash(filepath.Clean(key))

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if size <= 0 {
		// -1 表示未知大小，由 SDK 自行分片
		size = -1
	}

	info, err := s.client.PutObject(ctx, s.bucket, cleanKey, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put object: %w", err)
	}

	return storage.ObjectInfo{
		ETag:      info.ETag,
		VersionID: info.VersionID,
		Location:  fmt.Sprintf("s3://%s/%s", s.bucket, info.Key),
	}, nil
}

// Head 返回对象的大小与内容类型，不存在时返回 storage.ErrNotFound。
func (s *Storage) Head(ctx context.Context, key string) (storage.HeadInfo, error) {
	if s == nil || s.client == nil {
		return storage.HeadInfo{}, fmt.Errorf("s3 storage uninitialized")
	}

	cleanKey := filepath.ToSlash(filepath.Clean(key))

	stat, err := s.client.StatObject(ctx, s.bucket, cleanKey, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return storage.HeadInfo{}, storage.ErrNotFound
		}
		return storage.HeadInfo{}, fmt.Errorf("stat object: %w", err)
	}

	return storage.HeadInfo{
		SizeBytes:   stat.Size,
		ContentType: stat.ContentType,
	}, nil
}

// Read 从 S3 存储读取文件。
func (s *Storage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 storage uninitialized")
	}

	cleanKey := filepath.ToSlash(filepath.Clean(key))

	obj, err := s.client.GetObject(ctx, s.bucket, cleanKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}

	// 验证对象是否存在
	_, err = obj.Stat()
	if err != nil {
		obj.Close()
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}

	return obj, nil
}

// Delete 从 S3 存储删除对象，versionID 为空时删除当前版本。
func (s *Storage) Delete(ctx context.Context, key, versionID string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("s3 storage uninitialized")
	}

	cleanKey := filepath.ToSlash(filepath.Clean(key))

	return s.client.RemoveObject(ctx, s.bucket, cleanKey, minio.RemoveObjectOptions{
		VersionID: versionID,
	})
}
