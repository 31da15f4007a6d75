package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound 表示对象在存储中不存在。
var ErrNotFound = errors.New("storage: object not found")

// ObjectInfo 描述一次写入后对象的定位信息。
type ObjectInfo struct {
	ETag      string
	VersionID string
	Location  string
}

// HeadInfo 描述对象的基础元数据。
type HeadInfo struct {
	SizeBytes   int64
	ContentType string
}

// ObjectStore 定义对象存储边界：流式写入、删除与元数据探测。
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (ObjectInfo, error)
	Delete(ctx context.Context, key, versionID string) error
	Head(ctx context.Context, key string) (HeadInfo, error)
}

// Reader 定义对象存储读接口，支持流式读取。
type Reader interface {
	Read(ctx context.Context, key string) (io.ReadCloser, error)
}

// Storage 组合了读写能力的完整存储接口。
type Storage interface {
	ObjectStore
	Reader
	// Bucket 返回对象所在的桶/容器名，用于记录 storage_bucket 字段。
	Bucket() string
}
