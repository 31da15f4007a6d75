package repository

import "errors"

// ErrNotFound 表示目标记录不存在。
var ErrNotFound = errors.New("repository: record not found")

// ErrDuplicate 表示插入与唯一索引冲突（同所有者同名同大小的未删除文件）。
var ErrDuplicate = errors.New("repository: duplicate record")
