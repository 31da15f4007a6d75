package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 标识错误的业务类别，决定对外的 HTTP 状态码。
type Kind string

const (
	KindValidation Kind = "validation" // 输入校验失败
	KindNotFound   Kind = "not_found"  // 资源不存在
	KindForbidden  Kind = "forbidden"  // 所有权/权限不匹配
	KindConflict   Kind = "conflict"   // 重复文件等冲突
	KindStorage    Kind = "storage"    // 对象存储故障
	KindQueue      Kind = "queue"      // 任务入队故障
	KindDatabase   Kind = "database"   // 记录存储故障
	KindInternal   Kind = "internal"   // 未预期的内部错误
)

// Error 携带错误类别、用户可见消息和可选的结构化细节。
// 通过显式类别而非异常类型层级来表达错误语义。
type Error struct {
	Kind    Kind
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New 创建一个指定类别的错误。
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf 创建带格式化消息的错误。
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误并附加类别与消息。
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails 返回附加了细节列表的错误副本。
func (e *Error) WithDetails(details ...string) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Details = append(clone.Details[:len(clone.Details):len(clone.Details)], details...)
	return &clone
}

// KindOf 提取错误的类别；非 *Error 一律视为 internal。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus 将错误类别映射为 HTTP 状态码。
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindStorage, KindQueue:
		return http.StatusBadGateway
	case KindDatabase:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage 返回可安全透出给调用方的消息。
// internal 与 database 类错误统一成通用文案，避免泄漏内部细节。
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e != nil {
		switch e.Kind {
		case KindInternal, KindDatabase:
			return "internal server error"
		default:
			return e.Message
		}
	}
	return "internal server error"
}

// Details 返回错误附带的细节列表（可能为空）。
func Details(err error) []string {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Details
	}
	return nil
}
