package validation

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Limits 聚合校验所需的静态配置。
type Limits struct {
	MaxFileSizeBytes    int64
	MaxBatchSizeBytes   int64
	MaxBatchFiles       int
	AllowedContentTypes []string
}

// FileMeta 描述待校验的单个文件元数据。
type FileMeta struct {
	Filename     string
	ContentType  string
	OwnerID      string
	SizeBytes    int64
	DocumentType string
	Tags         []string
	Description  string
}

// Result 是一次校验的瞬态结果，不做持久化。
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

const (
	maxFilenameLength    = 255
	maxTagCount          = 20
	maxTagLength         = 50
	maxDescriptionLength = 500
	forbiddenChars       = `<>:"/\|?*`
)

// documentTypes 是文档类型的固定枚举。
var documentTypes = map[string]struct{}{
	"lecture_notes": {},
	"slides":        {},
	"textbook":      {},
	"exam":          {},
	"assignment":    {},
	"syllabus":      {},
	"other":         {},
}

// reservedNames 是 Windows 保留设备名（去扩展名后大小写不敏感匹配）。
var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// suspiciousExtensions 是产生警告（而非拒绝）的可执行风格扩展名。
var suspiciousExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".com": {}, ".scr": {},
	".msi": {}, ".ps1": {}, ".sh": {}, ".vbs": {}, ".jar": {},
}

// ValidateFile 对单个文件元数据执行全部规则检查。
// 各规则相互独立，收集所有违规而不短路。
func ValidateFile(meta FileMeta, limits Limits) Result {
	var result Result

	if strings.TrimSpace(meta.Filename) == "" {
		result.Errors = append(result.Errors, "filename is required")
	}
	if strings.TrimSpace(meta.ContentType) == "" {
		result.Errors = append(result.Errors, "content type is required")
	}
	if strings.TrimSpace(meta.OwnerID) == "" {
		result.Errors = append(result.Errors, "owner id is required")
	}

	if meta.SizeBytes <= 0 {
		result.Errors = append(result.Errors, "file size must be positive")
	} else if limits.MaxFileSizeBytes > 0 && meta.SizeBytes > limits.MaxFileSizeBytes {
		result.Errors = append(result.Errors,
			fmt.Sprintf("file size %d exceeds maximum %d bytes", meta.SizeBytes, limits.MaxFileSizeBytes))
	}

	if meta.ContentType != "" && !contentTypeAllowed(meta.ContentType, limits.AllowedContentTypes) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("content type %q is not allowed", meta.ContentType))
	}

	result.Errors = append(result.Errors, validateFilename(meta.Filename)...)

	if meta.DocumentType != "" {
		if _, ok := documentTypes[meta.DocumentType]; !ok {
			result.Errors = append(result.Errors,
				fmt.Sprintf("document type %q is not recognized", meta.DocumentType))
		}
	}

	if len(meta.Tags) > maxTagCount {
		result.Errors = append(result.Errors,
			fmt.Sprintf("too many tags: %d (maximum %d)", len(meta.Tags), maxTagCount))
	}
	for _, tag := range meta.Tags {
		if len(tag) > maxTagLength {
			result.Errors = append(result.Errors,
				fmt.Sprintf("tag %q exceeds %d characters", tag, maxTagLength))
		}
	}

	if len(meta.Description) > maxDescriptionLength {
		result.Errors = append(result.Errors,
			fmt.Sprintf("description exceeds %d characters", maxDescriptionLength))
	}

	if ext := strings.ToLower(filepath.Ext(meta.Filename)); ext != "" {
		if _, ok := suspiciousExtensions[ext]; ok {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("file extension %q is executable-like", ext))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

// ValidateBatch 校验一批文件的聚合约束，并附带逐文件诊断。
// 逐文件错误以文件序号为前缀。
func ValidateBatch(files []FileMeta, limits Limits) Result {
	var result Result

	if len(files) == 0 {
		result.Errors = append(result.Errors, "batch must contain at least one file")
		return result
	}
	if limits.MaxBatchFiles > 0 && len(files) > limits.MaxBatchFiles {
		result.Errors = append(result.Errors,
			fmt.Sprintf("batch contains %d files (maximum %d)", len(files), limits.MaxBatchFiles))
	}

	var totalSize int64
	for _, f := range files {
		totalSize += f.SizeBytes
	}
	if limits.MaxBatchSizeBytes > 0 && totalSize > limits.MaxBatchSizeBytes {
		result.Errors = append(result.Errors,
			fmt.Sprintf("batch total size %d exceeds maximum %d bytes", totalSize, limits.MaxBatchSizeBytes))
	}

	for i, f := range files {
		fr := ValidateFile(f, limits)
		for _, msg := range fr.Errors {
			result.Errors = append(result.Errors, fmt.Sprintf("file %d: %s", i, msg))
		}
		for _, msg := range fr.Warnings {
			result.Warnings = append(result.Warnings, fmt.Sprintf("file %d: %s", i, msg))
		}
	}

	result.Valid = len(result.Errors) == 0
	return result
}

func validateFilename(name string) []string {
	if name == "" {
		return nil
	}

	var errors []string

	if len(name) > maxFilenameLength {
		errors = append(errors, fmt.Sprintf("filename exceeds %d characters", maxFilenameLength))
	}

	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		errors = append(errors, "filename contains path traversal sequences")
	} else if strings.ContainsAny(name, forbiddenChars) || containsControlChars(name) {
		errors = append(errors, "filename contains forbidden characters")
	}

	base := strings.ToUpper(strings.TrimSuffix(name, filepath.Ext(name)))
	if _, ok := reservedNames[base]; ok {
		errors = append(errors, fmt.Sprintf("filename %q is a reserved device name", name))
	}

	return errors
}

func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

func contentTypeAllowed(contentType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	// 忽略 "; charset=..." 等参数部分
	value := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	for _, candidate := range allowed {
		if strings.ToLower(strings.TrimSpace(candidate)) == value {
			return true
		}
	}
	return false
}
