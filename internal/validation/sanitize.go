package validation

import (
	"path/filepath"
	"strings"
)

const (
	sanitizedMaxLength  = 200
	placeholderFilename = "unnamed_file"
)

// SanitizeFilename 将原始文件名规整为安全的存储名。
// 幂等：对已净化的名字再次调用返回相同结果。
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(forbiddenChars, r):
			b.WriteByte('_')
		case r == ' ' || r == '\t':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}

	cleaned := b.String()

	// 折叠连续分隔符，去掉首尾分隔符
	for strings.Contains(cleaned, "__") {
		cleaned = strings.ReplaceAll(cleaned, "__", "_")
	}
	cleaned = strings.Trim(cleaned, "_.")

	if cleaned == "" {
		return placeholderFilename
	}

	if len(cleaned) > sanitizedMaxLength {
		cleaned = truncatePreservingExt(cleaned, sanitizedMaxLength)
	}

	return cleaned
}

// truncatePreservingExt 截断到 max 字节并尽量保留扩展名。
// 截断点落在字符边界上，多字节字符不会被切成半个。
func truncatePreservingExt(name string, max int) string {
	ext := filepath.Ext(name)
	if len(ext) >= max {
		return truncateToRuneBoundary(name, max)
	}
	stem := name[:len(name)-len(ext)]
	return strings.TrimRight(truncateToRuneBoundary(stem, max-len(ext)), "_.") + ext
}

// truncateToRuneBoundary 截断到不超过 max 字节的最近字符边界。
func truncateToRuneBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := 0
	for i := range s {
		if i > max {
			break
		}
		cut = i
	}
	return s[:cut]
}
