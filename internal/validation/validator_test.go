package validation

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func testLimits() Limits {
	return Limits{
		MaxFileSizeBytes:    100 * 1024 * 1024,
		MaxBatchSizeBytes:   500 * 1024 * 1024,
		MaxBatchFiles:       50,
		AllowedContentTypes: []string{"text/plain", "application/pdf", "image/png"},
	}
}

func validMeta() FileMeta {
	return FileMeta{
		Filename:    "notes.txt",
		ContentType: "text/plain",
		OwnerID:     "u1",
		SizeBytes:   17,
	}
}

func TestValidateFile_Valid(t *testing.T) {
	result := ValidateFile(validMeta(), testLimits())
	if !result.Valid {
		t.Fatalf("expected valid, got errors: %v", result.Errors)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", result.Warnings)
	}
}

func TestValidateFile_SizeBounds(t *testing.T) {
	limits := testLimits()

	for _, size := range []int64{0, -1, limits.MaxFileSizeBytes + 1} {
		meta := validMeta()
		meta.SizeBytes = size
		result := ValidateFile(meta, limits)
		if result.Valid {
			t.Errorf("size %d: expected invalid", size)
			continue
		}
		if !hasErrorContaining(result.Errors, "size") {
			t.Errorf("size %d: expected a size-related error, got %v", size, result.Errors)
		}
	}
}

func TestValidateFile_ContentTypeAllowList(t *testing.T) {
	meta := validMeta()
	meta.Filename = "malware.exe"
	meta.ContentType = "application/x-msdownload"

	result := ValidateFile(meta, testLimits())
	if result.Valid {
		t.Fatal("expected invalid for disallowed content type")
	}
	if !hasErrorContaining(result.Errors, "content type") {
		t.Fatalf("expected content type error, got %v", result.Errors)
	}
	// .exe 同时触发可执行扩展名警告
	if len(result.Warnings) == 0 {
		t.Fatal("expected executable-extension warning")
	}
}

func TestValidateFile_ContentTypeWithCharset(t *testing.T) {
	meta := validMeta()
	meta.ContentType = "text/plain; charset=utf-8"
	result := ValidateFile(meta, testLimits())
	if !result.Valid {
		t.Fatalf("charset parameter should not fail allow-list: %v", result.Errors)
	}
}

func TestValidateFile_PathTraversal(t *testing.T) {
	for _, name := range []string{"../etc/passwd", "a/b.txt", `a\b.txt`, "..hidden"} {
		meta := validMeta()
		meta.Filename = name
		result := ValidateFile(meta, testLimits())
		if result.Valid {
			t.Errorf("%q: expected invalid", name)
			continue
		}
		if !hasErrorContaining(result.Errors, "traversal") {
			t.Errorf("%q: expected path traversal error, got %v", name, result.Errors)
		}
	}
}

func TestValidateFile_ReservedDeviceNames(t *testing.T) {
	for _, name := range []string{"CON", "con.txt", "Com1.pdf", "lpt9"} {
		meta := validMeta()
		meta.Filename = name
		meta.ContentType = "text/plain"
		result := ValidateFile(meta, testLimits())
		if result.Valid {
			t.Errorf("%q: expected reserved name rejection", name)
		}
	}
}

func TestValidateFile_CollectsAllViolations(t *testing.T) {
	meta := FileMeta{
		Filename:     strings.Repeat("x", 256) + "?.txt",
		ContentType:  "",
		OwnerID:      "",
		SizeBytes:    0,
		DocumentType: "poem",
		Tags:         make([]string, 21),
		Description:  strings.Repeat("d", 501),
	}
	result := ValidateFile(meta, testLimits())
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if len(result.Errors) < 6 {
		t.Fatalf("expected all independent violations collected, got %d: %v", len(result.Errors), result.Errors)
	}
}

func TestValidateFile_OptionalFields(t *testing.T) {
	meta := validMeta()
	meta.DocumentType = "lecture_notes"
	meta.Tags = []string{"calculus", "week-3"}
	meta.Description = "lecture three"
	result := ValidateFile(meta, testLimits())
	if !result.Valid {
		t.Fatalf("expected valid, got %v", result.Errors)
	}
}

func TestValidateBatch_Empty(t *testing.T) {
	result := ValidateBatch(nil, testLimits())
	if result.Valid {
		t.Fatal("empty batch should be invalid")
	}
}

func TestValidateBatch_TooManyFiles(t *testing.T) {
	files := make([]FileMeta, 51)
	for i := range files {
		files[i] = validMeta()
	}
	result := ValidateBatch(files, testLimits())
	if result.Valid {
		t.Fatal("batch over 50 files should be invalid")
	}
}

func TestValidateBatch_PerFileErrorsArePrefixed(t *testing.T) {
	files := []FileMeta{validMeta(), {Filename: "", ContentType: "text/plain", OwnerID: "u1", SizeBytes: 1}}
	result := ValidateBatch(files, testLimits())
	if result.Valid {
		t.Fatal("expected invalid")
	}
	if !hasErrorContaining(result.Errors, "file 1:") {
		t.Fatalf("expected index-prefixed error, got %v", result.Errors)
	}
}

func TestValidateBatch_TotalSize(t *testing.T) {
	limits := testLimits()
	limits.MaxBatchSizeBytes = 100
	files := []FileMeta{validMeta(), validMeta()}
	files[0].SizeBytes = 60
	files[1].SizeBytes = 60
	result := ValidateBatch(files, limits)
	if result.Valid {
		t.Fatal("expected batch size violation")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"notes.txt", "notes.txt"},
		{"my file.txt", "my_file.txt"},
		{"a  b   c.pdf", "a_b_c.pdf"},
		{`what?*.png`, "what_.png"},
		{"___", "unnamed_file"},
		{"", "unnamed_file"},
		{"..", "unnamed_file"},
	}
	for _, tc := range cases {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeFilename_Idempotent(t *testing.T) {
	inputs := []string{
		"notes.txt", "my file.txt", `bad<>:"|?*.bin`, "", "___",
		strings.Repeat("long", 100) + ".pdf", "mixed  spaces_and___underscores.doc",
	}
	for _, in := range inputs {
		once := SanitizeFilename(in)
		twice := SanitizeFilename(once)
		if once != twice {
			t.Errorf("not idempotent for %q: first %q, second %q", in, once, twice)
		}
	}
}

func TestSanitizeFilename_TruncatesPreservingExtension(t *testing.T) {
	name := strings.Repeat("a", 300) + ".pdf"
	got := SanitizeFilename(name)
	if len(got) > sanitizedMaxLength {
		t.Fatalf("length %d exceeds maximum %d", len(got), sanitizedMaxLength)
	}
	if !strings.HasSuffix(got, ".pdf") {
		t.Fatalf("extension not preserved: %q", got)
	}
}

func TestSanitizeFilename_MultibyteTruncation(t *testing.T) {
	// 每个汉字 3 字节，截断点必须落在字符边界上
	name := strings.Repeat("课", 120) + ".pdf"
	got := SanitizeFilename(name)
	if len(got) > sanitizedMaxLength {
		t.Fatalf("length %d exceeds maximum %d", len(got), sanitizedMaxLength)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a multibyte character: %q", got)
	}
	if !strings.HasSuffix(got, ".pdf") {
		t.Fatalf("extension not preserved: %q", got)
	}
	if SanitizeFilename(got) != got {
		t.Fatalf("truncated name not idempotent: %q", got)
	}
}

func TestTruncatePreservingExt_OversizedExtension(t *testing.T) {
	// 扩展名本身超出预算时退化为整体截断，同样不能切开字符
	got := truncatePreservingExt("ファイル.データ", 7)
	if len(got) > 7 {
		t.Fatalf("length %d exceeds budget", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("result is not valid utf-8: %q", got)
	}
}

func hasErrorContaining(errors []string, substr string) bool {
	for _, e := range errors {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}
