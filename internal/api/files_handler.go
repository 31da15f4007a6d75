package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"coursedrop/internal/errs"
	"coursedrop/internal/middleware"
	"coursedrop/internal/repository"
	"coursedrop/internal/service"

	"github.com/go-chi/chi/v5"
)

// FileHandler 提供文件接收相关的 HTTP 端点。
type FileHandler struct {
	service          *service.IngestService
	maxFileSizeBytes int64
}

func NewFileHandler(s *service.IngestService, maxFileSizeBytes int64) *FileHandler {
	if maxFileSizeBytes <= 0 {
		maxFileSizeBytes = 100 * 1024 * 1024
	}
	return &FileHandler{service: s, maxFileSizeBytes: maxFileSizeBytes}
}

func (h *FileHandler) RegisterRoutes(r chi.Router) {
	r.Route("/files", func(r chi.Router) {
		r.Get("/", h.ListFiles)
		r.Post("/upload", h.UploadFile)
		r.Post("/batch-upload", h.UploadBatch)
		r.Get("/{id}", h.GetFile)
		r.Get("/{id}/status", h.GetFileStatus)
		r.Get("/{id}/download", h.DownloadFile)
		r.Delete("/{id}", h.DeleteFile)
	})
}

type envelope struct {
	Data any `json:"data"`
}

type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

const multipartMemoryBudget int64 = 16 * 1024 * 1024

// UploadFile 接受 multipart/form-data 单文件上传。
// 成功返回 202：文件已落存储，内容处理仍在异步进行。
func (h *FileHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "internal", "handler not initialized", nil)
		return
	}
	ownerID := middleware.GetOwnerID(r.Context())
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing authenticated owner", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSizeBytes+multipartMemoryBudget)
	defer r.Body.Close()

	if err := r.ParseMultipartForm(multipartMemoryBudget); err != nil {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid multipart form: %v", err), nil)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "file field is required", nil)
		return
	}
	defer file.Close()

	input, err := buildUploadInput(r, ownerID, file, header)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
		return
	}

	result, err := h.service.UploadSingleFile(r.Context(), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, envelope{Data: result})
}

// UploadBatch 接受 multipart/form-data 批量上传，files 字段可重复。
// 批次级元数据（course_id 等）对所有文件生效。
func (h *FileHandler) UploadBatch(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "internal", "handler not initialized", nil)
		return
	}
	ownerID := middleware.GetOwnerID(r.Context())
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing authenticated owner", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSizeBytes*8+multipartMemoryBudget)
	defer r.Body.Close()

	if err := r.ParseMultipartForm(multipartMemoryBudget); err != nil {
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("invalid multipart form: %v", err), nil)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
		writeError(w, http.StatusBadRequest, "validation", "files field is required", nil)
		return
	}

	headers := r.MultipartForm.File["files"]
	inputs := make([]service.UploadInput, 0, len(headers))
	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()

	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("open %s: %v", header.Filename, err), nil)
			return
		}
		opened = append(opened, file)

		input, err := buildUploadInput(r, ownerID, file, header)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return
		}
		inputs = append(inputs, input)
	}

	result, err := h.service.UploadBatch(r.Context(), inputs)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, envelope{Data: result})
}

// ListFiles 返回当前所有者的分页文件列表。
func (h *FileHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "internal", "handler not initialized", nil)
		return
	}

	params := repository.ListFilesParams{
		OwnerID:      middleware.GetOwnerID(r.Context()),
		CourseID:     r.URL.Query().Get("course_id"),
		DocumentType: r.URL.Query().Get("document_type"),
		SortBy:       r.URL.Query().Get("sort_by"),
		SortOrder:    r.URL.Query().Get("sort_order"),
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			params.Limit = limit
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			params.Offset = offset
		}
	}

	statuses := r.URL.Query()["status"]
	if len(statuses) == 0 {
		if combined := r.URL.Query().Get("statuses"); combined != "" {
			statuses = strings.Split(combined, ",")
		}
	}
	for _, raw := range statuses {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		params.Statuses = append(params.Statuses, repository.UploadStatus(trimmed))
	}

	result, err := h.service.ListUserFiles(r.Context(), params)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: result})
}

// GetFile 返回单个文件的元数据与处理任务状态。
func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "internal", "handler not initialized", nil)
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "validation", "file id is required", nil)
		return
	}

	view, err := h.service.GetFile(r.Context(), id, middleware.GetOwnerID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Data: view})
}

// GetFileStatus 返回文件的上传/处理状态摘要，供轮询使用。
func (h *FileHandler) GetFileStatus(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "internal", "handler not initialized", nil)
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "validation", "file id is required", nil)
		return
	}

	view, err := h.service.GetFile(r.Context(), id, middleware.GetOwnerID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := map[string]any{
		"fileId":           view.ID,
		"uploadStatus":     view.UploadStatus,
		"processingStatus": view.ProcessingStatus,
	}
	if view.Job != nil {
		status["job"] = view.Job
	}
	if view.ErrorText != nil {
		status["error"] = *view.ErrorText
	}

	writeJSON(w, http.StatusOK, envelope{Data: status})
}

// DownloadFile 返回文件内容以供下载。
func (h *FileHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "internal", "handler not initialized", nil)
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "validation", "file id is required", nil)
		return
	}

	content, record, err := h.service.OpenFile(r.Context(), id, middleware.GetOwnerID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", record.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", record.SanitizedName))
	w.Header().Set("Content-Length", strconv.FormatInt(record.SizeBytes, 10))

	if _, err := io.Copy(w, content); err != nil {
		// 客户端可能已断开，无法再写入错误响应
		return
	}
}

// DeleteFile 调度文件删除，实际移除由后台任务完成。
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	if h == nil {
		writeError(w, http.StatusInternalServerError, "internal", "handler not initialized", nil)
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "validation", "file id is required", nil)
		return
	}

	result, err := h.service.DeleteFile(r.Context(), id, middleware.GetOwnerID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, envelope{Data: result})
}

// buildUploadInput 从表单字段组装上传输入；批次级字段对所有文件共用。
func buildUploadInput(r *http.Request, ownerID string, file multipart.File, header *multipart.FileHeader) (service.UploadInput, error) {
	sizeBytes, err := determineFileSize(file, header)
	if err != nil {
		return service.UploadInput{}, err
	}

	contentType := ""
	if header != nil {
		contentType = header.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType, err = detectContentType(file)
		if err != nil {
			return service.UploadInput{}, err
		}
	}
	if err := rewindFile(file); err != nil {
		return service.UploadInput{}, err
	}

	return service.UploadInput{
		OwnerID:      ownerID,
		Filename:     header.Filename,
		ContentType:  contentType,
		SizeBytes:    sizeBytes,
		CourseID:     strings.TrimSpace(r.FormValue("course_id")),
		DocumentType: strings.TrimSpace(r.FormValue("document_type")),
		Tags:         parseTags(r.FormValue("tags")),
		Description:  strings.TrimSpace(r.FormValue("description")),
		Reader:       file,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details []string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message, Details: details}})
}

// writeServiceError 把服务层错误映射成统一的错误响应体。
func writeServiceError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeError(w, errs.HTTPStatus(kind), string(kind), errs.PublicMessage(err), errs.Details(err))
}

func determineFileSize(file multipart.File, header *multipart.FileHeader) (int64, error) {
	if header != nil && header.Size > 0 {
		return header.Size, nil
	}

	seeker, ok := file.(io.Seeker)
	if !ok {
		return 0, fmt.Errorf("cannot determine file size")
	}

	size, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("measure file: %w", err)
	}
	if _, err := seeker.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("rewind file: %w", err)
	}

	return size, nil
}

func detectContentType(file multipart.File) (string, error) {
	buf := make([]byte, 512)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("detect content type: %w", err)
	}

	if err := rewindFile(file); err != nil {
		return "", err
	}
	if n == 0 {
		return "application/octet-stream", nil
	}
	return http.DetectContentType(buf[:n]), nil
}

func rewindFile(file multipart.File) error {
	seeker, ok := file.(io.Seeker)
	if !ok {
		return fmt.Errorf("upload reader is not seekable")
	}
	_, err := seeker.Seek(0, io.SeekStart)
	return err
}

func parseTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}
