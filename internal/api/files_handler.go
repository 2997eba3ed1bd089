package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"decendata/internal/middleware"
	"decendata/internal/repository"
	"decendata/internal/service"
)

const multipartMemoryBudget int64 = 16 * 1024 * 1024

// FileHandler 提供文件、版本与分享相关的 HTTP 端点。
type FileHandler struct {
	service       *service.FileService
	publicBaseURL string
}

func NewFileHandler(s *service.FileService, publicBaseURL string) *FileHandler {
	return &FileHandler{service: s, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

// RegisterPublicRoutes 注册允许匿名访问的路由。
func (h *FileHandler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/files/public", h.ListPublic)
	r.Get("/files/{id}", h.GetFile)
	r.Get("/files/{id}/download", h.DownloadFile)
}

// RegisterRoutes 注册需要登录的路由，与公开路由共用同一棵路由树。
func (h *FileHandler) RegisterRoutes(r chi.Router) {
	r.Get("/files", h.ListFiles)
	r.Post("/files", h.CreateFile)
	r.Get("/files/shared-with-me", h.SharedWithMe)
	r.Get("/files/invitations", h.ListInvitations)
	r.Patch("/files/{id}", h.UpdateFile)
	r.Delete("/files/{id}", h.DeleteFile)
	r.Post("/files/{id}/versions", h.UploadVersion)
	r.Get("/files/{id}/analytics", h.Analytics)
	r.Post("/files/{id}/shares", h.Invite)
	r.Patch("/files/{id}/shares/{action}", h.RespondToShare)
	r.Delete("/files/{id}/shares/{recipientID}", h.RevokeShare)
}

type fileResponse struct {
	*repository.FileRecord
	DownloadURL string `json:"download_url,omitempty"`
}

func (h *FileHandler) present(rec *repository.FileRecord) fileResponse {
	out := fileResponse{FileRecord: rec}
	if h.publicBaseURL != "" {
		out.DownloadURL = fmt.Sprintf("%s/api/files/%s/download", h.publicBaseURL, rec.ID)
	}
	return out
}

// uploadPart 是 multipart 中的文件部分。
type uploadPart struct {
	file      multipart.File
	name      string
	mediaType string
	size      int64
}

// parseUpload 解析 multipart 表单，调用方负责调用 cleanup。
func (h *FileHandler) parseUpload(w http.ResponseWriter, r *http.Request) (*uploadPart, func(), error) {
	if r.Body == nil {
		return nil, func() {}, service.Invalid("request body is empty")
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.service.MaxUploadBytes()+multipartMemoryBudget)

	if err := r.ParseMultipartForm(multipartMemoryBudget); err != nil {
		return nil, func() {}, err
	}
	cleanup := func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		cleanup()
		return nil, func() {}, service.Invalid("file field is required")
	}
	part := &uploadPart{
		file:      file,
		name:      header.Filename,
		mediaType: header.Header.Get("Content-Type"),
		size:      header.Size,
	}
	return part, func() {
		_ = file.Close()
		cleanup()
	}, nil
}

// writeUploadError 区分请求体超限与其他解析错误。
func writeUploadError(w http.ResponseWriter, r *http.Request, err error, limit int64) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds size limit (%d bytes)", limit))
		return
	}
	var se *service.Error
	if errors.As(err, &se) {
		writeServiceError(w, r, err)
		return
	}
	writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart form: %v", err))
}

func parseVisibility(r *http.Request) repository.Visibility {
	if v := strings.TrimSpace(r.FormValue("visibility")); v != "" {
		return repository.Visibility(strings.ToLower(v))
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(r.FormValue("is_public"))); err == nil && b {
		return repository.VisibilityPublic
	}
	return repository.VisibilityPrivate
}

// CreateFile 接受 multipart/form-data 上传：加密、固定内容并登记元数据。
func (h *FileHandler) CreateFile(w http.ResponseWriter, r *http.Request) {
	part, done, err := h.parseUpload(w, r)
	defer done()
	if err != nil {
		writeUploadError(w, r, err, h.service.MaxUploadBytes())
		return
	}

	name := part.name
	if override := strings.TrimSpace(r.FormValue("name")); override != "" {
		name = override
	}

	record, err := h.service.Upload(r.Context(), middleware.GetUserID(r.Context()), service.UploadInput{
		Reader:      part.file,
		DisplayName: name,
		MediaType:   part.mediaType,
		Size:        part.size,
		Description: r.FormValue("description"),
		Tags:        splitList(r.FormValue("tags")),
		Visibility:  parseVisibility(r),
		Properties: repository.FileProperties{
			Author:    strings.TrimSpace(r.FormValue("author")),
			Project:   strings.TrimSpace(r.FormValue("project")),
			License:   strings.TrimSpace(r.FormValue("license")),
			SourceURL: strings.TrimSpace(r.FormValue("source_url")),
		},
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeData(w, http.StatusCreated, h.present(record))
}

// UploadVersion 上传新内容替换当前版本。
func (h *FileHandler) UploadVersion(w http.ResponseWriter, r *http.Request) {
	part, done, err := h.parseUpload(w, r)
	defer done()
	if err != nil {
		writeUploadError(w, r, err, h.service.MaxUploadBytes())
		return
	}

	record, err := h.service.UploadVersion(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), service.VersionInput{
		Reader:    part.file,
		MediaType: part.mediaType,
		Size:      part.size,
		Changes:   r.FormValue("changes"),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, h.present(record))
}

func listQuery(r *http.Request) (service.ListQuery, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return service.ListQuery{}, err
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		return service.ListQuery{}, err
	}
	q := r.URL.Query()
	return service.ListQuery{
		Status: q.Get("status"),
		Search: q.Get("search"),
		Tags:   splitList(q.Get("tags")),
		Limit:  limit,
		Offset: offset,
	}, nil
}

// ListFiles 返回当前用户的文件。
func (h *FileHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	page, err := h.service.List(r.Context(), middleware.GetUserID(r.Context()), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, page)
}

// ListPublic 返回公开文件。
func (h *FileHandler) ListPublic(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	page, err := h.service.ListPublic(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, page)
}

// SharedWithMe 返回已接受且未过期的分享。
func (h *FileHandler) SharedWithMe(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	page, err := h.service.SharedWithMe(r.Context(), middleware.GetUserID(r.Context()), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, page)
}

// ListInvitations 返回待处理的邀请。
func (h *FileHandler) ListInvitations(w http.ResponseWriter, r *http.Request) {
	q, err := listQuery(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	page, err := h.service.ListInvitations(r.Context(), middleware.GetUserID(r.Context()), q)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, page)
}

// GetFile 返回单个文件的元数据。
func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	file, err := h.service.Get(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, h.present(file))
}

// DownloadFile 返回文件内容以供下载。
func (h *FileHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	file, content, err := h.service.Download(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", file.MediaType)
	w.Header().Set("Content-Disposition", contentDisposition(file.DisplayName))
	w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	w.Header().Set("X-Content-Hash", file.ContentHash)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, content); err != nil {
		// 客户端可能已断开，无法再写入错误响应
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("file_id", file.ID).Msg("download interrupted")
	}
}

type updateFileRequest struct {
	Name        *string                    `json:"name" validate:"omitempty,min=1,max=255"`
	Description *string                    `json:"description" validate:"omitempty,max=1000"`
	Tags        *[]string                  `json:"tags"`
	Visibility  *repository.Visibility     `json:"visibility" validate:"omitempty,oneof=public private"`
	IsPublic    *bool                      `json:"is_public"`
	Status      *repository.FileStatus     `json:"status" validate:"omitempty,oneof=active archived"`
	Properties  *repository.FileProperties `json:"properties"`
}

// UpdateFile 修改元数据、可见性或归档状态。
func (h *FileHandler) UpdateFile(w http.ResponseWriter, r *http.Request) {
	var req updateFileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	visibility := req.Visibility
	if visibility == nil && req.IsPublic != nil {
		v := repository.VisibilityPrivate
		if *req.IsPublic {
			v = repository.VisibilityPublic
		}
		visibility = &v
	}

	updated, err := h.service.UpdateMetadata(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), service.MetadataInput{
		DisplayName: req.Name,
		Description: req.Description,
		Tags:        req.Tags,
		Visibility:  visibility,
		Status:      req.Status,
		Properties:  req.Properties,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, h.present(updated))
}

// DeleteFile 删除元数据并尽力回收内容。
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Delete(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// Analytics 返回访问统计。
func (h *FileHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Analytics(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}
