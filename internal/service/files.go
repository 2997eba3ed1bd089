package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"decendata/internal/cryptox"
	"decendata/internal/repository"
	"decendata/internal/storage"
)

const (
	defaultMaxUploadBytes = 100 << 20
	defaultPageSize       = 20
	maxPageSize           = 100
	maxTags               = 20
	maxTagLength          = 50
	maxDisplayNameLength  = 255
	fallbackMediaType     = "application/octet-stream"
)

var errPayloadTooLarge = errors.New("payload exceeds upload limit")

// FileObserver 在文件被修改或删除后收到通知。
type FileObserver interface {
	FileChanged(ctx context.Context, fileID string)
}

// FileService 封装上传、下载、分享与元数据维护流程。
type FileService struct {
	files     repository.FileRepository
	users     repository.UserRepository
	blobs     storage.BlobStore
	sealer    *cryptox.Sealer
	maxUpload int64
	logger    zerolog.Logger
	observers []FileObserver
	now       func() time.Time
}

// FileOption 定制 FileService。
type FileOption func(*FileService)

// WithSealer 启用静态加密。
func WithSealer(s *cryptox.Sealer) FileOption {
	return func(fs *FileService) { fs.sealer = s }
}

// WithMaxUploadBytes 设置单个文件的大小上限。
func WithMaxUploadBytes(n int64) FileOption {
	return func(fs *FileService) {
		if n > 0 {
			fs.maxUpload = n
		}
	}
}

// WithLogger 设置请求上下文之外使用的日志器。
func WithLogger(l zerolog.Logger) FileOption {
	return func(fs *FileService) { fs.logger = l }
}

// WithClock 替换时间来源，测试使用。
func WithClock(now func() time.Time) FileOption {
	return func(fs *FileService) { fs.now = now }
}

func NewFileService(files repository.FileRepository, users repository.UserRepository, blobs storage.BlobStore, opts ...FileOption) *FileService {
	s := &FileService{
		files:     files,
		users:     users,
		blobs:     blobs,
		maxUpload: defaultMaxUploadBytes,
		logger:    zerolog.Nop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddObserver 注册变更监听者。
func (s *FileService) AddObserver(o FileObserver) {
	s.observers = append(s.observers, o)
}

// MaxUploadBytes 返回上传大小上限。
func (s *FileService) MaxUploadBytes() int64 { return s.maxUpload }

func (s *FileService) notify(ctx context.Context, fileID string) {
	for _, o := range s.observers {
		o.FileChanged(ctx, fileID)
	}
}

func (s *FileService) log(ctx context.Context) *zerolog.Logger {
	return loggerFrom(ctx, &s.logger)
}

func loggerFrom(ctx context.Context, fallback *zerolog.Logger) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return fallback
}

// UploadInput 描述一次上传。
type UploadInput struct {
	Reader      io.Reader
	DisplayName string
	MediaType   string
	Size        int64
	Description string
	Tags        []string
	Visibility  repository.Visibility
	Properties  repository.FileProperties
}

// Upload 依次执行加密、固定内容、写入记录、更新用户统计。
func (s *FileService) Upload(ctx context.Context, callerID string, in UploadInput) (*repository.FileRecord, error) {
	if callerID == "" {
		return nil, Unauthenticated("authentication required")
	}
	name, err := validateDisplayName(in.DisplayName)
	if err != nil {
		return nil, err
	}
	if in.Reader == nil {
		return nil, Invalid("file is required")
	}
	if in.Size <= 0 {
		return nil, Invalid("file is empty")
	}
	if in.Size > s.maxUpload {
		return nil, Invalidf("file exceeds the %d byte limit", s.maxUpload)
	}
	visibility := in.Visibility
	if visibility == "" {
		visibility = repository.VisibilityPrivate
	}
	if !visibility.Valid() {
		return nil, Invalidf("invalid visibility %q", visibility)
	}
	tags, err := normalizeTags(in.Tags)
	if err != nil {
		return nil, err
	}

	blob, err := s.pinPayload(ctx, callerID, name, in.Reader)
	if err != nil {
		uploadsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}

	now := s.now()
	record := &repository.FileRecord{
		ID:          uuid.NewString(),
		OwnerID:     callerID,
		ContentHash: blob.hash,
		Size:        blob.size,
		MediaType:   resolveMediaType(in.MediaType, name),
		DisplayName: name,
		Extension:   extensionOf(name),
		Visibility:  visibility,
		Status:      repository.FileStatusActive,
		Metadata: repository.FileMetadata{
			Description: strings.TrimSpace(in.Description),
			Tags:        tags,
			Properties:  in.Properties,
		},
		Encryption: blob.encryption,
		Version:    1,
		Versions:   []repository.FileVersion{},
		Shares:     []repository.Share{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	created, err := s.files.Create(ctx, record)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			uploadsTotal.WithLabelValues("conflict").Inc()
			return nil, Conflict("a file with identical content already exists")
		}
		s.compensate(ctx, blob.hash)
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create file record: %w", err)
	}

	if err := s.users.AdjustStorageStats(ctx, callerID, 1, created.Size); err != nil {
		s.log(ctx).Warn().Err(err).Str("user_id", callerID).Msg("adjust storage stats after upload")
	}

	uploadsTotal.WithLabelValues("success").Inc()
	uploadBytes.Observe(float64(created.Size))
	s.log(ctx).Info().Str("file_id", created.ID).Str("content_hash", created.ContentHash).Int64("size", created.Size).Msg("file uploaded")
	s.notify(ctx, created.ID)
	return created, nil
}

// VersionInput 描述一次内容替换。
type VersionInput struct {
	Reader    io.Reader
	MediaType string
	Size      int64
	Changes   string
}

// UploadVersion 替换文件内容，原内容进入版本历史。
func (s *FileService) UploadVersion(ctx context.Context, callerID, fileID string, in VersionInput) (*repository.FileRecord, error) {
	file, err := s.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(file, callerID); err != nil {
		return nil, err
	}
	if in.Reader == nil {
		return nil, Invalid("file is required")
	}
	if in.Size <= 0 {
		return nil, Invalid("file is empty")
	}
	if in.Size > s.maxUpload {
		return nil, Invalidf("file exceeds the %d byte limit", s.maxUpload)
	}

	blob, err := s.pinPayload(ctx, callerID, file.DisplayName, in.Reader)
	if err != nil {
		uploadsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}

	mediaType := file.MediaType
	if strings.TrimSpace(in.MediaType) != "" {
		mediaType = resolveMediaType(in.MediaType, file.DisplayName)
	}

	updated, err := s.files.ReplaceContent(ctx, fileID, repository.ContentUpdate{
		ExpectedVersion: file.Version,
		ContentHash:     blob.hash,
		Size:            blob.size,
		MediaType:       mediaType,
		Encryption:      blob.encryption,
		Changes:         strings.TrimSpace(in.Changes),
		UpdatedAt:       s.now(),
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicate):
			uploadsTotal.WithLabelValues("conflict").Inc()
			return nil, Conflict("a file with identical content already exists")
		case errors.Is(err, repository.ErrConflict):
			s.compensate(ctx, blob.hash)
			uploadsTotal.WithLabelValues("conflict").Inc()
			return nil, Conflict("file was modified concurrently")
		case errors.Is(err, repository.ErrNotFound):
			s.compensate(ctx, blob.hash)
			return nil, NotFound("file not found")
		}
		s.compensate(ctx, blob.hash)
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("replace content: %w", err)
	}

	if err := s.users.AdjustStorageStats(ctx, callerID, 0, updated.Size-file.Size); err != nil {
		s.log(ctx).Warn().Err(err).Str("user_id", callerID).Msg("adjust storage stats after new version")
	}

	uploadsTotal.WithLabelValues("success").Inc()
	s.notify(ctx, fileID)
	return updated, nil
}

type pinnedBlob struct {
	hash       string
	size       int64
	encryption *repository.Encryption
}

// pinPayload 读取内容（必要时加密）并固定到内容存储，返回的 size 为明文大小。
func (s *FileService) pinPayload(ctx context.Context, callerID, name string, r io.Reader) (pinnedBlob, error) {
	limited := &maxBytesReader{r: r, remaining: s.maxUpload}
	meta := map[string]string{"owner": callerID, "displayName": name}

	if s.sealer != nil {
		plaintext, err := io.ReadAll(limited)
		if err != nil {
			if errors.Is(err, errPayloadTooLarge) {
				return pinnedBlob{}, Invalidf("file exceeds the %d byte limit", s.maxUpload)
			}
			return pinnedBlob{}, fmt.Errorf("read upload: %w", err)
		}
		if len(plaintext) == 0 {
			return pinnedBlob{}, Invalid("file is empty")
		}
		sealed, params, err := s.sealer.Seal(plaintext)
		if err != nil {
			return pinnedBlob{}, fmt.Errorf("encrypt upload: %w", err)
		}
		res, err := s.blobs.Pin(ctx, bytes.NewReader(sealed), name, meta)
		if err != nil {
			return pinnedBlob{}, s.pinFailure(ctx, err)
		}
		return pinnedBlob{
			hash: res.ContentHash,
			size: int64(len(plaintext)),
			encryption: &repository.Encryption{
				Algorithm: params.Algorithm,
				Salt:      params.Salt,
				Nonce:     params.Nonce,
			},
		}, nil
	}

	res, err := s.blobs.Pin(ctx, limited, name, meta)
	if err != nil {
		if errors.Is(err, errPayloadTooLarge) || limited.exceeded {
			return pinnedBlob{}, Invalidf("file exceeds the %d byte limit", s.maxUpload)
		}
		return pinnedBlob{}, s.pinFailure(ctx, err)
	}
	if limited.exceeded || res.Size > s.maxUpload {
		s.compensate(ctx, res.ContentHash)
		return pinnedBlob{}, Invalidf("file exceeds the %d byte limit", s.maxUpload)
	}
	if res.Size == 0 {
		s.compensate(ctx, res.ContentHash)
		return pinnedBlob{}, Invalid("file is empty")
	}
	return pinnedBlob{hash: res.ContentHash, size: res.Size}, nil
}

func (s *FileService) pinFailure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	blobErrorsTotal.WithLabelValues("pin").Inc()
	s.log(ctx).Error().Err(err).Msg("blob store pin failed")
	return Upstream("upload failed", err)
}

// compensate 尽力回收未被任何记录引用的内容。
func (s *FileService) compensate(ctx context.Context, hash string) {
	if err := s.unpinIfUnreferenced(context.WithoutCancel(ctx), hash); err != nil {
		s.log(ctx).Warn().Err(err).Str("content_hash", hash).Msg("compensating unpin failed; left for reconciliation")
	}
}

func (s *FileService) unpinIfUnreferenced(ctx context.Context, hash string) error {
	referenced, err := s.files.HashReferenced(ctx, hash)
	if err != nil {
		return fmt.Errorf("check hash references: %w", err)
	}
	if referenced {
		return nil
	}
	if err := s.blobs.Unpin(ctx, hash); err != nil {
		blobErrorsTotal.WithLabelValues("unpin").Inc()
		return err
	}
	return nil
}

// Download 鉴权后读取内容，返回的 ReadCloser 由调用方关闭。
func (s *FileService) Download(ctx context.Context, callerID, fileID string) (*repository.FileRecord, io.ReadCloser, error) {
	file, err := s.load(ctx, fileID)
	if err != nil {
		downloadsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, nil, err
	}
	if err := Authorize(file, callerID, ActionDownload, s.now()); err != nil {
		downloadsTotal.WithLabelValues(resultLabel(err)).Inc()
		return nil, nil, err
	}

	rc, err := s.blobs.Fetch(ctx, file.ContentHash)
	if err != nil {
		blobErrorsTotal.WithLabelValues("fetch").Inc()
		downloadsTotal.WithLabelValues("upstream_error").Inc()
		s.log(ctx).Error().Err(err).Str("file_id", fileID).Str("content_hash", file.ContentHash).Msg("blob store fetch failed")
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, Upstream("content unavailable", err)
		}
		return nil, nil, Upstream("download failed", err)
	}

	if file.Encryption != nil {
		rc, err = s.open(rc, file.Encryption)
		if err != nil {
			downloadsTotal.WithLabelValues("error").Inc()
			return nil, nil, err
		}
	}

	if err := s.files.RecordAccess(ctx, fileID, repository.AccessDownload, s.now()); err != nil {
		s.log(ctx).Warn().Err(err).Str("file_id", fileID).Msg("record download")
	}
	downloadsTotal.WithLabelValues("success").Inc()
	return VisibleTo(file, callerID), rc, nil
}

func (s *FileService) open(rc io.ReadCloser, enc *repository.Encryption) (io.ReadCloser, error) {
	defer rc.Close()
	if s.sealer == nil {
		return nil, errors.New("file is encrypted but no encryption key is configured")
	}
	ciphertext, err := io.ReadAll(rc)
	if err != nil {
		return nil, Upstream("download failed", err)
	}
	plaintext, err := s.sealer.Open(ciphertext, cryptox.Params{
		Algorithm: enc.Algorithm,
		Salt:      enc.Salt,
		Nonce:     enc.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("decrypt content: %w", err)
	}
	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

// Get 返回 caller 可见的元数据，并递增浏览计数。
func (s *FileService) Get(ctx context.Context, callerID, fileID string) (*repository.FileRecord, error) {
	file, err := s.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(file, callerID, ActionView, s.now()); err != nil {
		return nil, err
	}
	if err := s.files.RecordAccess(ctx, fileID, repository.AccessView, s.now()); err != nil {
		s.log(ctx).Warn().Err(err).Str("file_id", fileID).Msg("record view")
	}
	return VisibleTo(file, callerID), nil
}

// Authorized 加载文件并校验 caller 的访问权限，不修改计数。
func (s *FileService) Authorized(ctx context.Context, callerID, fileID string, action Action) (*repository.FileRecord, error) {
	file, err := s.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(file, callerID, action, s.now()); err != nil {
		return nil, err
	}
	return file, nil
}

// ListQuery 是文件列表的检索条件。
type ListQuery struct {
	Status string
	Search string
	Tags   []string
	Limit  int
	Offset int
}

// Page 是分页结果。
type Page struct {
	Items  []repository.FileRecord `json:"items"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// List 列出 caller 自己的文件。
func (s *FileService) List(ctx context.Context, callerID string, q ListQuery) (*Page, error) {
	if callerID == "" {
		return nil, Unauthenticated("authentication required")
	}
	statuses, err := parseStatusFilter(q.Status)
	if err != nil {
		return nil, err
	}
	params := repository.ListFilesParams{
		OwnerID:  callerID,
		Statuses: statuses,
		Search:   strings.TrimSpace(q.Search),
		Tags:     q.Tags,
	}
	return s.page(ctx, params, q, callerID)
}

// ListPublic 列出公开且处于 active 状态的文件。
func (s *FileService) ListPublic(ctx context.Context, q ListQuery) (*Page, error) {
	params := repository.ListFilesParams{
		Visibility: repository.VisibilityPublic,
		Statuses:   []repository.FileStatus{repository.FileStatusActive},
		Search:     strings.TrimSpace(q.Search),
		Tags:       q.Tags,
	}
	return s.page(ctx, params, q, "")
}

func (s *FileService) page(ctx context.Context, params repository.ListFilesParams, q ListQuery, callerID string) (*Page, error) {
	limit, offset, err := normalizePage(q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	params.Limit, params.Offset = limit, offset

	total, err := s.files.Count(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("count files: %w", err)
	}
	items, err := s.files.List(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	for i := range items {
		items[i] = *VisibleTo(&items[i], callerID)
	}
	if items == nil {
		items = []repository.FileRecord{}
	}
	return &Page{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// MetadataInput 是元数据的局部修改，nil 字段保持不变。
type MetadataInput struct {
	DisplayName *string
	Description *string
	Tags        *[]string
	Visibility  *repository.Visibility
	Status      *repository.FileStatus
	Properties  *repository.FileProperties
}

// UpdateMetadata 修改描述、标签、可见性或归档状态，仅所有者可用。
func (s *FileService) UpdateMetadata(ctx context.Context, callerID, fileID string, in MetadataInput) (*repository.FileRecord, error) {
	file, err := s.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(file, callerID); err != nil {
		return nil, err
	}

	update := repository.FileUpdate{
		Description: in.Description,
		Visibility:  in.Visibility,
		Properties:  in.Properties,
		UpdatedAt:   s.now(),
	}
	if in.DisplayName != nil {
		name, err := validateDisplayName(*in.DisplayName)
		if err != nil {
			return nil, err
		}
		update.DisplayName = &name
	}
	if in.Description != nil {
		d := strings.TrimSpace(*in.Description)
		update.Description = &d
	}
	if in.Tags != nil {
		tags, err := normalizeTags(*in.Tags)
		if err != nil {
			return nil, err
		}
		update.Tags = &tags
	}
	if in.Visibility != nil && !in.Visibility.Valid() {
		return nil, Invalidf("invalid visibility %q", *in.Visibility)
	}
	if in.Status != nil {
		if *in.Status != repository.FileStatusActive && *in.Status != repository.FileStatusArchived {
			return nil, Invalid("status must be active or archived")
		}
		update.Status = in.Status
	}

	updated, err := s.files.UpdateMetadata(ctx, fileID, update)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NotFound("file not found")
		}
		return nil, fmt.Errorf("update metadata: %w", err)
	}
	s.notify(ctx, fileID)
	return updated, nil
}

// FileAnalytics 是单个文件的访问统计。
type FileAnalytics struct {
	FileID           string                         `json:"file_id"`
	Version          int                            `json:"version"`
	Size             int64                          `json:"size"`
	ViewCount        int64                          `json:"view_count"`
	DownloadCount    int64                          `json:"download_count"`
	LastViewedAt     *time.Time                     `json:"last_viewed_at,omitempty"`
	LastDownloadedAt *time.Time                     `json:"last_downloaded_at,omitempty"`
	Shares           map[repository.ShareStatus]int `json:"shares"`
	ExpiredShares    int                            `json:"expired_shares"`
	CreatedAt        time.Time                      `json:"created_at"`
}

// Analytics 返回访问计数与分享概况，仅所有者可用。
func (s *FileService) Analytics(ctx context.Context, callerID, fileID string) (*FileAnalytics, error) {
	file, err := s.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(file, callerID); err != nil {
		return nil, err
	}

	now := s.now()
	out := &FileAnalytics{
		FileID:           file.ID,
		Version:          file.Version,
		Size:             file.Size,
		ViewCount:        file.Stats.ViewCount,
		DownloadCount:    file.Stats.DownloadCount,
		LastViewedAt:     file.Stats.LastViewedAt,
		LastDownloadedAt: file.Stats.LastDownloadedAt,
		Shares: map[repository.ShareStatus]int{
			repository.ShareStatusPending:  0,
			repository.ShareStatusAccepted: 0,
			repository.ShareStatusDeclined: 0,
		},
		CreatedAt: file.CreatedAt,
	}
	for _, sh := range file.Shares {
		out.Shares[sh.Status]++
		if sh.Status == repository.ShareStatusAccepted && sh.Expired(now) {
			out.ExpiredShares++
		}
	}
	return out, nil
}

// DeleteResult 报告删除后未能完成的清理。
type DeleteResult struct {
	FileID   string   `json:"file_id"`
	Warnings []string `json:"warnings,omitempty"`
}

// Delete 先删除元数据（以此为准），再尽力回收内容；回收失败只产生警告。
func (s *FileService) Delete(ctx context.Context, callerID, fileID string) (*DeleteResult, error) {
	file, err := s.load(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(file, callerID); err != nil {
		return nil, err
	}

	if err := s.files.Delete(ctx, fileID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NotFound("file not found")
		}
		return nil, fmt.Errorf("delete file record: %w", err)
	}

	if err := s.users.AdjustStorageStats(ctx, file.OwnerID, -1, -file.Size); err != nil {
		s.log(ctx).Warn().Err(err).Str("user_id", file.OwnerID).Msg("adjust storage stats after delete")
	}

	result := &DeleteResult{FileID: fileID}
	for _, hash := range file.ContentHashes() {
		if err := s.unpinIfUnreferenced(ctx, hash); err != nil {
			s.log(ctx).Warn().Err(err).Str("file_id", fileID).Str("content_hash", hash).Msg("unpin after delete failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("content %s could not be unpinned and will be cleaned up later", hash))
		}
	}

	s.notify(ctx, fileID)
	return result, nil
}

func (s *FileService) load(ctx context.Context, fileID string) (*repository.FileRecord, error) {
	if strings.TrimSpace(fileID) == "" {
		return nil, NotFound("file not found")
	}
	file, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NotFound("file not found")
		}
		return nil, fmt.Errorf("load file: %w", err)
	}
	return file, nil
}

func validateDisplayName(raw string) (string, error) {
	name := strings.TrimSpace(filepath.Base(strings.ReplaceAll(raw, "\\", "/")))
	switch {
	case name == "" || name == "." || name == "/":
		return "", Invalid("display name is required")
	case len(name) > maxDisplayNameLength:
		return "", Invalidf("display name exceeds %d characters", maxDisplayNameLength)
	}
	return name, nil
}

func normalizeTags(raw []string) ([]string, error) {
	tags := make([]string, 0, len(raw))
	seen := map[string]struct{}{}
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if len(t) > maxTagLength {
			return nil, Invalidf("tag %q exceeds %d characters", t, maxTagLength)
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		tags = append(tags, t)
	}
	if len(tags) > maxTags {
		return nil, Invalidf("at most %d tags are allowed", maxTags)
	}
	return tags, nil
}

func resolveMediaType(declared, name string) string {
	if mt, _, err := mime.ParseMediaType(strings.TrimSpace(declared)); err == nil && mt != fallbackMediaType {
		return mt
	}
	if mt := mime.TypeByExtension(filepath.Ext(name)); mt != "" {
		if parsed, _, err := mime.ParseMediaType(mt); err == nil {
			return parsed
		}
	}
	return fallbackMediaType
}

func extensionOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func parseStatusFilter(raw string) ([]repository.FileStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(repository.FileStatusActive):
		return []repository.FileStatus{repository.FileStatusActive}, nil
	case string(repository.FileStatusArchived):
		return []repository.FileStatus{repository.FileStatusArchived}, nil
	case "all":
		return []repository.FileStatus{repository.FileStatusActive, repository.FileStatusArchived}, nil
	}
	return nil, Invalidf("invalid status filter %q", raw)
}

func normalizePage(limit, offset int) (int, int, error) {
	if limit < 0 || offset < 0 {
		return 0, 0, Invalid("limit and offset must be non-negative")
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit, offset, nil
}

func resultLabel(err error) string {
	switch KindOf(err) {
	case KindUpstreamFailure:
		return "upstream_error"
	case KindValidationFailure:
		return "invalid"
	case KindNotFound:
		return "not_found"
	case KindForbidden, KindUnauthenticated:
		return "denied"
	case KindConflict:
		return "conflict"
	}
	return "error"
}

// maxBytesReader 在读取超过上限时返回 errPayloadTooLarge。
type maxBytesReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (m *maxBytesReader) Read(p []byte) (int, error) {
	if m.remaining < 0 {
		m.exceeded = true
		return 0, errPayloadTooLarge
	}
	if int64(len(p)) > m.remaining+1 {
		p = p[:m.remaining+1]
	}
	n, err := m.r.Read(p)
	m.remaining -= int64(n)
	if m.remaining < 0 {
		m.exceeded = true
		return n - 1, errPayloadTooLarge
	}
	return n, err
}
