package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"decendata/internal/repository"
)

// FileRepository 是进程内实现，用于开发环境与测试，语义与持久化实现一致。
type FileRepository struct {
	mu     sync.RWMutex
	files  map[string]*repository.FileRecord
	byHash map[string]string
}

// NewFileRepository 创建空仓库。
func NewFileRepository() *FileRepository {
	return &FileRepository{
		files:  make(map[string]*repository.FileRecord),
		byHash: make(map[string]string),
	}
}

var _ repository.FileRepository = (*FileRepository)(nil)

// Create 插入记录。
func (r *FileRepository) Create(_ context.Context, record *repository.FileRecord) (*repository.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[record.ID]; ok {
		return nil, repository.ErrDuplicate
	}
	if _, ok := r.byHash[record.ContentHash]; ok {
		return nil, repository.ErrDuplicate
	}

	stored := cloneFile(record)
	r.files[stored.ID] = stored
	r.byHash[stored.ContentHash] = stored.ID
	return cloneFile(stored), nil
}

// GetByID 按主键查询。
func (r *FileRepository) GetByID(_ context.Context, id string) (*repository.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneFile(rec), nil
}

// List 按条件过滤，按创建时间倒序分页。
func (r *FileRepository) List(_ context.Context, params repository.ListFilesParams) ([]repository.FileRecord, error) {
	r.mu.RLock()
	matched := r.filter(params)
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	start := params.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	result := make([]repository.FileRecord, 0, end-start)
	for _, rec := range matched[start:end] {
		result = append(result, *rec)
	}
	return result, nil
}

// Count 返回满足条件的记录数。
func (r *FileRepository) Count(_ context.Context, params repository.ListFilesParams) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.filter(params)), nil
}

func (r *FileRepository) filter(params repository.ListFilesParams) []*repository.FileRecord {
	var out []*repository.FileRecord
	for _, rec := range r.files {
		if matches(rec, params) {
			out = append(out, cloneFile(rec))
		}
	}
	return out
}

func matches(rec *repository.FileRecord, params repository.ListFilesParams) bool {
	if params.OwnerID != "" && rec.OwnerID != params.OwnerID {
		return false
	}
	if params.Visibility != "" && rec.Visibility != params.Visibility {
		return false
	}
	if len(params.Statuses) > 0 {
		ok := false
		for _, s := range params.Statuses {
			if rec.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	} else if rec.Status == repository.FileStatusDeleted {
		return false
	}
	if params.Search != "" {
		needle := strings.ToLower(params.Search)
		if !strings.Contains(strings.ToLower(rec.DisplayName), needle) &&
			!strings.Contains(strings.ToLower(rec.Metadata.Description), needle) {
			return false
		}
	}
	for _, tag := range params.Tags {
		if !containsFold(rec.Metadata.Tags, tag) {
			return false
		}
	}
	if params.SharedWith != "" {
		ok := false
		for _, s := range rec.Shares {
			if s.RecipientID != params.SharedWith {
				continue
			}
			if params.ShareStatus != "" && s.Status != params.ShareStatus {
				continue
			}
			if params.ShareActiveAt != nil && s.Expired(*params.ShareActiveAt) {
				continue
			}
			ok = true
			break
		}
		if !ok {
			return false
		}
	}
	return true
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}

// UpdateMetadata 局部更新可编辑字段。
func (r *FileRepository) UpdateMetadata(_ context.Context, id string, update repository.FileUpdate) (*repository.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if update.DisplayName != nil {
		rec.DisplayName = *update.DisplayName
	}
	if update.Description != nil {
		rec.Metadata.Description = *update.Description
	}
	if update.Tags != nil {
		rec.Metadata.Tags = append([]string(nil), (*update.Tags)...)
	}
	if update.Visibility != nil {
		rec.Visibility = *update.Visibility
	}
	if update.Status != nil {
		rec.Status = *update.Status
	}
	if update.Properties != nil {
		rec.Metadata.Properties = *update.Properties
	}
	rec.UpdatedAt = update.UpdatedAt
	return cloneFile(rec), nil
}

// ReplaceContent 写入新版本并保留旧版本历史。
func (r *FileRepository) ReplaceContent(_ context.Context, id string, update repository.ContentUpdate) (*repository.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if rec.Version != update.ExpectedVersion {
		return nil, repository.ErrConflict
	}
	if owner, taken := r.byHash[update.ContentHash]; taken && owner != id {
		return nil, repository.ErrDuplicate
	}

	rec.Versions = append(rec.Versions, repository.FileVersion{
		Version:     rec.Version,
		ContentHash: rec.ContentHash,
		Size:        rec.Size,
		UploadedAt:  rec.UpdatedAt,
		Changes:     update.Changes,
	})
	delete(r.byHash, rec.ContentHash)
	rec.ContentHash = update.ContentHash
	rec.Size = update.Size
	if update.MediaType != "" {
		rec.MediaType = update.MediaType
	}
	rec.Encryption = cloneEncryption(update.Encryption)
	rec.Version++
	rec.UpdatedAt = update.UpdatedAt
	r.byHash[rec.ContentHash] = id
	return cloneFile(rec), nil
}

// Delete 硬删除记录。
func (r *FileRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.files[id]
	if !ok {
		return repository.ErrNotFound
	}
	delete(r.byHash, rec.ContentHash)
	delete(r.files, id)
	return nil
}

// RecordAccess 递增访问计数。
func (r *FileRepository) RecordAccess(_ context.Context, id string, kind repository.AccessKind, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.files[id]
	if !ok {
		return repository.ErrNotFound
	}
	ts := at
	switch kind {
	case repository.AccessDownload:
		rec.Stats.DownloadCount++
		rec.Stats.LastDownloadedAt = &ts
	default:
		rec.Stats.ViewCount++
		rec.Stats.LastViewedAt = &ts
	}
	return nil
}

// AddShare 追加邀请，同一接收者至多一条未拒绝邀请。
func (r *FileRepository) AddShare(_ context.Context, fileID string, share repository.Share) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	if rec.ActiveShare(share.RecipientID) != nil {
		return repository.ErrConflict
	}
	rec.Shares = append(rec.Shares, cloneShare(share))
	return nil
}

// UpdateShareStatus 条件迁移邀请状态。
func (r *FileRepository) UpdateShareStatus(_ context.Context, fileID, shareID string, from, to repository.ShareStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	for i := range rec.Shares {
		if rec.Shares[i].ID != shareID {
			continue
		}
		if rec.Shares[i].Status != from {
			return repository.ErrConflict
		}
		ts := at
		rec.Shares[i].Status = to
		rec.Shares[i].RespondedAt = &ts
		return nil
	}
	return repository.ErrConflict
}

// RemoveShare 删除邀请。
func (r *FileRepository) RemoveShare(_ context.Context, fileID, shareID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	for i := range rec.Shares {
		if rec.Shares[i].ID == shareID {
			rec.Shares = append(rec.Shares[:i], rec.Shares[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

// SaveAnnotation 覆盖同类标注。
func (r *FileRepository) SaveAnnotation(_ context.Context, fileID string, annotation repository.Annotation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	a := cloneAnnotation(&annotation)
	if annotation.Kind == "security" {
		rec.Annotations.Security = a
	} else {
		rec.Annotations.Analysis = a
	}
	return nil
}

// HashReferenced 判断哈希是否仍被引用。
func (r *FileRepository) HashReferenced(_ context.Context, hash string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.byHash[hash]; ok {
		return true, nil
	}
	for _, rec := range r.files {
		for _, v := range rec.Versions {
			if v.ContentHash == hash {
				return true, nil
			}
		}
	}
	return false, nil
}

// ListContentRefs 列出全部内容引用。
func (r *FileRepository) ListContentRefs(_ context.Context) ([]repository.ContentRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var refs []repository.ContentRef
	for _, rec := range r.files {
		refs = append(refs, repository.ContentRef{FileID: rec.ID, OwnerID: rec.OwnerID, ContentHash: rec.ContentHash, Current: true})
		for _, v := range rec.Versions {
			refs = append(refs, repository.ContentRef{FileID: rec.ID, OwnerID: rec.OwnerID, ContentHash: v.ContentHash})
		}
	}
	return refs, nil
}

// UsageByOwner 汇总每个用户的存储用量。
func (r *FileRepository) UsageByOwner(_ context.Context) (map[string]repository.StorageStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	usage := make(map[string]repository.StorageStats)
	for _, rec := range r.files {
		if rec.Status != repository.FileStatusActive && rec.Status != repository.FileStatusArchived {
			continue
		}
		s := usage[rec.OwnerID]
		s.TotalFiles++
		s.TotalSize += rec.Size
		usage[rec.OwnerID] = s
	}
	return usage, nil
}
