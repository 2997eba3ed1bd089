package repository

import (
	"context"
	"time"
)

// FileStatus 描述文件生命周期。
type FileStatus string

const (
	FileStatusUploading FileStatus = "uploading"
	FileStatusActive    FileStatus = "active"
	FileStatusArchived  FileStatus = "archived"
	FileStatusDeleted   FileStatus = "deleted"
)

// Valid 判断状态取值是否合法。
func (s FileStatus) Valid() bool {
	switch s {
	case FileStatusUploading, FileStatusActive, FileStatusArchived, FileStatusDeleted:
		return true
	}
	return false
}

// Visibility 控制匿名访问。
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Valid 判断可见性取值是否合法。
func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityPublic
}

// Permission 是分享授予的权限级别，按 view < download < share 排序。
type Permission string

const (
	PermissionView     Permission = "view"
	PermissionDownload Permission = "download"
	PermissionShare    Permission = "share"
)

// Rank 返回权限的序号，非法取值为 0。
func (p Permission) Rank() int {
	switch p {
	case PermissionView:
		return 1
	case PermissionDownload:
		return 2
	case PermissionShare:
		return 3
	}
	return 0
}

// Valid 判断权限取值是否合法。
func (p Permission) Valid() bool {
	return p.Rank() > 0
}

// ShareStatus 描述邀请状态机。
type ShareStatus string

const (
	ShareStatusPending  ShareStatus = "pending"
	ShareStatusAccepted ShareStatus = "accepted"
	ShareStatusDeclined ShareStatus = "declined"
)

// FileProperties 是上传者填写的附加属性。
type FileProperties struct {
	Author    string `json:"author,omitempty" bson:"author,omitempty"`
	Project   string `json:"project,omitempty" bson:"project,omitempty"`
	License   string `json:"license,omitempty" bson:"license,omitempty"`
	SourceURL string `json:"source_url,omitempty" bson:"source_url,omitempty"`
}

// FileMetadata 是用户可编辑的描述信息。
type FileMetadata struct {
	Description string         `json:"description" bson:"description"`
	Tags        []string       `json:"tags" bson:"tags"`
	Properties  FileProperties `json:"properties" bson:"properties"`
}

// Encryption 记录静态加密参数，盐与随机数不对外输出。
type Encryption struct {
	Algorithm string `json:"algorithm" bson:"algorithm"`
	Salt      []byte `json:"-" bson:"salt"`
	Nonce     []byte `json:"-" bson:"nonce"`
}

// FileVersion 是被替换内容的历史记录。
type FileVersion struct {
	Version     int       `json:"version" bson:"version"`
	ContentHash string    `json:"content_hash" bson:"content_hash"`
	Size        int64     `json:"size" bson:"size"`
	UploadedAt  time.Time `json:"uploaded_at" bson:"uploaded_at"`
	Changes     string    `json:"changes,omitempty" bson:"changes,omitempty"`
}

// Share 是文件上的一条邀请。
type Share struct {
	ID          string      `json:"id" bson:"id"`
	RecipientID string      `json:"recipient_id" bson:"recipient_id"`
	InvitedBy   string      `json:"invited_by" bson:"invited_by"`
	Permission  Permission  `json:"permission" bson:"permission"`
	Status      ShareStatus `json:"status" bson:"status"`
	InvitedAt   time.Time   `json:"invited_at" bson:"invited_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty" bson:"responded_at,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	Message     string      `json:"message,omitempty" bson:"message,omitempty"`
}

// Expired 判断分享在 now 时刻是否已过期。
func (s Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// FileStats 是访问计数。
type FileStats struct {
	ViewCount        int64      `json:"view_count" bson:"view_count"`
	DownloadCount    int64      `json:"download_count" bson:"download_count"`
	LastViewedAt     *time.Time `json:"last_viewed_at,omitempty" bson:"last_viewed_at,omitempty"`
	LastDownloadedAt *time.Time `json:"last_downloaded_at,omitempty" bson:"last_downloaded_at,omitempty"`
}

// Annotation 是模型或启发式规则生成的建议性结果，从不参与鉴权。
type Annotation struct {
	Kind            string    `json:"kind" bson:"kind"`
	Summary         string    `json:"summary,omitempty" bson:"summary,omitempty"`
	Tags            []string  `json:"tags,omitempty" bson:"tags,omitempty"`
	Category        string    `json:"category,omitempty" bson:"category,omitempty"`
	Sensitivity     string    `json:"sensitivity,omitempty" bson:"sensitivity,omitempty"`
	RiskLevel       string    `json:"risk_level,omitempty" bson:"risk_level,omitempty"`
	Insights        []string  `json:"insights,omitempty" bson:"insights,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty" bson:"recommendations,omitempty"`
	Source          string    `json:"source" bson:"source"`
	Model           string    `json:"model,omitempty" bson:"model,omitempty"`
	GeneratedAt     time.Time `json:"generated_at" bson:"generated_at"`
}

// Annotations 汇总各类标注。
type Annotations struct {
	Analysis *Annotation `json:"analysis,omitempty" bson:"analysis,omitempty"`
	Security *Annotation `json:"security,omitempty" bson:"security,omitempty"`
}

// FileRecord 代表一份已存储文件的元数据。
type FileRecord struct {
	ID          string        `json:"id" bson:"_id"`
	OwnerID     string        `json:"owner_id" bson:"owner_id"`
	ContentHash string        `json:"content_hash" bson:"content_hash"`
	Size        int64         `json:"size" bson:"size"`
	MediaType   string        `json:"media_type" bson:"media_type"`
	DisplayName string        `json:"display_name" bson:"display_name"`
	Extension   string        `json:"extension,omitempty" bson:"extension,omitempty"`
	Visibility  Visibility    `json:"visibility" bson:"visibility"`
	Status      FileStatus    `json:"status" bson:"status"`
	Metadata    FileMetadata  `json:"metadata" bson:"metadata"`
	Encryption  *Encryption   `json:"encryption,omitempty" bson:"encryption,omitempty"`
	Version     int           `json:"version" bson:"version"`
	Versions    []FileVersion `json:"versions" bson:"versions"`
	Shares      []Share       `json:"shares" bson:"shares"`
	Stats       FileStats     `json:"stats" bson:"stats"`
	Annotations Annotations   `json:"annotations" bson:"annotations"`
	CreatedAt   time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" bson:"updated_at"`
}

// LatestShare 返回 recipientID 最近的一条邀请（任意状态）。
func (f *FileRecord) LatestShare(recipientID string) *Share {
	for i := len(f.Shares) - 1; i >= 0; i-- {
		if f.Shares[i].RecipientID == recipientID {
			return &f.Shares[i]
		}
	}
	return nil
}

// ActiveShare 返回 recipientID 未被拒绝的邀请，至多一条。
func (f *FileRecord) ActiveShare(recipientID string) *Share {
	for i := len(f.Shares) - 1; i >= 0; i-- {
		s := &f.Shares[i]
		if s.RecipientID == recipientID && s.Status != ShareStatusDeclined {
			return s
		}
	}
	return nil
}

// ContentHashes 返回当前及历史版本引用的全部内容哈希。
func (f *FileRecord) ContentHashes() []string {
	hashes := make([]string, 0, len(f.Versions)+1)
	seen := map[string]struct{}{}
	add := func(h string) {
		if h == "" {
			return
		}
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		hashes = append(hashes, h)
	}
	add(f.ContentHash)
	for _, v := range f.Versions {
		add(v.ContentHash)
	}
	return hashes
}

// ListFilesParams 用于分页检索文件。
type ListFilesParams struct {
	OwnerID    string
	Visibility Visibility
	Statuses   []FileStatus
	Search     string
	Tags       []string

	// SharedWith 非空时仅返回该用户持有 ShareStatus 状态邀请的文件。
	SharedWith  string
	ShareStatus ShareStatus
	// ShareActiveAt 非空时排除在该时刻已过期的邀请。
	ShareActiveAt *time.Time

	Limit  int
	Offset int
}

// FileUpdate 描述可选字段的局部更新，nil 表示不修改。
type FileUpdate struct {
	DisplayName *string
	Description *string
	Tags        *[]string
	Visibility  *Visibility
	Status      *FileStatus
	Properties  *FileProperties
	UpdatedAt   time.Time
}

// ContentUpdate 描述新版本内容，旧内容压入历史。
type ContentUpdate struct {
	ExpectedVersion int
	ContentHash     string
	Size            int64
	MediaType       string
	Encryption      *Encryption
	Changes         string
	UpdatedAt       time.Time
}

// AccessKind 区分浏览与下载计数。
type AccessKind string

const (
	AccessView     AccessKind = "view"
	AccessDownload AccessKind = "download"
)

// ContentRef 是元数据对某个内容哈希的引用。
type ContentRef struct {
	FileID      string
	OwnerID     string
	ContentHash string
	Current     bool
}

// FileRepository 统一文件元数据持久层接口。
type FileRepository interface {
	// Create 插入记录，内容哈希重复时返回 ErrDuplicate。
	Create(ctx context.Context, record *FileRecord) (*FileRecord, error)
	GetByID(ctx context.Context, id string) (*FileRecord, error)
	List(ctx context.Context, params ListFilesParams) ([]FileRecord, error)
	Count(ctx context.Context, params ListFilesParams) (int, error)
	UpdateMetadata(ctx context.Context, id string, update FileUpdate) (*FileRecord, error)
	// ReplaceContent 仅在当前版本等于 ExpectedVersion 时生效，否则返回 ErrConflict。
	ReplaceContent(ctx context.Context, id string, update ContentUpdate) (*FileRecord, error)
	Delete(ctx context.Context, id string) error
	// RecordAccess 原子递增计数并记录时间。
	RecordAccess(ctx context.Context, id string, kind AccessKind, at time.Time) error
	// AddShare 在该接收者已有未拒绝邀请时返回 ErrConflict。
	AddShare(ctx context.Context, fileID string, share Share) error
	// UpdateShareStatus 仅在邀请当前为 from 状态时迁移到 to，否则返回 ErrConflict。
	UpdateShareStatus(ctx context.Context, fileID, shareID string, from, to ShareStatus, at time.Time) error
	RemoveShare(ctx context.Context, fileID, shareID string) error
	SaveAnnotation(ctx context.Context, fileID string, annotation Annotation) error
	// HashReferenced 判断是否仍有记录（当前或历史版本）引用该哈希。
	HashReferenced(ctx context.Context, hash string) (bool, error)
	ListContentRefs(ctx context.Context) ([]ContentRef, error)
	// UsageByOwner 汇总 active 与 archived 文件的数量与大小。
	UsageByOwner(ctx context.Context) (map[string]StorageStats, error)
}
