package repository

import (
	"context"
	"time"
)

// Theme 是界面主题偏好。
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
	ThemeAuto  Theme = "auto"
)

// Valid 判断主题取值是否合法。
func (t Theme) Valid() bool {
	return t == ThemeLight || t == ThemeDark || t == ThemeAuto
}

// Preferences 是用户偏好设置。
type Preferences struct {
	AIAnalysisEnabled    bool  `json:"ai_analysis_enabled" bson:"ai_analysis_enabled"`
	AutoEncryptSensitive bool  `json:"auto_encrypt_sensitive" bson:"auto_encrypt_sensitive"`
	ShareNotifications   bool  `json:"share_notifications" bson:"share_notifications"`
	Theme                Theme `json:"theme" bson:"theme"`
}

// DefaultPreferences 返回新用户的默认偏好。
func DefaultPreferences() Preferences {
	return Preferences{
		AIAnalysisEnabled:    true,
		AutoEncryptSensitive: true,
		ShareNotifications:   true,
		Theme:                ThemeAuto,
	}
}

// StorageStats 是缓存的存储用量，可能与实际文件存在偏差。
type StorageStats struct {
	TotalFiles int64 `json:"total_files" bson:"total_files"`
	TotalSize  int64 `json:"total_size" bson:"total_size"`
}

// User 代表一个账户。
type User struct {
	ID            string       `json:"id" bson:"_id"`
	Email         string       `json:"email" bson:"email"`
	Name          string       `json:"name" bson:"name"`
	PasswordHash  string       `json:"-" bson:"password_hash"`
	WalletAddress *string      `json:"wallet_address,omitempty" bson:"wallet_address,omitempty"`
	Preferences   Preferences  `json:"preferences" bson:"preferences"`
	StorageStats  StorageStats `json:"storage_stats" bson:"storage_stats"`
	LoginAttempts int          `json:"-" bson:"login_attempts"`
	LockUntil     *time.Time   `json:"-" bson:"lock_until,omitempty"`
	LastLoginAt   *time.Time   `json:"last_login_at,omitempty" bson:"last_login_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" bson:"updated_at"`
}

// Locked 判断账户在 now 时刻是否被锁定。
func (u *User) Locked(now time.Time) bool {
	return u.LockUntil != nil && now.Before(*u.LockUntil)
}

// UserUpdate 描述资料的局部更新。
type UserUpdate struct {
	Name        *string
	Preferences *Preferences
	UpdatedAt   time.Time
}

// LockPolicy 描述连续登录失败的锁定规则。
type LockPolicy struct {
	MaxAttempts int
	LockFor     time.Duration
}

// UserSearch 是按邮箱或姓名模糊查找用户的条件。
type UserSearch struct {
	Query     string
	ExcludeID string
	Limit     int
}

// UserRepository 统一用户持久层接口。
type UserRepository interface {
	// Create 插入用户，邮箱或钱包重复时返回 ErrDuplicate。
	Create(ctx context.Context, user *User) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByWallet(ctx context.Context, wallet string) (*User, error)
	UpdateProfile(ctx context.Context, id string, update UserUpdate) (*User, error)
	// SetWallet 绑定或清除（nil）钱包地址，重复时返回 ErrDuplicate。
	SetWallet(ctx context.Context, id string, wallet *string, at time.Time) (*User, error)
	// AdjustStorageStats 原子增减存储用量。
	AdjustStorageStats(ctx context.Context, id string, deltaFiles, deltaSize int64) error
	SetStorageStats(ctx context.Context, id string, stats StorageStats) error
	// RecordLoginFailure 递增失败次数，达到上限时锁定账户；锁已过期则重新计数。
	RecordLoginFailure(ctx context.Context, id string, policy LockPolicy, now time.Time) (*User, error)
	RecordLoginSuccess(ctx context.Context, id string, at time.Time) error
	ListIDs(ctx context.Context) ([]string, error)
	// Search 不区分大小写匹配邮箱或姓名，按姓名、邮箱排序。
	Search(ctx context.Context, params UserSearch) ([]User, error)
}
