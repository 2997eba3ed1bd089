package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"decendata/internal/repository"
)

const (
	DefaultBcryptCost   = 12
	minPasswordLength   = 6
	maxPasswordBytes    = 72
	maxNameLength       = 100
	dashboardRecent     = 5
	dashboardPageSize   = 100
	defaultLockAttempts = 5
	defaultLockDuration = 2 * time.Hour
)

// dummyHash 用于未知邮箱时做一次等价的比较。
var dummyHash = []byte("$2a$12$C6UzMDM.H6dfI/f/IKcEeO5gQn0q6G3pTQ5Bx1d6ZlE3t5GQnh5Pe")

// TokenIssuer 为登录成功的用户签发访问令牌。
type TokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
}

// UserService 处理注册、登录与个人资料。
type UserService struct {
	users  repository.UserRepository
	files  repository.FileRepository
	tokens TokenIssuer
	lock   repository.LockPolicy
	cost   int
	logger zerolog.Logger
	now    func() time.Time
}

// UserOption 定制 UserService。
type UserOption func(*UserService)

// WithBcryptCost 设置密码哈希强度，测试中可调低。
func WithBcryptCost(cost int) UserOption {
	return func(s *UserService) { s.cost = cost }
}

// WithLockPolicy 设置登录失败锁定规则。
func WithLockPolicy(p repository.LockPolicy) UserOption {
	return func(s *UserService) { s.lock = p }
}

func WithUserLogger(l zerolog.Logger) UserOption {
	return func(s *UserService) { s.logger = l }
}

func WithUserClock(now func() time.Time) UserOption {
	return func(s *UserService) { s.now = now }
}

func NewUserService(users repository.UserRepository, files repository.FileRepository, tokens TokenIssuer, opts ...UserOption) *UserService {
	s := &UserService{
		users:  users,
		files:  files,
		tokens: tokens,
		lock:   repository.LockPolicy{MaxAttempts: defaultLockAttempts, LockFor: defaultLockDuration},
		cost:   DefaultBcryptCost,
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterInput 是注册请求。
type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

// Register 创建账户，邮箱重复返回 Conflict。
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*repository.User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		return nil, Invalid("name is required")
	case len(name) > maxNameLength:
		return nil, Invalidf("name exceeds %d characters", maxNameLength)
	case len(in.Password) < minPasswordLength:
		return nil, Invalidf("password must be at least %d characters", minPasswordLength)
	case len(in.Password) > maxPasswordBytes:
		return nil, Invalidf("password must be at most %d bytes", maxPasswordBytes)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	user, err := s.users.Create(ctx, &repository.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Preferences:  repository.DefaultPreferences(),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, Conflict("email is already registered")
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	loggerFrom(ctx, &s.logger).Info().Str("user_id", user.ID).Msg("user registered")
	return user, nil
}

// AuthResult 是登录成功的返回值。
type AuthResult struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
	User      *repository.User `json:"user"`
}

// Login 校验密码并签发令牌；连续失败达到上限后账户被锁定。
func (s *UserService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, Invalid("email and password are required")
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, Unauthenticated("invalid email or password")
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	now := s.now()
	if user.Locked(now) {
		return nil, Forbidden("account is temporarily locked after too many failed attempts")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		updated, recErr := s.users.RecordLoginFailure(ctx, user.ID, s.lock, now)
		if recErr != nil {
			loggerFrom(ctx, &s.logger).Warn().Err(recErr).Str("user_id", user.ID).Msg("record login failure")
		} else if updated.Locked(now) {
			loggerFrom(ctx, &s.logger).Warn().Str("user_id", user.ID).Time("lock_until", *updated.LockUntil).Msg("account locked")
		}
		return nil, Unauthenticated("invalid email or password")
	}

	if err := s.users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		loggerFrom(ctx, &s.logger).Warn().Err(err).Str("user_id", user.ID).Msg("record login success")
	}
	user.LoginAttempts = 0
	user.LockUntil = nil
	user.LastLoginAt = &now

	token, expiresAt, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &AuthResult{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

// Me 返回当前用户。
func (s *UserService) Me(ctx context.Context, callerID string) (*repository.User, error) {
	if callerID == "" {
		return nil, Unauthenticated("authentication required")
	}
	user, err := s.users.GetByID(ctx, callerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NotFound("user not found")
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

// PreferencesInput 是偏好的局部修改。
type PreferencesInput struct {
	AIAnalysisEnabled    *bool
	AutoEncryptSensitive *bool
	ShareNotifications   *bool
	Theme                *repository.Theme
}

// ProfileInput 是资料的局部修改。
type ProfileInput struct {
	Name        *string
	Preferences *PreferencesInput
}

// UpdateProfile 修改姓名或偏好。
func (s *UserService) UpdateProfile(ctx context.Context, callerID string, in ProfileInput) (*repository.User, error) {
	current, err := s.Me(ctx, callerID)
	if err != nil {
		return nil, err
	}

	update := repository.UserUpdate{UpdatedAt: s.now()}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" || len(name) > maxNameLength {
			return nil, Invalidf("name must be between 1 and %d characters", maxNameLength)
		}
		update.Name = &name
	}
	if p := in.Preferences; p != nil {
		prefs := current.Preferences
		if p.AIAnalysisEnabled != nil {
			prefs.AIAnalysisEnabled = *p.AIAnalysisEnabled
		}
		if p.AutoEncryptSensitive != nil {
			prefs.AutoEncryptSensitive = *p.AutoEncryptSensitive
		}
		if p.ShareNotifications != nil {
			prefs.ShareNotifications = *p.ShareNotifications
		}
		if p.Theme != nil {
			if !p.Theme.Valid() {
				return nil, Invalidf("invalid theme %q", *p.Theme)
			}
			prefs.Theme = *p.Theme
		}
		update.Preferences = &prefs
	}

	user, err := s.users.UpdateProfile(ctx, callerID, update)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NotFound("user not found")
		}
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return user, nil
}

// SetWallet 绑定钱包地址（只校验格式），空字符串表示解绑。
func (s *UserService) SetWallet(ctx context.Context, callerID, wallet string) (*repository.User, error) {
	if callerID == "" {
		return nil, Unauthenticated("authentication required")
	}
	var addr *string
	if w := strings.TrimSpace(wallet); w != "" {
		if !walletPattern.MatchString(w) {
			return nil, Invalid("wallet address must be 0x followed by 40 hex characters")
		}
		lower := strings.ToLower(w)
		addr = &lower
	}

	user, err := s.users.SetWallet(ctx, callerID, addr, s.now())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicate):
			return nil, Conflict("wallet address is already linked to another account")
		case errors.Is(err, repository.ErrNotFound):
			return nil, NotFound("user not found")
		}
		return nil, fmt.Errorf("set wallet: %w", err)
	}
	return user, nil
}

// Stats 返回缓存的存储用量。
func (s *UserService) Stats(ctx context.Context, callerID string) (*repository.StorageStats, error) {
	user, err := s.Me(ctx, callerID)
	if err != nil {
		return nil, err
	}
	stats := user.StorageStats
	return &stats, nil
}

// Dashboard 是根据文件实时计算的概览。
type Dashboard struct {
	TotalFiles     int                     `json:"total_files"`
	TotalSize      int64                   `json:"total_size"`
	TotalDownloads int64                   `json:"total_downloads"`
	TotalViews     int64                   `json:"total_views"`
	PublicFiles    int                     `json:"public_files"`
	SharedByMe     int                     `json:"shared_by_me"`
	SharedWithMe   int                     `json:"shared_with_me"`
	PendingInvites int                     `json:"pending_invites"`
	AverageSize    int64                   `json:"average_size"`
	ByMediaType    map[string]int          `json:"by_media_type"`
	RecentFiles    []repository.FileRecord `json:"recent_files"`
}

// Dashboard 汇总 caller 的 active 与 archived 文件。
func (s *UserService) Dashboard(ctx context.Context, callerID string) (*Dashboard, error) {
	if callerID == "" {
		return nil, Unauthenticated("authentication required")
	}

	files, err := s.allOwnedFiles(ctx, callerID)
	if err != nil {
		return nil, err
	}

	d := &Dashboard{ByMediaType: map[string]int{}, RecentFiles: []repository.FileRecord{}}
	for i := range files {
		f := &files[i]
		d.TotalFiles++
		d.TotalSize += f.Size
		d.TotalDownloads += f.Stats.DownloadCount
		d.TotalViews += f.Stats.ViewCount
		if f.Visibility == repository.VisibilityPublic {
			d.PublicFiles++
		}
		for _, sh := range f.Shares {
			if sh.Status != repository.ShareStatusDeclined {
				d.SharedByMe++
				break
			}
		}
		d.ByMediaType[mediaFamily(f.MediaType)]++
		if len(d.RecentFiles) < dashboardRecent {
			d.RecentFiles = append(d.RecentFiles, *f)
		}
	}
	if d.TotalFiles > 0 {
		d.AverageSize = d.TotalSize / int64(d.TotalFiles)
	}

	now := s.now()
	d.SharedWithMe, err = s.files.Count(ctx, repository.ListFilesParams{
		Statuses:      []repository.FileStatus{repository.FileStatusActive, repository.FileStatusArchived},
		SharedWith:    callerID,
		ShareStatus:   repository.ShareStatusAccepted,
		ShareActiveAt: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("count shared files: %w", err)
	}
	d.PendingInvites, err = s.files.Count(ctx, repository.ListFilesParams{
		Statuses:    []repository.FileStatus{repository.FileStatusActive, repository.FileStatusArchived},
		SharedWith:  callerID,
		ShareStatus: repository.ShareStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("count invitations: %w", err)
	}
	return d, nil
}

func (s *UserService) allOwnedFiles(ctx context.Context, ownerID string) ([]repository.FileRecord, error) {
	params := repository.ListFilesParams{
		OwnerID:  ownerID,
		Statuses: []repository.FileStatus{repository.FileStatusActive, repository.FileStatusArchived},
		Limit:    dashboardPageSize,
	}
	var all []repository.FileRecord
	for {
		page, err := s.files.List(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}
		all = append(all, page...)
		if len(page) < params.Limit {
			return all, nil
		}
		params.Offset += params.Limit
	}
}

// mediaFamily 取媒体类型的主类型，如 image/png 归为 image。
func mediaFamily(mediaType string) string {
	family, _, _ := strings.Cut(mediaType, "/")
	if family == "" {
		return "other"
	}
	return family
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", Invalid("a valid email address is required")
	}
	return email, nil
}
