package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"decendata/internal/repository"
)

// UserRepository 是进程内用户仓库。
type UserRepository struct {
	mu    sync.RWMutex
	users map[string]*repository.User
}

// NewUserRepository 创建空仓库。
func NewUserRepository() *UserRepository {
	return &UserRepository{users: make(map[string]*repository.User)}
}

var _ repository.UserRepository = (*UserRepository)(nil)

// Create 插入用户，邮箱与钱包地址唯一。
func (r *UserRepository) Create(_ context.Context, user *repository.User) (*repository.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.ID]; ok {
		return nil, repository.ErrDuplicate
	}
	if r.findByEmail(user.Email) != nil {
		return nil, repository.ErrDuplicate
	}
	if user.WalletAddress != nil && r.findByWallet(*user.WalletAddress) != nil {
		return nil, repository.ErrDuplicate
	}
	stored := cloneUser(user)
	r.users[stored.ID] = stored
	return cloneUser(stored), nil
}

// GetByID 按主键查询。
func (r *UserRepository) GetByID(_ context.Context, id string) (*repository.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneUser(u), nil
}

// GetByEmail 按邮箱查询（不区分大小写）。
func (r *UserRepository) GetByEmail(_ context.Context, email string) (*repository.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if u := r.findByEmail(email); u != nil {
		return cloneUser(u), nil
	}
	return nil, repository.ErrNotFound
}

// GetByWallet 按钱包地址查询（不区分大小写）。
func (r *UserRepository) GetByWallet(_ context.Context, wallet string) (*repository.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if u := r.findByWallet(wallet); u != nil {
		return cloneUser(u), nil
	}
	return nil, repository.ErrNotFound
}

func (r *UserRepository) findByEmail(email string) *repository.User {
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			return u
		}
	}
	return nil
}

func (r *UserRepository) findByWallet(wallet string) *repository.User {
	for _, u := range r.users {
		if u.WalletAddress != nil && strings.EqualFold(*u.WalletAddress, wallet) {
			return u
		}
	}
	return nil
}

// UpdateProfile 更新名称与偏好。
func (r *UserRepository) UpdateProfile(_ context.Context, id string, update repository.UserUpdate) (*repository.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if update.Name != nil {
		u.Name = *update.Name
	}
	if update.Preferences != nil {
		u.Preferences = *update.Preferences
	}
	u.UpdatedAt = update.UpdatedAt
	return cloneUser(u), nil
}

// SetWallet 绑定或清除钱包地址。
func (r *UserRepository) SetWallet(_ context.Context, id string, wallet *string, at time.Time) (*repository.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if wallet != nil {
		if other := r.findByWallet(*wallet); other != nil && other.ID != id {
			return nil, repository.ErrDuplicate
		}
		w := *wallet
		u.WalletAddress = &w
	} else {
		u.WalletAddress = nil
	}
	u.UpdatedAt = at
	return cloneUser(u), nil
}

// AdjustStorageStats 增减存储用量。
func (r *UserRepository) AdjustStorageStats(_ context.Context, id string, deltaFiles, deltaSize int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.StorageStats.TotalFiles += deltaFiles
	u.StorageStats.TotalSize += deltaSize
	return nil
}

// SetStorageStats 覆盖存储用量。
func (r *UserRepository) SetStorageStats(_ context.Context, id string, stats repository.StorageStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.StorageStats = stats
	return nil
}

// RecordLoginFailure 记录一次失败登录。
func (r *UserRepository) RecordLoginFailure(_ context.Context, id string, policy repository.LockPolicy, now time.Time) (*repository.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if u.Locked(now) {
		return cloneUser(u), nil
	}
	if u.LockUntil != nil {
		u.LockUntil = nil
		u.LoginAttempts = 0
	}
	u.LoginAttempts++
	if policy.MaxAttempts > 0 && u.LoginAttempts >= policy.MaxAttempts {
		until := now.Add(policy.LockFor)
		u.LockUntil = &until
	}
	u.UpdatedAt = now
	return cloneUser(u), nil
}

// RecordLoginSuccess 重置失败计数并记录登录时间。
func (r *UserRepository) RecordLoginSuccess(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	ts := at
	u.LoginAttempts = 0
	u.LockUntil = nil
	u.LastLoginAt = &ts
	return nil
}

// ListIDs 返回全部用户 ID。
func (r *UserRepository) ListIDs(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Search 按邮箱或姓名子串查找用户。
func (r *UserRepository) Search(_ context.Context, params repository.UserSearch) ([]repository.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q := strings.ToLower(params.Query)
	var out []repository.User
	for _, u := range r.users {
		if u.ID == params.ExcludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Email), q) || strings.Contains(strings.ToLower(u.Name), q) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Email < out[j].Email
	})
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}
