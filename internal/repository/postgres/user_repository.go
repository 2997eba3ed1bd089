package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"decendata/internal/repository"
)

// NewUserRepository 返回基于 *sql.DB 的用户仓库。
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// UserRepository 实现 repository.UserRepository。
type UserRepository struct {
	db *sql.DB
}

var _ repository.UserRepository = (*UserRepository)(nil)

var userSelectColumns = []string{
	"id",
	"email",
	"name",
	"password_hash",
	"wallet_address",
	"preferences",
	"total_files",
	"total_size",
	"login_attempts",
	"lock_until",
	"last_login_at",
	"created_at",
	"updated_at",
}

var userReturning = strings.Join(userSelectColumns, ",")

// Create 插入用户。
func (r *UserRepository) Create(ctx context.Context, user *repository.User) (*repository.User, error) {
	if user == nil {
		return nil, fmt.Errorf("user is nil")
	}
	prefs, err := json.Marshal(user.Preferences)
	if err != nil {
		return nil, fmt.Errorf("encode preferences: %w", err)
	}

	query := `INSERT INTO users (id, email, name, password_hash, wallet_address, preferences, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING ` + userReturning

	row := r.db.QueryRowContext(ctx, query,
		user.ID,
		strings.ToLower(user.Email),
		user.Name,
		user.PasswordHash,
		nullString(user.WalletAddress),
		prefs,
		user.CreatedAt,
		user.UpdatedAt,
	)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrDuplicate
		}
		return nil, err
	}
	return created, nil
}

// GetByID 按主键查询。
func (r *UserRepository) GetByID(ctx context.Context, id string) (*repository.User, error) {
	return r.getOne(ctx, `id = $1`, id)
}

// GetByEmail 按邮箱查询（不区分大小写）。
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*repository.User, error) {
	return r.getOne(ctx, `lower(email) = lower($1)`, email)
}

// GetByWallet 按钱包地址查询（不区分大小写）。
func (r *UserRepository) GetByWallet(ctx context.Context, wallet string) (*repository.User, error) {
	return r.getOne(ctx, `lower(wallet_address) = lower($1)`, wallet)
}

func (r *UserRepository) getOne(ctx context.Context, where string, arg any) (*repository.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE %s`, userReturning, where)
	user, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		return nil, notFoundOr(err)
	}
	return user, nil
}

// UpdateProfile 更新名称与偏好。
func (r *UserRepository) UpdateProfile(ctx context.Context, id string, update repository.UserUpdate) (*repository.User, error) {
	var prefs []byte
	if update.Preferences != nil {
		var err error
		if prefs, err = json.Marshal(update.Preferences); err != nil {
			return nil, fmt.Errorf("encode preferences: %w", err)
		}
	}

	query := `UPDATE users SET
		name = COALESCE($1, name),
		preferences = COALESCE($2::jsonb, preferences),
		updated_at = $3
	WHERE id = $4
	RETURNING ` + userReturning

	var prefArg any
	if prefs != nil {
		prefArg = string(prefs)
	}
	user, err := scanUser(r.db.QueryRowContext(ctx, query, nullString(update.Name), prefArg, update.UpdatedAt, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

// SetWallet 绑定或清除钱包地址。
func (r *UserRepository) SetWallet(ctx context.Context, id string, wallet *string, at time.Time) (*repository.User, error) {
	query := `UPDATE users SET wallet_address = $1, updated_at = $2 WHERE id = $3 RETURNING ` + userReturning
	user, err := scanUser(r.db.QueryRowContext(ctx, query, nullString(wallet), at, id))
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, repository.ErrNotFound
		case isUniqueViolation(err):
			return nil, repository.ErrDuplicate
		}
		return nil, err
	}
	return user, nil
}

// AdjustStorageStats 原子增减存储用量。
func (r *UserRepository) AdjustStorageStats(ctx context.Context, id string, deltaFiles, deltaSize int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET total_files = total_files + $1, total_size = total_size + $2 WHERE id = $3`,
		deltaFiles, deltaSize, id,
	)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// SetStorageStats 覆盖存储用量。
func (r *UserRepository) SetStorageStats(ctx context.Context, id string, stats repository.StorageStats) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET total_files = $1, total_size = $2 WHERE id = $3`,
		stats.TotalFiles, stats.TotalSize, id,
	)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// RecordLoginFailure 在单条语句中递增失败次数并按策略加锁。
func (r *UserRepository) RecordLoginFailure(ctx context.Context, id string, policy repository.LockPolicy, now time.Time) (*repository.User, error) {
	// SET 子句中引用的列均为更新前的值
	query := `UPDATE users SET
		login_attempts = CASE
			WHEN lock_until IS NOT NULL AND lock_until > $2 THEN login_attempts
			WHEN lock_until IS NOT NULL THEN 1
			ELSE login_attempts + 1 END,
		lock_until = CASE
			WHEN lock_until IS NOT NULL AND lock_until > $2 THEN lock_until
			WHEN $3 > 0 AND (CASE WHEN lock_until IS NOT NULL THEN 1 ELSE login_attempts + 1 END) >= $3 THEN $4::timestamptz
			ELSE NULL END,
		updated_at = $2
	WHERE id = $1
	RETURNING ` + userReturning

	user, err := scanUser(r.db.QueryRowContext(ctx, query, id, now, policy.MaxAttempts, now.Add(policy.LockFor)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return user, nil
}

// RecordLoginSuccess 重置失败计数并记录登录时间。
func (r *UserRepository) RecordLoginSuccess(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET login_attempts = 0, lock_until = NULL, last_login_at = $1 WHERE id = $2`,
		at, id,
	)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// ListIDs 返回全部用户 ID。
func (r *UserRepository) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Search 按邮箱或姓名模糊查找用户。
func (r *UserRepository) Search(ctx context.Context, params repository.UserSearch) ([]repository.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users
	WHERE id::text <> $1 AND (email ILIKE $2 OR name ILIKE $2)
	ORDER BY name, email LIMIT $3`, userReturning)
	rows, err := r.db.QueryContext(ctx, query, params.ExcludeID, "%"+escapeLike(params.Query)+"%", params.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []repository.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func scanUser(rs rowScanner) (*repository.User, error) {
	var (
		u           repository.User
		wallet      sql.NullString
		prefs       []byte
		lockUntil   sql.NullTime
		lastLoginAt sql.NullTime
	)
	if err := rs.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.PasswordHash,
		&wallet,
		&prefs,
		&u.StorageStats.TotalFiles,
		&u.StorageStats.TotalSize,
		&u.LoginAttempts,
		&lockUntil,
		&lastLoginAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if wallet.Valid {
		u.WalletAddress = &wallet.String
	}
	if lockUntil.Valid {
		u.LockUntil = &lockUntil.Time
	}
	if lastLoginAt.Valid {
		u.LastLoginAt = &lastLoginAt.Time
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &u.Preferences); err != nil {
			return nil, fmt.Errorf("decode preferences: %w", err)
		}
	}
	return &u, nil
}
