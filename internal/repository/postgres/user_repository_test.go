package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decendata/internal/repository"
)

func userRow(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(userSelectColumns).AddRow(
		"u1", "ann@example.com", "Ann", "$2a$12$hash", "0x1111111111111111111111111111111111111111",
		[]byte(`{"ai_analysis_enabled":true,"auto_encrypt_sensitive":false,"share_notifications":true,"theme":"dark"}`),
		int64(4), int64(1024), 0, nil, now, now, now,
	)
}

func TestUserRepository_CreateLowercasesEmail(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("u1", "ann@example.com", "Ann", "$2a$12$hash", nil, sqlmock.AnyArg(), now, now).
		WillReturnRows(userRow(now))

	user, err := repo.Create(context.Background(), &repository.User{
		ID:           "u1",
		Email:        "Ann@Example.com",
		Name:         "Ann",
		PasswordHash: "$2a$12$hash",
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.ThemeDark, user.Preferences.Theme)
	assert.EqualValues(t, 1024, user.StorageStats.TotalSize)
	require.NotNil(t, user.WalletAddress)
}

func TestUserRepository_CreateDuplicate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`INSERT INTO users`).WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := repo.Create(context.Background(), &repository.User{ID: "u1", Email: "a@example.com"})
	require.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestUserRepository_GetByIDMalformedID(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)

	mock.ExpectQuery(`SELECT .* FROM users WHERE id = \$1`).WithArgs("bob").
		WillReturnError(&pgconn.PgError{Code: "22P02"})

	_, err := repo.GetByID(context.Background(), "bob")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUserRepository_SearchExcludesCallerAndEscapesPattern(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM users\s+WHERE id::text <> \$1 AND \(email ILIKE \$2 OR name ILIKE \$2\)\s+ORDER BY name, email LIMIT \$3`).
		WithArgs("me", `%ann\_1%`, 10).
		WillReturnRows(userRow(now))

	users, err := repo.Search(context.Background(), repository.UserSearch{Query: "ann_1", ExcludeID: "me", Limit: 10})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u1", users[0].ID)
	assert.Equal(t, "Ann", users[0].Name)
}

func TestUserRepository_SetWalletDuplicate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)
	wallet := "0x2222222222222222222222222222222222222222"
	now := time.Now()

	mock.ExpectQuery(`UPDATE users SET wallet_address = \$1`).
		WithArgs(wallet, now, "u1").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := repo.SetWallet(context.Background(), "u1", &wallet, now)
	require.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestUserRepository_AdjustStorageStatsMissingUser(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)

	mock.ExpectExec(`UPDATE users SET total_files = total_files \+ \$1, total_size = total_size \+ \$2 WHERE id = \$3`).
		WithArgs(int64(1), int64(10), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.AdjustStorageStats(context.Background(), "ghost", 1, 10)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUserRepository_RecordLoginFailure(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepository(db)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := repository.LockPolicy{MaxAttempts: 5, LockFor: 2 * time.Hour}

	mock.ExpectQuery(`UPDATE users SET\s+login_attempts = CASE`).
		WithArgs("u1", now, 5, now.Add(2*time.Hour)).
		WillReturnRows(userRow(now))

	_, err := repo.RecordLoginFailure(context.Background(), "u1", policy, now)
	require.NoError(t, err)
}
